package agent

import (
	"regexp"
	"strings"

	"github.com/user/miniclaw/internal/types"
)

const maxRunningDetail = 50

// rule maps one output line pattern to an activity category. detail
// extracts the event detail from the submatches; nil means empty.
type rule struct {
	pattern  *regexp.Regexp
	category types.ActivityCategory
	detail   func(m []string) string
}

func capture(m []string) string { return strings.TrimSpace(m[1]) }

// rules is evaluated in order; the first match wins.
var rules = []rule{
	{
		pattern:  regexp.MustCompile(`(?i)^(?:Reading|Read)\s+(.+)`),
		category: types.ActivityReading,
		detail:   capture,
	},
	{
		pattern:  regexp.MustCompile(`(?i)^(?:Writing|Wrote|Creating|Created)\s+(.+)`),
		category: types.ActivityWriting,
		detail:   capture,
	},
	{
		pattern:  regexp.MustCompile(`(?i)^(?:Running|Executing|>\s*\$)\s*(.+)`),
		category: types.ActivityRunning,
		detail:   func(m []string) string { return truncate(capture(m), maxRunningDetail) },
	},
	{
		pattern:  regexp.MustCompile(`(?i)^(?:Searching|Search|Looking|Finding)`),
		category: types.ActivitySearching,
		detail:   func([]string) string { return "codebase" },
	},
	{
		pattern:  regexp.MustCompile(`(?i)^(?:Thinking|Analyzing|Processing)`),
		category: types.ActivityThinking,
	},
}

// Classify maps one line of agent output to an activity. It reports
// false for blank or unrecognised lines. The returned event has no
// elapsed time; the runner stamps it.
func Classify(line string) (types.ActivityEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return types.ActivityEvent{}, false
	}
	for _, r := range rules {
		m := r.pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		ev := types.ActivityEvent{Category: r.category}
		if r.detail != nil {
			ev.Detail = r.detail(m)
		}
		return ev, true
	}
	return types.ActivityEvent{}, false
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
