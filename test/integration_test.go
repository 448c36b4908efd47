//go:build integration

package test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/miniclaw/internal/agent"
	"github.com/user/miniclaw/internal/delivery"
	"github.com/user/miniclaw/internal/gateway"
	"github.com/user/miniclaw/internal/scheduler"
	"github.com/user/miniclaw/internal/state"
	"github.com/user/miniclaw/internal/types"
	"github.com/user/miniclaw/internal/webhook"
)

// fakePi mimics the agent: it emits tool activity, appends to the
// session transcript, writes a file into the workspace, and answers.
const fakePi = `session="$2"
for last; do :; done
echo "Writing notes.md"
sleep 0.2
mkdir -p "$(dirname "$session")"
printf '{"type":"message","message":{"role":"user","content":"%s"}}\n' "$last" >> "$session"
echo "# notes" > notes.md
echo "done: $last"`

type stack struct {
	gw       *gateway.Gateway
	sessions *state.SessionStore
	history  *state.HistoryStore
	tasks    *state.TaskStore
	home     string
}

func newStack(t *testing.T, script string, maxConcurrent int64) *stack {
	t.Helper()
	dir := t.TempDir()
	home := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	bin := filepath.Join(dir, "pi")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	runner := agent.NewRunner(bin, filepath.Join(dir, "agent"), agent.NewLockTable())
	sessions := state.NewSessionStore(filepath.Join(dir, "sessions"), dir)
	history := state.NewHistoryStore(dir)
	gw := gateway.New(runner, sessions,
		state.NewWorkspaceStore(filepath.Join(dir, "workspaces.json"), home, home),
		history,
		gateway.Options{Timeout: 30 * time.Second, MaxConcurrent: maxConcurrent},
	)
	gw.Start(context.Background())
	t.Cleanup(gw.Stop)

	return &stack{
		gw:       gw,
		sessions: sessions,
		history:  history,
		tasks:    state.NewTaskStore(filepath.Join(dir, "tasks.json")),
		home:     home,
	}
}

func TestEndToEnd(t *testing.T) {
	s := newStack(t, fakePi, 2)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		events []types.ActivityEvent
	)
	sink := types.SinkFunc(func(ev types.ActivityEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	// Several chats at once, three turns each, all concurrently.
	var wg sync.WaitGroup
	for chat := int64(1); chat <= 3; chat++ {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.gw.HandleTurn(ctx, gateway.NewTurn("test", types.ChatKey(chat), fmt.Sprintf("message %d", i)), sink)
				if err != nil {
					t.Error(err)
					return
				}
				if !strings.HasPrefix(res.Result.Output, "Writing notes.md\ndone: message") {
					t.Errorf("unexpected output %q", res.Result.Output)
				}
			}()
		}
	}
	wg.Wait()

	for chat := int64(1); chat <= 3; chat++ {
		key := types.ChatKey(chat)
		n, err := s.history.Count(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if n != 3 {
			t.Errorf("chat %d: expected 3 turns, got %d", chat, n)
		}
		// Each turn appended exactly one line to the chat's own transcript.
		data, err := os.ReadFile(s.sessions.TranscriptPath(key))
		if err != nil {
			t.Fatal(err)
		}
		if lines := strings.Count(string(data), "\n"); lines != 3 {
			t.Errorf("chat %d: expected 3 transcript lines, got %d", chat, lines)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	sawWrite := false
	for _, ev := range events {
		if ev.Category == types.ActivityWriting && ev.Detail == "notes.md" {
			sawWrite = true
		}
	}
	if !sawWrite {
		t.Errorf("expected a writing activity for notes.md, got %+v", events)
	}
}

func TestWebhookToDelivery(t *testing.T) {
	s := newStack(t, fakePi, 1)

	reg := delivery.NewRegistry()
	delivered := make(chan string, 1)
	reg.Register("telegram:", func(_ context.Context, key types.SessionKey, msg string) error {
		delivered <- string(key) + " " + msg
		return nil
	})

	runTask := func(ctx context.Context, key types.SessionKey, prompt string) (string, error) {
		reply, err := s.gw.RunPrompt(ctx, "webhook", key, prompt)
		if err != nil {
			return "", err
		}
		return reply, reg.Deliver(ctx, key, reply)
	}
	if err := s.tasks.Add(&state.Task{Name: "digest", Prompt: "summarise", SessionKey: "telegram:5", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(webhook.NewServer(s.tasks, runTask, s.sessions, s.history, ""))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhook/digest", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["response"] != "Writing notes.md\ndone: summarise" {
		t.Errorf("unexpected response %q", body["response"])
	}

	select {
	case got := <-delivered:
		if got != "telegram:5 Writing notes.md\ndone: summarise" {
			t.Errorf("unexpected delivery %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("reply was not delivered")
	}

	resp, err = http.Get(srv.URL + "/api/sessions/5/turns")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var turns []types.TurnRecord
	if err := json.NewDecoder(resp.Body).Decode(&turns); err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].Source != "webhook" || len(turns[0].Files) != 1 || turns[0].Files[0] != "notes.md" {
		t.Errorf("unexpected turn log %+v", turns)
	}
}

func TestScheduledTask(t *testing.T) {
	s := newStack(t, fakePi, 1)
	if err := s.tasks.Add(&state.Task{Name: "tick", Prompt: "tick", Schedule: "* * * * * *", SessionKey: "telegram:8", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	replies := make(chan string, 4)
	sched := scheduler.New(s.tasks, func(ctx context.Context, key types.SessionKey, prompt string) {
		reply, err := s.gw.RunPrompt(ctx, "task", key, prompt)
		if err != nil {
			t.Error(err)
			return
		}
		select {
		case replies <- reply:
		default:
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	select {
	case got := <-replies:
		if !strings.HasSuffix(got, "done: tick") {
			t.Errorf("unexpected reply %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled task did not run")
	}
	cancel()
}

// TestRealAgent talks to an installed pi when one is available.
func TestRealAgent(t *testing.T) {
	pi, err := exec.LookPath("pi")
	if err != nil {
		t.Skip("pi not installed")
	}
	runner := agent.NewRunner(pi, filepath.Join(os.Getenv("HOME"), ".pi", "agent"), agent.NewLockTable())
	if !runner.Check(context.Background()) {
		t.Skip("pi not ready")
	}

	dir := t.TempDir()
	res := runner.Run(context.Background(), types.RunRequest{
		Key:            "integration",
		Prompt:         "Reply with the single word: pong",
		Workspace:      dir,
		TranscriptPath: filepath.Join(dir, "session.jsonl"),
		Timeout:        2 * time.Minute,
	}, nil)
	if res.Failed() {
		t.Fatalf("agent failed: %s", res.Error)
	}
	if !strings.Contains(strings.ToLower(res.Output), "pong") {
		t.Errorf("expected pong, got %q", res.Output)
	}
}
