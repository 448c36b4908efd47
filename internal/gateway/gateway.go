package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/user/miniclaw/internal/agent"
	"github.com/user/miniclaw/internal/filedetect"
	"github.com/user/miniclaw/internal/state"
	"github.com/user/miniclaw/internal/transcript"
	"github.com/user/miniclaw/internal/types"
)

const maxRecordedPrompt = 200

// Options tunes how turns are run.
type Options struct {
	Thinking      types.ThinkingLevel
	Timeout       time.Duration // per run; zero or less expires at once
	MaxConcurrent int64
}

// Gateway turns prompts into agent runs. Each conversation is
// serialised by the runner's lock table, and a global semaphore caps
// how many agent processes run at once across conversations.
type Gateway struct {
	runner     *agent.Runner
	sessions   *state.SessionStore
	workspaces *state.WorkspaceStore
	history    types.TurnLog
	sem        *semaphore.Weighted
	opts       Options
	active     atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Gateway. history may be nil.
func New(runner *agent.Runner, sessions *state.SessionStore, workspaces *state.WorkspaceStore, history types.TurnLog, opts Options) *Gateway {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Thinking == "" {
		opts.Thinking = types.ThinkingLow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		runner:     runner,
		sessions:   sessions,
		workspaces: workspaces,
		history:    history,
		sem:        semaphore.NewWeighted(opts.MaxConcurrent),
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start ties the gateway's lifetime to ctx: when ctx ends, in-flight
// turns are cancelled.
func (g *Gateway) Start(ctx context.Context) {
	context.AfterFunc(ctx, g.cancel)
}

// Stop cancels in-flight turns and waits for them to return.
func (g *Gateway) Stop() {
	g.cancel()
	g.wg.Wait()
}

// Runner returns the agent runner.
func (g *Gateway) Runner() *agent.Runner {
	return g.runner
}

// Sessions returns the transcript store.
func (g *Gateway) Sessions() *state.SessionStore {
	return g.sessions
}

// Workspaces returns the per-chat workspace store.
func (g *Gateway) Workspaces() *state.WorkspaceStore {
	return g.workspaces
}

// History returns the turn log, which may be nil.
func (g *Gateway) History() types.TurnLog {
	return g.history
}

// HandleTurn runs the turn and collects its images and files. The
// transcript watermark and workspace snapshot are taken after the
// conversation lock is held so a queued turn never sees another
// turn's output as its own. The returned error is non-nil only for an
// invalid turn; agent failures are reported in TurnResult.Result.
func (g *Gateway) HandleTurn(ctx context.Context, turn *Turn, sink types.ActivitySink) (*TurnResult, error) {
	if turn == nil || turn.Key == "" {
		return nil, errors.New("turn has no conversation key")
	}

	g.wg.Add(1)
	defer g.wg.Done()
	g.active.Add(1)
	defer g.active.Add(-1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(g.ctx, cancel)
	defer stop()

	workspace := g.workspaces.Get(turn.Key)
	transcriptPath := g.sessions.TranscriptPath(turn.Key)
	out := &TurnResult{Turn: turn, Workspace: workspace}

	var (
		held      bool
		watermark int
		before    filedetect.Snapshot
	)
	req := types.RunRequest{
		Key:            turn.Key,
		Prompt:         turn.Prompt,
		Workspace:      workspace,
		TranscriptPath: transcriptPath,
		AuxFiles:       turn.Attachments,
		Thinking:       g.opts.Thinking,
		Timeout:        g.opts.Timeout,
		Prepare: func(ctx context.Context) error {
			if err := g.sem.Acquire(ctx, 1); err != nil {
				return fmt.Errorf("wait for run slot: %w", err)
			}
			held = true
			watermark = transcript.LineCount(transcriptPath)
			before = filedetect.Take(workspace)
			return nil
		},
		Finish: func(res types.RunResult) {
			if !held {
				return
			}
			g.sem.Release(1)
			out.Images = transcript.ExtractImages(transcriptPath, watermark)
			out.Files = filedetect.Detect(res.Output, workspace, before)
		},
	}

	start := time.Now()
	out.Result = g.runner.Run(ctx, req, sink)
	out.Duration = time.Since(start)

	slog.Info("turn complete",
		"chat_id", string(turn.Key),
		"source", turn.Source,
		"reason", string(out.Result.Reason),
		"images", len(out.Images),
		"files", len(out.Files),
		"elapsed", out.Duration.Round(time.Millisecond),
	)
	g.record(ctx, out, start)
	return out, nil
}

// RunPrompt runs prompt in the conversation addressed by a session key
// such as "telegram:42" and returns the text to deliver for it.
func (g *Gateway) RunPrompt(ctx context.Context, source string, key types.SessionKey, prompt string) (string, error) {
	_, conv, err := types.ParseSessionKey(key)
	if err != nil {
		return "", err
	}
	res, err := g.HandleTurn(ctx, NewTurn(source, conv, prompt), nil)
	if err != nil {
		return "", err
	}
	return res.Reply(), nil
}

func (g *Gateway) record(ctx context.Context, out *TurnResult, start time.Time) {
	if g.history == nil {
		return
	}
	rec := &types.TurnRecord{
		ID:         out.Turn.ID,
		Key:        out.Turn.Key,
		Source:     out.Turn.Source,
		Prompt:     clip(out.Turn.Prompt, maxRecordedPrompt),
		Reason:     out.Result.Reason,
		Error:      out.Result.Error,
		OutputLen:  len(out.Result.Output),
		Images:     len(out.Images),
		StartedAt:  start,
		DurationMS: out.Duration.Milliseconds(),
	}
	for _, f := range out.Files {
		rec.Files = append(rec.Files, f.Filename)
	}
	if err := g.history.Append(context.WithoutCancel(ctx), rec); err != nil {
		slog.Warn("record turn", "chat_id", string(out.Turn.Key), "error", err)
	}
}

// NewChatSession archives the conversation's transcript and forgets
// any switched-to session, so the next turn starts fresh. It returns
// the archive filename, or "" if there was no transcript.
func (g *Gateway) NewChatSession(ctx context.Context, key types.ConversationKey) (string, error) {
	release, err := g.runner.Locks().Acquire(ctx, key)
	if err != nil {
		return "", fmt.Errorf("acquire conversation lock: %w", err)
	}
	defer release()

	archived, err := g.sessions.Archive(key)
	if err != nil {
		return "", err
	}
	if err := g.sessions.ClearActive(key); err != nil {
		return archived, err
	}
	return archived, nil
}

// SwitchSession makes filename the conversation's transcript. It waits
// for any running turn of the conversation to finish first.
func (g *Gateway) SwitchSession(ctx context.Context, key types.ConversationKey, filename string) error {
	release, err := g.runner.Locks().Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire conversation lock: %w", err)
	}
	defer release()

	return g.sessions.Switch(key, filename)
}

// Busy reports whether a turn is running or queued for key.
func (g *Gateway) Busy(key types.ConversationKey) bool {
	return g.runner.Locks().Busy(key)
}

// Active returns the number of turns currently in HandleTurn.
func (g *Gateway) Active() int64 {
	return g.active.Load()
}

// WaitIdle blocks until no turns are in flight, or the timeout expires.
// Returns true if idle, false if timed out.
func (g *Gateway) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if g.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
