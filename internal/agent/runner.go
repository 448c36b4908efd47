package agent

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/user/miniclaw/internal/types"
)

const (
	defaultHeartbeat = 5 * time.Second
	defaultKillGrace = 5 * time.Second
	defaultWaitDelay = 2 * time.Second
)

// Runner spawns the agent CLI for one conversation turn at a time per
// conversation key.
type Runner struct {
	Command  string // agent executable, e.g. "pi"
	AgentDir string // exported to the agent as PI_AGENT_DIR

	// Heartbeat is the interval for synthetic "working" events.
	Heartbeat time.Duration
	// KillGrace is how long a timed-out process gets after SIGTERM
	// before it is killed.
	KillGrace time.Duration

	locks *LockTable
}

// NewRunner creates a Runner serialised by locks.
func NewRunner(command, agentDir string, locks *LockTable) *Runner {
	return &Runner{
		Command:   command,
		AgentDir:  agentDir,
		Heartbeat: defaultHeartbeat,
		KillGrace: defaultKillGrace,
		locks:     locks,
	}
}

// Locks returns the lock table guarding this runner's conversations.
func (r *Runner) Locks() *LockTable {
	return r.locks
}

// BuildArgs returns the agent argument list for req.
func BuildArgs(req types.RunRequest) []string {
	thinking := req.Thinking
	if thinking == "" {
		thinking = types.ThinkingLow
	}
	args := []string{"--session", req.TranscriptPath, "--print", "--thinking", string(thinking)}
	for _, f := range req.AuxFiles {
		args = append(args, "@"+f)
	}
	return append(args, req.Prompt)
}

// Run executes one turn under the conversation lock and always returns
// a terminal result. Activity is delivered to sink until the result is
// decided. The deadline is req.Timeout from spawn; a non-positive
// timeout expires immediately. ctx cancellation terminates the process
// like a timeout does.
func (r *Runner) Run(ctx context.Context, req types.RunRequest, sink types.ActivitySink) types.RunResult {
	if sink == nil {
		sink = types.Discard
	}
	log := slog.With("run_id", string(types.NewRunID()), "chat_id", string(req.Key))

	waitStart := time.Now()
	release, err := r.locks.Acquire(ctx, req.Key)
	if err != nil {
		res := types.RunResult{Error: "Cancelled: " + err.Error(), Reason: types.ExitCancelled}
		recordRun(res, 0)
		return res
	}
	defer release()
	observeLockWait(time.Since(waitStart))

	if req.Prepare != nil {
		if err := req.Prepare(ctx); err != nil {
			res := types.RunResult{Error: "Cancelled: " + err.Error(), Reason: types.ExitCancelled}
			recordRun(res, 0)
			if req.Finish != nil {
				req.Finish(res)
			}
			return res
		}
	}

	start := time.Now()
	runsInFlight.Inc()
	res := r.execute(ctx, req, sink, log)
	runsInFlight.Dec()
	recordRun(res, time.Since(start))

	if req.Finish != nil {
		req.Finish(res)
	}
	return res
}

func (r *Runner) execute(ctx context.Context, req types.RunRequest, sink types.ActivitySink, log *slog.Logger) types.RunResult {
	if err := os.MkdirAll(filepath.Dir(req.TranscriptPath), 0o755); err != nil {
		return types.RunResult{Error: types.SpawnFailPrefix + err.Error(), Reason: types.ExitSpawn}
	}

	emit := newEmitter(sink, time.Now())
	done := newCompletion(emit)
	stdout := newLineWriter(func(line string) {
		if ev, ok := Classify(line); ok {
			emit.activity(ev)
		}
	})
	var stderr lockedBuffer

	cmd := exec.Command(r.Command, BuildArgs(req)...)
	cmd.Dir = req.Workspace
	cmd.Env = append(os.Environ(), "PI_AGENT_DIR="+r.AgentDir)
	cmd.Stdout = stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = defaultWaitDelay

	log.Debug("spawning agent", "command", r.Command, "workspace", req.Workspace, "session_file", req.TranscriptPath)
	if err := cmd.Start(); err != nil {
		log.Error("agent failed to start", "error", err)
		done.resolve(types.RunResult{Error: types.SpawnFailPrefix + err.Error(), Reason: types.ExitSpawn})
		return done.wait()
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		close(exited)
		stdout.Flush()
		res := exitResult(err, stdout.String(), stderr.String())
		if done.resolve(res) {
			if err == nil && stderr.Len() > 0 {
				log.Warn("agent wrote to stderr but exited cleanly", "stderr", truncate(strings.TrimSpace(stderr.String()), 500))
			}
			log.Info("agent exited", "reason", res.Reason, "error", res.Error)
		}
	}()

	heartbeat := r.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				emit.heartbeat(heartbeat)
			case <-done.done():
				return
			}
		}
	}()

	stop := func(res types.RunResult) {
		if !done.resolve(res) {
			return
		}
		r.terminate(cmd.Process, exited, log)
	}

	timer := time.AfterFunc(max(req.Timeout, 0), func() {
		log.Warn("agent timed out", "timeout", req.Timeout)
		stop(types.RunResult{Output: trimOutput(stdout.String()), Error: types.TimeoutMessage, Reason: types.ExitTimeout})
	})
	defer timer.Stop()
	stopOnCancel := context.AfterFunc(ctx, func() {
		stop(types.RunResult{Output: trimOutput(stdout.String()), Error: "Cancelled: " + context.Cause(ctx).Error(), Reason: types.ExitCancelled})
	})
	defer stopOnCancel()

	return done.wait()
}

// terminate sends SIGTERM to the process group and kills it if it is
// still alive after KillGrace. It does not wait for the process.
func (r *Runner) terminate(proc *os.Process, exited <-chan struct{}, log *slog.Logger) {
	if err := syscall.Kill(-proc.Pid, syscall.SIGTERM); err != nil {
		log.Debug("signal agent group", "error", err)
		_ = proc.Signal(syscall.SIGTERM)
	}
	grace := r.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	go func() {
		select {
		case <-exited:
		case <-time.After(grace):
			log.Warn("agent ignored SIGTERM, killing", "pid", proc.Pid)
			_ = syscall.Kill(-proc.Pid, syscall.SIGKILL)
			_ = proc.Kill()
		}
	}()
}

// exitResult maps a finished process to its result. Only a non-zero
// exit with stderr is a failure; stderr is otherwise ignored. Any
// stderr counts, even whitespace, which is shown as is.
func exitResult(waitErr error, stdout, stderr string) types.RunResult {
	out := trimOutput(stdout)

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && stderr != "" {
		if out == "" {
			out = types.ErrorOccurred
		}
		diag := strings.TrimSpace(stderr)
		if diag == "" {
			diag = stderr
		}
		return types.RunResult{Output: out, Error: diag, Reason: types.ExitFailed}
	}
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		slog.Warn("agent wait error", "error", waitErr)
	}
	if out == "" {
		out = types.NoOutput
	}
	return types.RunResult{Output: out, Reason: types.ExitNormal}
}

func trimOutput(s string) string {
	return strings.TrimRight(s, "\r\n")
}

// completion is the single assignment point for a run's result. The
// first resolve wins and closes the emitter so no activity follows.
type completion struct {
	once   sync.Once
	ch     chan struct{}
	emit   *emitter
	result types.RunResult
}

func newCompletion(emit *emitter) *completion {
	return &completion{ch: make(chan struct{}), emit: emit}
}

func (c *completion) resolve(res types.RunResult) bool {
	won := false
	c.once.Do(func() {
		c.emit.close()
		c.result = res
		close(c.ch)
		won = true
	})
	return won
}

func (c *completion) done() <-chan struct{} { return c.ch }

func (c *completion) wait() types.RunResult {
	<-c.ch
	return c.result
}

// emitter stamps and forwards activity. Holding mu across the sink call
// keeps elapsed values non-decreasing.
type emitter struct {
	mu     sync.Mutex
	sink   types.ActivitySink
	start  time.Time
	last   time.Time
	closed bool
}

func newEmitter(sink types.ActivitySink, start time.Time) *emitter {
	return &emitter{sink: sink, start: start}
}

func (e *emitter) activity(ev types.ActivityEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	now := time.Now()
	e.last = now
	e.send(ev, now)
}

// heartbeat emits "working" when nothing was classified for interval.
func (e *emitter) heartbeat(interval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	now := time.Now()
	if !e.last.IsZero() && now.Sub(e.last) < interval {
		return
	}
	e.send(types.ActivityEvent{Category: types.ActivityWorking}, now)
}

func (e *emitter) send(ev types.ActivityEvent, now time.Time) {
	ev.Elapsed = int(now.Sub(e.start) / time.Second)
	activityEvents.WithLabelValues(string(ev.Category)).Inc()
	e.sink.OnActivity(ev)
}

func (e *emitter) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// lineWriter accumulates stdout and hands each complete line to onLine.
type lineWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	partial []byte
	onLine  func(string)
}

func newLineWriter(onLine func(string)) *lineWriter {
	return &lineWriter{onLine: onLine}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf.Write(p)
	w.partial = append(w.partial, p...)
	var lines []string
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	w.mu.Unlock()

	for _, line := range lines {
		w.onLine(line)
	}
	return len(p), nil
}

// Flush classifies a trailing line that had no newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	rest := string(w.partial)
	w.partial = nil
	w.mu.Unlock()
	if rest != "" {
		w.onLine(rest)
	}
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
