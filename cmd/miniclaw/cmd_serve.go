package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/miniclaw/internal/agent"
	"github.com/user/miniclaw/internal/config"
	"github.com/user/miniclaw/internal/delivery"
	"github.com/user/miniclaw/internal/gateway"
	"github.com/user/miniclaw/internal/ratelimit"
	"github.com/user/miniclaw/internal/scheduler"
	"github.com/user/miniclaw/internal/state"
	"github.com/user/miniclaw/internal/telegram"
	"github.com/user/miniclaw/internal/types"
	"github.com/user/miniclaw/internal/webhook"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Telegram bot",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// app holds the stores and gateway shared by the commands.
type app struct {
	cfg        *config.Config
	runner     *agent.Runner
	sessions   *state.SessionStore
	workspaces *state.WorkspaceStore
	history    *state.HistoryStore
	tasks      *state.TaskStore
	gateway    *gateway.Gateway
}

func newApp(cfg *config.Config) (*app, error) {
	for _, dir := range []string{cfg.DataDir, cfg.Workspace, cfg.SessionDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = cfg.Workspace
	}

	runner := agent.NewRunner(cfg.Agent.Command, cfg.Agent.Dir, agent.NewLockTable())
	sessions := state.NewSessionStore(cfg.SessionDir, cfg.DataDir)
	workspaces := state.NewWorkspaceStore(filepath.Join(cfg.DataDir, "workspaces.json"), cfg.Workspace, home)
	history := state.NewHistoryStore(cfg.DataDir)

	gw := gateway.New(runner, sessions, workspaces, history, gateway.Options{
		Thinking:      types.ParseThinkingLevel(cfg.Agent.Thinking),
		Timeout:       cfg.AgentTimeout(),
		MaxConcurrent: int64(cfg.MaxConcurrent),
	})

	return &app{
		cfg:        cfg,
		runner:     runner,
		sessions:   sessions,
		workspaces: workspaces,
		history:    history,
		tasks:      state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json")),
		gateway:    gw,
	}, nil
}

func pidPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "miniclaw.pid")
}

func writePIDFile(cfg *config.Config) (string, error) {
	path := pidPath(cfg)
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}

	// Write PID file
	pidFile, err := writePIDFile(cfg)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := a.gateway
	gw.Start(ctx)
	defer gw.Stop()

	if version, err := a.runner.Version(ctx); err != nil {
		slog.Warn("pi is not available; turns will fail until it is installed", "command", cfg.Agent.Command, "error", err)
	} else {
		slog.Info("pi detected", "version", version)
	}

	// Telegram adapter
	limiter := ratelimit.New(cfg.RateLimitCooldown())
	adapter, err := telegram.New(cfg.Telegram.Token, gw, limiter, state.NewTokenCounter(), telegram.Options{
		AllowedUsers: cfg.Telegram.AllowedUsers,
		ShellTimeout: cfg.ShellTimeout(),
		TitleTimeout: cfg.TitleTimeout(),
		KeepSessions: cfg.Telegram.KeepSessions,
	})
	if err != nil {
		return fmt.Errorf("create telegram adapter: %w", err)
	}
	adapterDone := make(chan struct{})
	go func() {
		defer close(adapterDone)
		adapter.Start(ctx)
	}()
	if len(cfg.Telegram.AllowedUsers) == 0 {
		slog.Warn("allowed_users is empty; the bot answers everyone")
	}

	slog.Info("miniclaw started",
		"bot", adapter.Username(),
		"workspace", cfg.Workspace,
		"session_dir", cfg.SessionDir,
		"thinking", cfg.Agent.Thinking,
		"max_concurrent", cfg.MaxConcurrent,
		"pid_file", pidFile,
	)

	// Delivery registry for scheduled replies
	deliveryReg := delivery.NewRegistry()
	deliveryReg.Register("telegram:", adapter.SendTo)

	// Scheduler
	sched := scheduler.New(a.tasks, func(ctx context.Context, key types.SessionKey, prompt string) {
		reply, err := gw.RunPrompt(ctx, "task", key, prompt)
		if err != nil {
			slog.Error("cron task failed", "session_key", string(key), "error", err)
			return
		}
		if reply == "" {
			return
		}
		if err := deliveryReg.Deliver(ctx, key, reply); err != nil {
			slog.Error("cron delivery failed", "session_key", string(key), "error", err)
		}
	})
	keep := cfg.Telegram.KeepSessions
	if err := sched.AddFunc("session-cleanup", "@daily", func(context.Context) {
		n, err := a.sessions.Cleanup(keep)
		if err != nil {
			slog.Error("session cleanup failed", "error", err)
			return
		}
		slog.Info("session cleanup", "deleted", n, "keep", keep)
	}); err != nil {
		return err
	}
	if err := sched.AddFunc("ratelimit-prune", "@hourly", func(context.Context) {
		if n := limiter.Prune(); n > 0 {
			slog.Debug("pruned idle rate limit state", "chats", n)
		}
	}); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started")

	// Webhook HTTP server
	if cfg.HTTP.Enabled {
		runTask := func(ctx context.Context, key types.SessionKey, prompt string) (string, error) {
			return gw.RunPrompt(ctx, "webhook", key, prompt)
		}
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           webhook.NewServer(a.tasks, runTask, a.sessions, a.history, cfg.HTTP.Token),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("webhook server started", "listen", cfg.HTTP.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("webhook server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			httpServer.Shutdown(shutdownCtx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidFile)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				// Re-write PID file since we failed to re-exec
				if _, writeErr := writePIDFile(cfg); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig, "active_turns", gw.Active())
		cancel()
		<-adapterDone
		if !gw.WaitIdle(10 * time.Second) {
			slog.Warn("shutdown timed out waiting for turns", "active_turns", gw.Active())
		}
		return nil
	}
}
