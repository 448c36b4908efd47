package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/miniclaw/internal/gateway"
	"github.com/user/miniclaw/internal/types"
)

func init() {
	rootCmd.AddCommand(runCmd, checkCmd)
	runCmd.Flags().Int64("chat", 0, "chat ID whose session and workspace to use (required)")
	runCmd.Flags().StringSlice("attach", nil, "file to pass to the agent (repeatable)")
	runCmd.Flags().BoolP("quiet", "q", false, "do not print activity to stderr")
	_ = runCmd.MarkFlagRequired("chat")
}

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Run one prompt in a chat's session and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		if cfg.Agent.TimeoutMS <= 0 {
			return fmt.Errorf("agent.timeout_ms must be positive, got %d", cfg.Agent.TimeoutMS)
		}

		chatID, _ := cmd.Flags().GetInt64("chat")
		attach, _ := cmd.Flags().GetStringSlice("attach")
		quiet, _ := cmd.Flags().GetBool("quiet")

		a, err := newApp(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var sink types.ActivitySink
		if !quiet {
			sink = types.SinkFunc(func(ev types.ActivityEvent) {
				line := fmt.Sprintf("[%3ds] %s", ev.Elapsed, ev.Category)
				if ev.Detail != "" {
					line += ": " + ev.Detail
				}
				fmt.Fprintln(os.Stderr, line)
			})
		}

		turn := gateway.NewTurn("cli", types.ChatKey(chatID), strings.Join(args, " "), attach...)
		res, err := a.gateway.HandleTurn(ctx, turn, sink)
		if err != nil {
			return err
		}

		fmt.Fprintln(os.Stdout, res.Result.Output)
		for _, img := range res.Images {
			fmt.Fprintf(os.Stderr, "image: %s (%d bytes)\n", img.MimeType, len(img.Data))
		}
		for _, f := range res.Files {
			fmt.Fprintf(os.Stderr, "file: %s\n", f.Path)
		}
		if res.Result.Failed() {
			return fmt.Errorf("%s", res.Result.Error)
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the pi agent is installed and ready",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		a, err := newApp(cfg)
		if err != nil {
			return err
		}

		version, err := a.runner.Version(cmd.Context())
		if err != nil {
			return fmt.Errorf("pi is not installed or not authenticated: %w", err)
		}
		fmt.Fprintf(os.Stdout, "pi %s\n", version)
		fmt.Fprintf(os.Stdout, "command:   %s\n", cfg.Agent.Command)
		fmt.Fprintf(os.Stdout, "agent dir: %s\n", cfg.Agent.Dir)
		fmt.Fprintf(os.Stdout, "workspace: %s\n", cfg.Workspace)
		fmt.Fprintf(os.Stdout, "sessions:  %s\n", cfg.SessionDir)
		fmt.Fprintf(os.Stdout, "thinking:  %s\n", cfg.Agent.Thinking)
		if cfg.Telegram.Token == "" {
			fmt.Fprintln(os.Stdout, "telegram:  no token (set TELEGRAM_BOT_TOKEN)")
		} else {
			fmt.Fprintf(os.Stdout, "telegram:  token set, %s allowed user(s)\n", allowedSummary(cfg.Telegram.AllowedUsers))
		}
		return nil
	},
}

func allowedSummary(users []int64) string {
	if len(users) == 0 {
		return "all"
	}
	return strconv.Itoa(len(users))
}
