package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/miniclaw/internal/state"
	"github.com/user/miniclaw/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionClearCmd, sessionCleanupCmd)
	sessionListCmd.Flags().Bool("tokens", false, "estimate the context size of each transcript")
	sessionCleanupCmd.Flags().Int("keep", 0, "transcripts to keep per chat (default from config)")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage agent sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all session transcripts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.SessionDir, cfg.DataDir)
		history := state.NewHistoryStore(cfg.DataDir)
		withTokens, _ := cmd.Flags().GetBool("tokens")

		list, err := sessions.List()
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		var tokens *state.TokenCounter
		if withTokens {
			tokens = state.NewTokenCounter()
		}

		ctx := context.Background()
		now := time.Now()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		header := "FILE\tCHAT\tSIZE\tMODIFIED\tTURNS"
		if withTokens {
			header += "\tTOKENS"
		}
		fmt.Fprintln(w, header)
		for _, s := range list {
			turns := "-"
			key := types.ConversationKey(s.ChatID)
			if s.Filename == state.DefaultFilename(key) {
				if n, err := history.Count(ctx, key); err == nil {
					turns = fmt.Sprint(n)
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s",
				s.Filename,
				s.ChatID,
				state.FormatSize(s.Size),
				state.FormatAge(s.ModifiedAt, now),
				turns,
			)
			if tokens != nil {
				n, err := tokens.CountTranscript(s.Path)
				if err != nil {
					fmt.Fprint(w, "\t?")
				} else {
					fmt.Fprintf(w, "\t~%d", n)
				}
			}
			fmt.Fprintln(w)
		}
		return w.Flush()
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <file|all>",
	Short: "Delete a session transcript or all of them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.SessionDir, cfg.DataDir)

		if args[0] != "all" {
			if err := sessions.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Session %s cleared.\n", args[0])
			return nil
		}

		list, err := sessions.List()
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		for _, s := range list {
			if err := sessions.Delete(s.Filename); err != nil {
				return err
			}
			if err := sessions.ClearActive(types.ConversationKey(s.ChatID)); err != nil {
				return err
			}
		}
		fmt.Printf("All sessions cleared (%d).\n", len(list))
		return nil
	},
}

var sessionCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old transcripts, keeping the newest per chat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		keep, _ := cmd.Flags().GetInt("keep")
		if keep <= 0 {
			keep = cfg.Telegram.KeepSessions
		}

		sessions := state.NewSessionStore(cfg.SessionDir, cfg.DataDir)
		n, err := sessions.Cleanup(keep)
		if err != nil {
			return fmt.Errorf("cleanup sessions: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Deleted %d old session(s), kept the %d most recent per chat.\n", n, keep)
		return nil
	},
}
