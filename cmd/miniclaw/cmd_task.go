package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/miniclaw/internal/state"
	"github.com/user/miniclaw/internal/types"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRemoveCmd, taskEnableCmd, taskDisableCmd)

	taskAddCmd.Flags().String("name", "", "task name (required)")
	taskAddCmd.Flags().String("prompt", "", "prompt text (required)")
	taskAddCmd.Flags().String("schedule", "", "cron schedule expression")
	taskAddCmd.Flags().String("session-key", "", "session key, e.g. telegram:<chat id>")
	taskAddCmd.Flags().Int64("chat", 0, "Telegram chat ID (shorthand for --session-key telegram:<id>)")
	_ = taskAddCmd.MarkFlagRequired("name")
	_ = taskAddCmd.MarkFlagRequired("prompt")
	taskAddCmd.MarkFlagsOneRequired("session-key", "chat")
	taskAddCmd.MarkFlagsMutuallyExclusive("session-key", "chat")
}

func taskStore() *state.TaskStore {
	cfg := loadConfig()
	return state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled and webhook tasks",
	Long:  "Tasks are named prompts run in a chat's session on a cron schedule or via POST /webhook/<name>. Restart the daemon to apply changes.",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		prompt, _ := cmd.Flags().GetString("prompt")
		schedule, _ := cmd.Flags().GetString("schedule")
		key, _ := cmd.Flags().GetString("session-key")
		sessionKey := types.SessionKey(key)
		if chat, _ := cmd.Flags().GetInt64("chat"); chat != 0 {
			sessionKey = types.NewSessionKey("telegram", string(types.ChatKey(chat)))
		}

		store := taskStore()
		task := &state.Task{
			Name:       name,
			Prompt:     prompt,
			Schedule:   schedule,
			SessionKey: sessionKey,
			Enabled:    true,
		}
		if err := store.Add(task); err != nil {
			return fmt.Errorf("add task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q added.\n", name)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := taskStore()
		tasks, err := store.List()
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSCHEDULE\tENABLED\tSESSION KEY")
		for _, t := range tasks {
			schedule := t.Schedule
			if schedule == "" {
				schedule = "(webhook)"
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n",
				t.Name,
				schedule,
				t.Enabled,
				t.SessionKey,
			)
		}
		return w.Flush()
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := taskStore()
		if err := store.Remove(args[0]); err != nil {
			return fmt.Errorf("remove task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q removed.\n", args[0])
		return nil
	},
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := taskStore()
		if err := store.SetEnabled(args[0], true); err != nil {
			return fmt.Errorf("enable task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q enabled.\n", args[0])
		return nil
	},
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := taskStore()
		if err := store.SetEnabled(args[0], false); err != nil {
			return fmt.Errorf("disable task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q disabled.\n", args[0])
		return nil
	},
}
