package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/miniclaw/internal/agent"
	"github.com/user/miniclaw/internal/config"
	"github.com/user/miniclaw/internal/types"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Mini-Claw Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (from @BotFather)", cfg.Telegram.Token)

		users := prompt(scanner, "Allowed Telegram user IDs, comma separated (empty allows everyone)", joinIDs(cfg.Telegram.AllowedUsers))
		ids, err := config.ParseUserIDs(users)
		if err != nil {
			return err
		}
		cfg.Telegram.AllowedUsers = ids

		cfg.Workspace = prompt(scanner, "Default workspace", cfg.Workspace)
		cfg.Agent.Command = prompt(scanner, "pi command", cfg.Agent.Command)
		cfg.Agent.Thinking = string(types.ParseThinkingLevel(prompt(scanner, "Thinking level (low, medium, high)", cfg.Agent.Thinking)))

		maxStr := prompt(scanner, "Max concurrent agent runs", strconv.Itoa(cfg.MaxConcurrent))
		if n, err := strconv.Atoi(maxStr); err == nil && n > 0 {
			cfg.MaxConcurrent = n
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)

		runner := agent.NewRunner(cfg.Agent.Command, cfg.Agent.Dir, agent.NewLockTable())
		if version, err := runner.Version(context.Background()); err != nil {
			fmt.Printf("Warning: %s is not ready (%v). Install pi and log in before starting the bot.\n", cfg.Agent.Command, err)
		} else {
			fmt.Println("Found pi", version)
		}
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
