package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd)
	stopCmd.Flags().Duration("wait", 10*time.Second, "how long to wait for the daemon to exit")
}

// readPID reads the PID from the miniclaw.pid file and validates the
// process exists by sending signal 0.
func readPID() (int, error) {
	cfg := loadConfig()

	data, err := os.ReadFile(pidPath(cfg))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no running daemon (PID file not found)")
		}
		return 0, fmt.Errorf("read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	if !alive(pid) {
		return 0, fmt.Errorf("no running daemon (process %d not found)", pid)
	}
	return pid, nil
}

func alive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")
		pid, err := readPID()
		if err != nil {
			return err
		}

		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("send SIGTERM: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Sent SIGTERM to miniclaw (PID %d).\n", pid)

		deadline := time.Now().Add(wait)
		for time.Now().Before(deadline) {
			if !alive(pid) {
				fmt.Fprintln(os.Stdout, "Stopped.")
				return nil
			}
			time.Sleep(200 * time.Millisecond)
		}
		return fmt.Errorf("miniclaw (PID %d) still running after %s", pid, wait)
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the running daemon in place",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := readPID()
		if err != nil {
			return err
		}

		if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
			return fmt.Errorf("send SIGHUP: %w", err)
		}

		fmt.Fprintf(os.Stdout, "Sent SIGHUP to miniclaw (PID %d) for restart.\n", pid)
		return nil
	},
}
