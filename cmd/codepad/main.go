package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/codepad/internal/config"
)

var (
	configFlag string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "codepad",
	Short: "codepad - shared code editing with sandboxed execution",
	Long: `codepad serves collaborative editing sessions over WebSocket.

Everyone connected to a session edits one shared Python buffer and can run it
in an isolated sandbox; output streams to every participant.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configFlag)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := c.Log.Apply(); err != nil {
			return fmt.Errorf("configuring logging: %w", err)
		}
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./codepad.yaml or ~/.codepad/codepad.yaml)")
}

// exitCodeError makes the process exit with a program's exit code.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ec exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
