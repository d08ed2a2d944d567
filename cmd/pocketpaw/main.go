// Package main is the pocketpaw CLI: a personal agent runtime that
// bridges messaging channels (Telegram, Discord, Slack, Signal, WhatsApp,
// WebSocket, webhooks) to LLM providers with guarded tool execution.
//
// Start the full runtime:
//
//	pocketpaw serve
//	pocketpaw serve --host 0.0.0.0 --port 9000
//
// Enable one channel and run:
//
//	pocketpaw bot telegram --token <bot-token>
//
// State lives under ~/.pocketpaw (override with --state-dir or
// POCKETPAW_STATE_DIR).
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is populated by ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// dependencyError marks a missing external requirement (API key, bot
// token). It maps to exit code 2; everything else fails with 1.
type dependencyError struct {
	msg string
}

func (e *dependencyError) Error() string { return e.msg }

func dependencyErrorf(format string, args ...any) error {
	return &dependencyError{msg: fmt.Sprintf(format, args...)}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var de *dependencyError
	if errors.As(err, &de) {
		return 2
	}
	return 1
}

func newRootCmd() *cobra.Command {
	var stateDir string

	root := &cobra.Command{
		Use:           "pocketpaw",
		Short:         "Personal agent runtime",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&stateDir, "state-dir", os.Getenv("POCKETPAW_STATE_DIR"),
		"State directory (default ~/.pocketpaw)")

	root.AddCommand(newServeCmd(&stateDir))
	root.AddCommand(newBotCmd(&stateDir))

	return root
}
