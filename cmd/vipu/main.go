// Vipu is a sandboxed multi-language code runner.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vipu",
	Short: "Run untrusted code in eight languages behind an HTTP or MCP API.",
	Long: `Vipu executes self-contained programs in JavaScript, TypeScript, Python,
Go, Rust, PHP, Ruby and Bash inside a disposable scratch directory, with a
wall-clock timeout and a cap on captured output, and reports stdout, stderr
and the exit code.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, languagesCmd, submitCmd, mcpCmd, janitorCmd, versionCmd)
	_ = godotenv.Load()
}

// exitCodeError ends the process with a specific status and no message.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
