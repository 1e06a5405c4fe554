package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/vipu/internal/executor"
	"github.com/jkaninda/vipu/internal/history"
	"github.com/jkaninda/vipu/internal/runner"
	"github.com/jkaninda/vipu/internal/sandbox"
)

var runLanguage string

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Execute a source file locally",
	Long: `Execute a program through the local sandbox and stream its output.
The language is taken from --language, or inferred from the file extension.
With no file (or "-") the program is read from stdin.

The command exits with the program's exit code.

Examples:
  vipu run hello.py
  echo 'console.log(1 + 1)' | vipu run
  vipu run -l ruby - < script.rb`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runLanguage, "language", "l", "", "language id (default: from extension, else javascript)")
}

func runRun(_ *cobra.Command, args []string) error {
	path := "-"
	if len(args) == 1 {
		path = args[0]
	}

	code, err := readSource(path)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warn"
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	language := runLanguage
	if language == "" && path != "-" {
		if r, ok := sc.Registry.ForExtension(filepath.Ext(path)); ok {
			language = string(r.Language)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := executor.Request{
		Code:     code,
		Language: language,
		UserID:   "cli",
		OnOutput: func(stream sandbox.Stream, chunk []byte) {
			if stream == sandbox.Stderr {
				_, _ = os.Stderr.Write(chunk)
				return
			}
			_, _ = os.Stdout.Write(chunk)
		},
	}

	res, err := sc.Executor.Execute(ctx, req)
	if err != nil {
		return err
	}
	history.NewRecorder(sc.History(), logger).Record(ctx, req, res)

	switch {
	case res.TimedOut:
		fmt.Fprintf(os.Stderr, "\n[%s: killed after %s timeout]\n", res.Language, cfg.Sandbox.Timeout())
	case res.Truncated:
		fmt.Fprintf(os.Stderr, "\n[%s: output exceeded %d bytes, program killed]\n", res.Language, cfg.Sandbox.OutputLimit())
	}
	return exitStatus(res)
}

// readSource reads the program from path, or stdin when path is "-".
func readSource(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	return string(data), nil
}

// exitStatus maps a result onto the process exit status. Killed programs
// report -1, which becomes 1.
func exitStatus(res *executor.Result) error {
	switch {
	case res.Success:
		return nil
	case res.ExitCode > 0:
		return &exitCodeError{code: res.ExitCode}
	default:
		return &exitCodeError{code: 1}
	}
}

// languageOrDefault returns id, or the default language when id is empty.
func languageOrDefault(id string) string {
	if id == "" {
		return string(runner.Default)
	}
	return id
}
