package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/codepad/internal/sandbox"
)

var (
	runTimeoutFlag time.Duration
	runInputFlag   string
)

var runCmd = &cobra.Command{
	Use:   "run <file|->",
	Short: "Run a program once in the sandbox",
	Long: `Run a program file (or stdin with "-") in the configured sandbox with the
same limits the server applies, streaming its output.

The exit code of the program becomes the exit code of codepad.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().DurationVar(&runTimeoutFlag, "timeout", 0, "Wall-clock timeout (default: sandbox.timeout)")
	runCmd.Flags().StringVar(&runInputFlag, "input", "", "File fed to the program's stdin")
	runCmd.Flags().StringVar(&modeFlag, "mode", "", "Sandbox mode: docker, process or auto (overrides config)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	var code []byte
	var err error
	if args[0] == "-" {
		code, err = io.ReadAll(os.Stdin)
	} else {
		code, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("reading program: %w", err)
	}

	var stdin string
	if runInputFlag != "" {
		data, err := os.ReadFile(runInputFlag)
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		stdin = string(data)
	}

	runner, cleanup, err := newRunner(modeFlag)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := execute(ctx, runner, string(code), stdin, runTimeoutFlag, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	if res.Status != sandbox.StatusExited {
		return fmt.Errorf("run ended: %s", describe(res))
	}
	if res.ExitCode != 0 {
		return exitCodeError{code: res.ExitCode}
	}
	return nil
}

// execute runs code with the configured limits, copying output to stdout and
// stderr as it arrives.
func execute(ctx context.Context, runner sandbox.Runner, code, stdin string, timeout time.Duration, stdout, stderr io.Writer) (sandbox.Result, error) {
	policy := cfg.Sandbox.Policy()
	if err := policy.CheckStdin(stdin); err != nil {
		return sandbox.Result{}, err
	}
	limits, err := policy.Limits()
	if err != nil {
		return sandbox.Result{}, err
	}
	res := runner.Execute(ctx, sandbox.Request{
		Code:    code,
		Stdin:   stdin,
		Timeout: policy.ClampTimeout(timeout),
		Limits:  limits,
	}, func(stream sandbox.Stream, chunk []byte) {
		if stream == sandbox.Stderr {
			stderr.Write(chunk)
			return
		}
		stdout.Write(chunk)
	})
	return res, nil
}

func describe(res sandbox.Result) string {
	s := fmt.Sprintf("%v after %s", res.ExitStatus(), res.Duration.Round(time.Millisecond))
	if res.Truncated {
		s += ", output truncated"
	}
	if res.Err != nil {
		s += ": " + res.Err.Error()
	}
	return s
}
