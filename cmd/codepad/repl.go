package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Edit and run a local buffer interactively",
	Long: `Start a local editing loop. Lines you type are appended to a buffer;
/run executes the whole buffer in the sandbox. Type /help for commands.`,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringVar(&modeFlag, "mode", "", "Sandbox mode: docker, process or auto (overrides config)")
	rootCmd.AddCommand(replCmd)
}

// replBuffer is the local document edited by the repl.
type replBuffer struct {
	lines []string
}

func (b *replBuffer) String() string {
	if len(b.lines) == 0 {
		return ""
	}
	return strings.Join(b.lines, "\n") + "\n"
}

func runRepl(cmd *cobra.Command, args []string) error {
	runner, cleanup, err := newRunner(modeFlag)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("codepad repl (%s sandbox). Type /help for commands.\n\n", runner.Name())

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36m>>>\033[0m ",
		HistoryFile:     filepath.Join(os.TempDir(), "codepad_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	buf := &replBuffer{}
	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		if !strings.HasPrefix(strings.TrimSpace(input), "/") {
			buf.lines = append(buf.lines, input)
			continue
		}

		fields := strings.Fields(input)
		switch strings.ToLower(fields[0]) {
		case "/quit", "/exit", "/q":
			fmt.Println("Goodbye!")
			return nil
		case "/run":
			// Ctrl+C during a run cancels the run, not the repl.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			res, err := execute(ctx, runner, buf.String(), "", 0, os.Stdout, os.Stderr)
			stop()
			if err != nil {
				fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
				continue
			}
			fmt.Printf("\033[90m[%s]\033[0m\n\n", describe(res))
		case "/show":
			for i, line := range buf.lines {
				fmt.Printf("\033[90m%3d│\033[0m %s\n", i+1, line)
			}
			fmt.Println()
		case "/undo":
			if n := len(buf.lines); n > 0 {
				buf.lines = buf.lines[:n-1]
			}
		case "/clear":
			buf.lines = nil
			fmt.Println("Buffer cleared.")
		case "/load":
			if len(fields) < 2 {
				fmt.Println("usage: /load <file>")
				continue
			}
			data, err := os.ReadFile(fields[1])
			if err != nil {
				fmt.Printf("\033[31merror: %s\033[0m\n", err)
				continue
			}
			buf.lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
			fmt.Printf("Loaded %d lines.\n", len(buf.lines))
		case "/help":
			fmt.Println("Commands:")
			fmt.Println("  /run        - Run the buffer in the sandbox")
			fmt.Println("  /show       - Print the buffer with line numbers")
			fmt.Println("  /undo       - Remove the last line")
			fmt.Println("  /clear      - Empty the buffer")
			fmt.Println("  /load FILE  - Replace the buffer with a file")
			fmt.Println("  /quit       - Exit")
			fmt.Println()
		default:
			fmt.Printf("Unknown command: %s (try /help)\n\n", fields[0])
		}
	}
}
