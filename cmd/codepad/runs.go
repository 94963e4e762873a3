package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/codepad/internal/storage"
	"github.com/michaelbrown/codepad/internal/storage/sqlite"
)

var (
	sessionFilter   string
	statusFilter    string
	limitFlag       int
	exportLimitFlag int
	exportFormat    string
	exportOutput    string
)

var runsCmd = &cobra.Command{
	Use:     "runs",
	Aliases: []string{"history"},
	Short:   "Inspect recorded run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export run history as markdown or JSON",
	RunE:  runRunsExport,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsExportCmd)

	for _, c := range []*cobra.Command{runsListCmd, runsExportCmd} {
		c.Flags().StringVar(&sessionFilter, "session", "", "Only runs from this session")
		c.Flags().StringVar(&statusFilter, "status", "", "Filter by status (exited, timeout, oom, output_limit, canceled, error)")
	}
	runsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")
	runsExportCmd.Flags().IntVar(&exportLimitFlag, "limit", 500, "Max runs to export")

	runsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	runsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
}

func openStore() (storage.Store, error) {
	if cfg.Storage.DBPath == "" {
		return nil, fmt.Errorf("run history is disabled (storage.db_path is empty)")
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func listOptions(limit int) storage.RunListOptions {
	return storage.RunListOptions{
		SessionID: sessionFilter,
		Status:    statusFilter,
		Limit:     limit,
	}
}

func runRunsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), listOptions(limitFlag))
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-20s %-6s %-13s %-6s %-10s %s\n", "ID", "SESSION", "REV", "STATUS", "EXIT", "DURATION", "FINISHED")
	fmt.Println(strings.Repeat("─", 85))

	for _, r := range runs {
		exit := "-"
		if r.Status == "exited" {
			exit = fmt.Sprint(r.ExitCode)
		}
		status := r.Status
		if r.Truncated && status == "exited" {
			status += "*"
		}
		fmt.Printf("%-10s %-20s %-6d %-13s %-6s %-10s %s\n",
			shortID(r.ID), truncate(r.SessionID, 18), r.Revision, status, exit,
			r.Duration.Round(time.Millisecond), timeAgo(r.FinishedAt))
	}

	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:       %s\n", r.ID)
	fmt.Printf("Session:   %s\n", r.SessionID)
	fmt.Printf("Revision:  %d\n", r.Revision)
	fmt.Printf("Status:    %s\n", r.Status)
	if r.Status == "exited" {
		fmt.Printf("Exit code: %d\n", r.ExitCode)
	}
	fmt.Printf("Runner:    %s\n", r.Runner)
	fmt.Printf("Program:   %d bytes\n", r.CodeBytes)
	fmt.Printf("Output:    %d bytes stdout, %d bytes stderr", r.StdoutBytes, r.StderrBytes)
	if r.Truncated {
		fmt.Print(" (truncated)")
	}
	fmt.Println()
	if r.Error != "" {
		fmt.Printf("Error:     \033[31m%s\033[0m\n", r.Error)
	}
	fmt.Printf("Submitted: %s\n", r.SubmittedAt.Format(time.RFC3339))
	fmt.Printf("Finished:  %s (%s)\n", r.FinishedAt.Format(time.RFC3339), r.Duration.Round(time.Millisecond))

	return nil
}

func runRunsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), listOptions(exportLimitFlag))
	if err != nil {
		return err
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(runs)
		if err != nil {
			return err
		}
		output = string(data) + "\n"
	case "md", "markdown":
		title := "Run history"
		if sessionFilter != "" {
			title = fmt.Sprintf("Runs for session %s", sessionFilter)
		}
		output = storage.ExportMarkdown(title, runs)
	default:
		return fmt.Errorf("unknown export format %q (want md or json)", exportFormat)
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + ".."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
