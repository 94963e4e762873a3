package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExportMarkdown renders runs as a markdown table.
func ExportMarkdown(title string, runs []Run) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# %s\n\n", title))
	if len(runs) == 0 {
		b.WriteString("_No runs recorded._\n")
		return b.String()
	}

	b.WriteString("| Run | Session | Rev | Status | Exit | Output | Duration | Finished |\n")
	b.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, r := range runs {
		exit := "-"
		if r.Status == "exited" {
			exit = fmt.Sprint(r.ExitCode)
		}
		output := fmt.Sprintf("%d B", r.StdoutBytes+r.StderrBytes)
		if r.Truncated {
			output += " (truncated)"
		}
		b.WriteString(fmt.Sprintf("| %s | %s | %d | %s | %s | %s | %s | %s |\n",
			shortID(r.ID), r.SessionID, r.Revision, r.Status, exit, output,
			r.Duration.Round(time.Millisecond), r.FinishedAt.Format("2006-01-02 15:04:05")))
	}

	for _, r := range runs {
		if r.Error != "" {
			b.WriteString(fmt.Sprintf("\n**%s:** %s\n", shortID(r.ID), r.Error))
		}
	}

	return b.String()
}

// ExportJSON renders runs as formatted JSON.
func ExportJSON(runs []Run) ([]byte, error) {
	if runs == nil {
		runs = []Run{}
	}
	export := struct {
		Count int   `json:"count"`
		Runs  []Run `json:"runs"`
	}{
		Count: len(runs),
		Runs:  runs,
	}
	return json.MarshalIndent(export, "", "  ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
