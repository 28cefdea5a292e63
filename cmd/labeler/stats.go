package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/basket/inbox-labeler/internal/persistence"
)

type statsReport struct {
	Tasks persistence.Stats     `json:"tasks"`
	Sync  persistence.SyncState `json:"sync"`
}

func runStatsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		return usageError("usage: labeler stats [-json]")
	}

	_, store, err := openStoreFromConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	var report statsReport
	if report.Tasks, err = store.GetStats(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "stats: %v\n", err)
		return 1
	}
	if report.Sync, err = store.GetSyncState(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "sync state: %v\n", err)
		return 1
	}

	if *jsonOutput {
		if err := writeJSONTo(os.Stdout, report); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}
	renderStats(os.Stdout, report)
	return 0
}

func renderStats(w io.Writer, r statsReport) {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("STATUS", "TASKS").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 {
				return cellStyle.Align(lipgloss.Right)
			}
			return cellStyle
		})
	t.Row("pending", strconv.Itoa(r.Tasks.Pending))
	t.Row("classified", strconv.Itoa(r.Tasks.Classified))
	t.Row("failed", strconv.Itoa(r.Tasks.Failed))
	t.Row("skipped", strconv.Itoa(r.Tasks.Skipped))
	t.Row("total", strconv.Itoa(r.Tasks.Total))

	fmt.Fprintln(w, titleStyle.Render("Inbox labeler"))
	fmt.Fprintln(w, t.String())

	lastSync := "never"
	if r.Sync.LastSyncAt != nil {
		lastSync = r.Sync.LastSyncAt.Local().Format(time.RFC3339)
	}
	inbox := r.Sync.InboxProjectID
	if inbox == "" {
		inbox = "unresolved"
	}
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("last sync: %s  inbox: %s  error rows: %d", lastSync, inbox, r.Tasks.ErrorRows)))
}
