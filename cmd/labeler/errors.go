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

const defaultErrorsLimit = 20

func runErrorsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("errors", flag.ContinueOnError)
	limit := fs.Int("n", defaultErrorsLimit, "number of entries to show")
	jsonOutput := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 || *limit <= 0 {
		return usageError("usage: labeler errors [-n N] [-json]")
	}

	_, store, err := openStoreFromConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	entries, err := store.ListErrors(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "errors: %v\n", err)
		return 1
	}

	if *jsonOutput {
		if entries == nil {
			entries = []persistence.ErrorLogEntry{}
		}
		if err := writeJSONTo(os.Stdout, entries); err != nil {
			fmt.Fprintf(os.Stderr, "encode: %v\n", err)
			return 1
		}
		return 0
	}
	renderErrors(os.Stdout, entries)
	return 0
}

func renderErrors(w io.Writer, entries []persistence.ErrorLogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no errors logged"))
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("ID", "WHEN", "TYPE", "TASK", "MESSAGE").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 2 {
				return cellStyle.Foreground(lipgloss.Color("196"))
			}
			return cellStyle
		})
	for _, e := range entries {
		task := e.TaskID
		if task == "" {
			task = "-"
		}
		t.Row(
			strconv.FormatInt(e.ID, 10),
			e.CreatedAt.Local().Format(time.DateTime),
			e.ErrorType,
			task,
			truncate(e.ErrorMessage, 60),
		)
	}
	fmt.Fprintln(w, t.String())
}
