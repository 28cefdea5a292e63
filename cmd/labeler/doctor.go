package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/inbox-labeler/internal/config"
	"github.com/basket/inbox-labeler/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			return usageError("usage: labeler doctor [-json]")
		}
	}

	cfg, err := config.Load()
	if err != nil {
		// Keep going so the report explains what is wrong.
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		if err := writeJSONTo(os.Stdout, diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	renderDiagnosis(os.Stdout, diag)
	if diag.Failed() {
		return 1
	}
	return 0
}

func renderDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Inbox labeler doctor (%s)", diag.Timestamp.Format(time.RFC3339))))
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("System: %s/%s (%s) %s", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)))
	fmt.Fprintln(w, "---")

	for _, res := range diag.Results {
		var tag string
		switch res.Status {
		case doctor.StatusFail:
			tag = failStyle.Render("FAIL")
		case doctor.StatusWarn:
			tag = warnStyle.Render("WARN")
		case doctor.StatusSkip:
			tag = dimStyle.Render("SKIP")
		default:
			tag = passStyle.Render("PASS")
		}
		fmt.Fprintf(w, "%s %-15s: %s\n", tag, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "     %s\n", dimStyle.Render(res.Detail))
		}
	}
}
