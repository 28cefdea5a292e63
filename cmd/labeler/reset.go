package main

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// runResetCommand deletes a failed task record so the next tick treats the
// task as new.
func runResetCommand(ctx context.Context, args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return usageError("usage: labeler reset <task-id>")
	}
	taskID := strings.TrimSpace(args[0])

	_, store, err := openStoreFromConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	reset, err := store.ResetTask(ctx, taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reset: %v\n", err)
		return 1
	}
	if !reset {
		fmt.Fprintf(os.Stderr, "no failed record for task %s\n", taskID)
		return 1
	}
	fmt.Printf("task %s reset; it will be classified on the next sync\n", taskID)
	return 0
}
