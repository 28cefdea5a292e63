package main

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"syscall"
	"testing"
)

func TestParseDaemonSubcommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    daemonSubcommandMode
		wantErr bool
	}{
		{name: "no args means run", args: nil, want: daemonSubcommandRun},
		{name: "double dash help", args: []string{"--help"}, want: daemonSubcommandHelp},
		{name: "single dash help", args: []string{"-h"}, want: daemonSubcommandHelp},
		{name: "help token", args: []string{"help"}, want: daemonSubcommandHelp},
		{name: "unexpected arg", args: []string{"extra"}, want: daemonSubcommandRun, wantErr: true},
		{name: "too many args", args: []string{"--help", "extra"}, want: daemonSubcommandRun, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDaemonSubcommandArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("mode mismatch: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestPrintDaemonSubcommandUsage(t *testing.T) {
	var buf bytes.Buffer
	printDaemonSubcommandUsage(&buf)
	out := buf.String()

	if !strings.Contains(out, "usage: labeler daemon [--help]") {
		t.Fatalf("usage output missing daemon subcommand usage: %q", out)
	}
	if !strings.Contains(out, "labeler -quiet") {
		t.Fatalf("usage output missing flag usage: %q", out)
	}
}

func TestIsLoopback(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:18790": true,
		"localhost:80":    true,
		"[::1]:18790":     true,
		"0.0.0.0:18790":   false,
		"10.1.2.3:18790":  false,
		"not-an-address":  false,
	}
	for addr, want := range tests {
		if got := isLoopback(addr); got != want {
			t.Errorf("isLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestIsAddrInUse(t *testing.T) {
	if !isAddrInUse(os.NewSyscallError("bind", syscall.EADDRINUSE)) {
		t.Fatal("expected EADDRINUSE to be detected")
	}
	if !isAddrInUse(errors.New("listen tcp: address already in use")) {
		t.Fatal("expected message match to be detected")
	}
	if isAddrInUse(errors.New("permission denied")) {
		t.Fatal("unexpected match")
	}
}

func TestReasonCode(t *testing.T) {
	err := startupFailure("E_STORE_OPEN", errors.New("disk full"))
	if got := reasonCode(err, "E_FALLBACK"); got != "E_STORE_OPEN" {
		t.Fatalf("reasonCode = %q", got)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("error text lost cause: %q", err.Error())
	}
	if got := reasonCode(errors.New("plain"), "E_FALLBACK"); got != "E_FALLBACK" {
		t.Fatalf("reasonCode for plain error = %q", got)
	}
}
