// Package cli implements the vqvdb command line: encode and decode grid
// dumps, inspect containers, list backends and models, and serve the HTTP API.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"vqvdb/internal/codecerr"
)

// Exit codes returned by Main.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
	// ExitData means the input container or grid was unusable.
	ExitData = 3
)

// Main returns an exit code for use by cmd/vqvdb.
func Main() int { return MainWithArgs(os.Args[1:]) }

// MainWithArgs runs the command line with explicit arguments.
// SIGINT and SIGTERM cancel the running command.
func MainWithArgs(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, args, os.Stdin, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		root := buildRootCmd(newOptions(stdin, stdout, stderr))
		root.SetOut(stderr)
		_ = root.Usage()
		return ExitUsage
	}
	root := buildRootCmd(newOptions(stdin, stdout, stderr))
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitCode(err)
	}
	return ExitOK
}

func exitCode(err error) int {
	switch codecerr.KindOf(err) {
	case codecerr.UnsupportedVersion, codecerr.TruncatedFile, codecerr.CorruptFile,
		codecerr.ModelMismatch, codecerr.EmptyGrid, codecerr.ShapeMismatch:
		return ExitData
	}
	if strings.HasPrefix(err.Error(), "unknown command") || strings.Contains(err.Error(), "accepts ") {
		return ExitUsage
	}
	return ExitError
}

// splitCSV splits a comma separated flag value, dropping empty items.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
