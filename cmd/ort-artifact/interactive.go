package main

import (
	"context"
	"io"
	"os"

	"golang.org/x/term"
)

type interactiveCtxKeyType struct{}

var interactiveCtxKey = interactiveCtxKeyType{}

// isInteractiveEnvironment reports whether a person is watching. CI runs are
// never interactive.
func isInteractiveEnvironment() bool {
	if os.Getenv("CI") != "" {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func withInteractive(ctx context.Context, interactive bool) context.Context {
	return context.WithValue(ctx, interactiveCtxKey, interactive)
}

func isInteractive(ctx context.Context) bool {
	interactive, ok := ctx.Value(interactiveCtxKey).(bool)
	return ok && interactive
}

// subprocessOutput is where git, cmake and hook output goes. Stdout may carry
// an archive, so only stderr is used.
func subprocessOutput(ctx context.Context, verbose bool) io.Writer {
	if verbose || isInteractive(ctx) {
		return os.Stderr
	}
	return nil
}
