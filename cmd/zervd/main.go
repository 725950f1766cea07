// Package main is the zerv server entrypoint binary.
//
// It intentionally delegates startup to the internal app package to keep
// main small, testable, and lint-friendly.
package main

import (
	"log/slog"
	"os"

	"zerv/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		slog.Error("zerv.exit", "err", err)
		os.Exit(1)
	}
}
