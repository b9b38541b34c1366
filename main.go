package main

import (
	"log/slog"
	"os"

	"github.com/pyama86/slaffic-relay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		slog.Error("slaffic-relay failed", slog.Any("err", err))
		os.Exit(1)
	}
}
