package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/ashureev/stormcloud/internal/cli"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	// A missing .env is normal; the environment is used as is.
	_ = godotenv.Load()

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
