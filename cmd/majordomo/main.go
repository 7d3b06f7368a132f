package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/nvyas/majordomo/internal/app"
	"github.com/nvyas/majordomo/internal/config"
	"github.com/nvyas/majordomo/internal/kb"
	"github.com/nvyas/majordomo/internal/runner"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg := config.Load(os.Getenv("MAJORDOMO_CONFIG"))
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	engine, err := runner.NewDockerEngine()
	if err != nil {
		fmt.Fprintln(os.Stderr, "docker:", err)
		os.Exit(1)
	}

	embedder := kb.NewHTTPEmbedder(cfg.Embeddings.Endpoint, cfg.Embeddings.Model,
		cfg.Embeddings.Dimensions, cfg.Embeddings.APIKey)

	a, err := app.New(cfg, app.Deps{Engine: engine, Embedder: embedder}, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup:", err)
		os.Exit(1)
	}

	if err := a.RunWithSignal(); err != nil {
		logger.Error("exited", "error", err)
		os.Exit(1)
	}
}
