package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/danshapiro/simwarden/internal/warden/engine"
	"github.com/danshapiro/simwarden/internal/warden/logging"
	"github.com/danshapiro/simwarden/internal/warden/scan"
)

// loadConfig reads --config, or builds the defaults for --dir and --family.
func loadConfig() (*engine.RunConfigFile, error) {
	if strings.TrimSpace(rootFlags.config) != "" {
		return engine.LoadRunConfigFile(rootFlags.config)
	}
	if strings.TrimSpace(rootFlags.family) == "" {
		return nil, fmt.Errorf("either --config or --family is required")
	}
	return engine.DefaultRunConfig(scan.Family(strings.ToLower(rootFlags.family)), rootFlags.dir)
}

// setup loads the config, initialises logging and builds the engine.
func setup() (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	levelName := cfg.Logging.Level
	if rootFlags.logLevel != "" {
		levelName = rootFlags.logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	format := cfg.Logging.Format
	if rootFlags.logFormat != "" {
		format = rootFlags.logFormat
	}
	logging.Init(level, format)
	return engine.New(cfg, logging.New("engine"))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func logger(component string) *slog.Logger {
	return logging.New(component)
}
