package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Config holds the process-level settings. Priority: defaults < FLOWSTATE_*
// env vars < CLI flags.
type Config struct {
	DBPath        string `env:"FLOWSTATE_DB_PATH"`
	LogLevel      string `env:"FLOWSTATE_LOG_LEVEL" envDefault:"info"`
	RetentionDays int    `env:"FLOWSTATE_RETENTION_DAYS" envDefault:"90"`
	KeepFailed    bool   `env:"FLOWSTATE_KEEP_FAILED" envDefault:"true"`
	SweepSchedule string `env:"FLOWSTATE_SWEEP_SCHEDULE" envDefault:"0 3 * * *"`
}

func loadConfig() (Config, error) {
	cfg := Config{DBPath: defaultDBPath()}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".flowstate", "flowstate.db")
	}
	return filepath.Join(home, ".flowstate", "flowstate.db")
}
