package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk CLI configuration.
type Config struct {
	// Prompt is the string shown before each command line.
	Prompt string `yaml:"prompt"`

	// HistoryFile persists interactive history across sessions. Empty
	// disables persistence.
	HistoryFile string `yaml:"history_file"`

	// Verbose enables diagnostic logging to stderr.
	Verbose bool `yaml:"verbose"`

	// Remote marks the runspace as remote, which changes how handles are
	// acquired around interactive reads.
	Remote bool `yaml:"remote"`

	// Variables are seeded into the runspace at startup.
	Variables map[string]string `yaml:"variables"`
}

func defaultConfig() Config {
	return Config{
		Prompt: "PS> ",
	}
}

// loadConfig reads cfg from path. A missing file at the default location is
// not an error; an explicitly named missing file is.
func loadConfig(path string, explicit bool) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "pshost.yaml"
	}
	return filepath.Join(dir, "pshost", "config.yaml")
}
