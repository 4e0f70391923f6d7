package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

type config struct {
	Port string `yaml:"port"`

	// InsightURL is the base URL of the filings analysis service; its /query and /metadata
	// endpoints are the only remote dependencies of this application.
	InsightURL string `yaml:"insightURL"`
}

const defaultPort = "8080"

// loadConfig reads the YAML config file at path and fills in defaults and environment fallbacks.
// A missing file is not an error: the SEC_INTEL_API_URL environment variable alone is enough to
// run. A missing base URL is.
func loadConfig(path string) (config, error) {
	cfg := config{}

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.InsightURL == "" {
		cfg.InsightURL = os.Getenv("SEC_INTEL_API_URL")
	}
	if cfg.InsightURL == "" {
		return config{}, fmt.Errorf("analysis service base URL is required: set insightURL in %s or SEC_INTEL_API_URL", path)
	}

	return cfg, nil
}
