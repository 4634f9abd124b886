// Package main is the entry point for the Nightscout/Nocturne compatibility proxy.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Version is set at build time via ldflags.
var Version = "v0.1.0"

// ANSI color codes
const (
	accent = "\033[38;2;52;120;246m"
	bold   = "\033[1m"
	reset  = "\033[0m"
)

const banner = `
  _  _ ___    __   _  _  ___   ___
 | \| / __|  / /  | \| |/ _ \ / __|  compatibility proxy
 | .' \__ \ / /   | .' | (_) | (__
 |_|\_|___//_/    |_|\_|\___/ \___|
`

func printBanner() {
	fmt.Print(accent + bold + banner + reset + "\n")
}

// loadEnvFiles loads .env from standard locations.
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	configEnv := filepath.Join(homeDir, ".config", "nocturne-compat", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Local .env does not override values already set.
	_ = godotenv.Load()
}

// resolveConfig resolves the config to load.
// Checks: user flag -> filesystem locations -> embedded default.
// Returns raw bytes and source description.
func resolveConfig(userConfig string) ([]byte, string, error) {
	if userConfig != "" {
		data, err := os.ReadFile(userConfig)
		if err != nil {
			return nil, "", fmt.Errorf("config file not found: %s", userConfig)
		}
		return data, userConfig, nil
	}

	var searchPaths []string
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", "nocturne-compat", "config.yaml"))
	}
	searchPaths = append(searchPaths, "configs/config.yaml")

	for _, p := range searchPaths {
		if data, err := os.ReadFile(p); err == nil {
			return data, p, nil
		}
	}

	data, err := getEmbeddedConfig("config")
	if err != nil {
		return nil, "", fmt.Errorf("no config file found. Specify --config path")
	}
	return data, "(embedded) config.yaml", nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
