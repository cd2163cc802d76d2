// Package config loads docmill settings from defaults, a JSON config
// file at $XDG_CONFIG_HOME/docmill/config.json, and DOCMILL_* environment
// variables, applied in that order (later wins).
package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Server   ServerConfig
	Backend  BackendConfig
	Pipeline PipelineConfig
	Storage  StorageConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string // empty disables bearer auth on the HTTP API
}

type BackendConfig struct {
	BaseURL      string
	Model        string
	ExecCommand  string
	ExecArgs     string // space-separated extra arguments
	MaxInputSize int
}

type PipelineConfig struct {
	Workers               int
	MaxSegmentSize        int
	OverlapSize           int
	QualityMultiplier     float64
	HighQualityConfidence float64
	SecondaryShare        float64
}

type StorageConfig struct {
	DataDir  string
	CacheDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.1",
		},
		Pipeline: PipelineConfig{
			Workers:               1,
			MaxSegmentSize:        400000,
			OverlapSize:           1000,
			QualityMultiplier:     1.5,
			HighQualityConfidence: 0.7,
			SecondaryShare:        0.3,
		},
		Storage: StorageConfig{
			DataDir:  dataDir,
			CacheDir: filepath.Join(dataDir, "cache"),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "docmill-data"
		}
	}
	return filepath.Join(dir, "docmill")
}

// Load reads configuration from the config file and environment.
// Environment variables (DOCMILL_*) override file values.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "docmill", "config.json")
}
