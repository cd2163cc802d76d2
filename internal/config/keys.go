package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DOCMILL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "DOCMILL_SERVER_API_TOKEN",
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "backend.base_url", typ: kString, env: "DOCMILL_BACKEND_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Backend.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.BaseURL },
	},
	{
		key: "backend.model", typ: kString, env: "DOCMILL_BACKEND_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Backend.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.Model },
	},
	{
		key: "backend.exec_command", typ: kString, env: "DOCMILL_BACKEND_EXEC_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Backend.ExecCommand = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.ExecCommand },
	},
	{
		key: "backend.exec_args", typ: kString, env: "DOCMILL_BACKEND_EXEC_ARGS",
		apply:   func(cfg *Config, v any) { cfg.Backend.ExecArgs = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.ExecArgs },
	},
	{
		key: "backend.max_input_size", typ: kInt, env: "DOCMILL_BACKEND_MAX_INPUT_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Backend.MaxInputSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Backend.MaxInputSize },
	},
	{
		key: "pipeline.workers", typ: kInt, env: "DOCMILL_PIPELINE_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.Workers },
	},
	{
		key: "pipeline.max_segment_size", typ: kInt, env: "DOCMILL_PIPELINE_MAX_SEGMENT_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxSegmentSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxSegmentSize },
	},
	{
		key: "pipeline.overlap_size", typ: kInt, env: "DOCMILL_PIPELINE_OVERLAP_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.OverlapSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.OverlapSize },
	},
	{
		key: "pipeline.quality_multiplier", typ: kFloat, env: "DOCMILL_PIPELINE_QUALITY_MULTIPLIER",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.QualityMultiplier = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.QualityMultiplier },
	},
	{
		key: "pipeline.high_quality_confidence", typ: kFloat, env: "DOCMILL_PIPELINE_HIGH_QUALITY_CONFIDENCE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.HighQualityConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.HighQualityConfidence },
	},
	{
		key: "pipeline.secondary_share", typ: kFloat, env: "DOCMILL_PIPELINE_SECONDARY_SHARE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.SecondaryShare = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.SecondaryShare },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCMILL_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.cache_dir", typ: kString, env: "DOCMILL_STORAGE_CACHE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.CacheDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.CacheDir },
	},
	{
		key: "log.level", typ: kString, env: "DOCMILL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
