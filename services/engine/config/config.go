// Copyright (C) 2025 Storyloom Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the engine configuration with priority
// env > file > defaults. The result is a plain value handed to
// constructors; there is no package-level singleton.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storyloom/storyloom/pkg/logging"
	"github.com/storyloom/storyloom/services/engine/syncer"
	"github.com/storyloom/storyloom/services/engine/version"
)

// Config is the full engine configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Data        DataConfig        `yaml:"data" json:"data"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	VectorStore VectorStoreConfig `yaml:"vector_store" json:"vector_store"`
	Oracle      OracleConfig      `yaml:"oracle" json:"oracle"`
	Sync        syncer.Config     `yaml:"sync" json:"sync"`
	Versioning  VersioningConfig  `yaml:"versioning" json:"versioning"`
	Retrieval   RetrievalConfig   `yaml:"retrieval" json:"retrieval"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DataConfig locates on-disk state. Everything lives under Dir.
type DataConfig struct {
	Dir string `yaml:"dir" json:"dir"`
}

// IndexDir is where the Badger database lives.
func (d DataConfig) IndexDir() string { return filepath.Join(d.Dir, "index") }

// SnapshotDir is where version snapshot payloads live.
func (d DataConfig) SnapshotDir() string { return filepath.Join(d.Dir, "snapshots") }

// LoggingConfig mirrors pkg/logging.Config with a string level so it
// can be written in YAML.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	Dir   string `yaml:"dir" json:"dir"`
	JSON  bool   `yaml:"json" json:"json"`
	Quiet bool   `yaml:"quiet" json:"quiet"`
}

// ToLogging converts to the logging package's config. Unknown level
// names fall back to info.
func (l LoggingConfig) ToLogging(service string) logging.Config {
	level := logging.LevelInfo
	switch l.Level {
	case "debug":
		level = logging.LevelDebug
	case "warn":
		level = logging.LevelWarn
	case "error":
		level = logging.LevelError
	}
	return logging.Config{
		Level:   level,
		LogDir:  l.Dir,
		Service: service,
		JSON:    l.JSON,
		Quiet:   l.Quiet,
	}
}

// VectorStoreConfig selects the embedding backend.
type VectorStoreConfig struct {
	// Provider is "memory" or "weaviate".
	Provider string `yaml:"provider" json:"provider"`
	Host     string `yaml:"host" json:"host"`
	Scheme   string `yaml:"scheme" json:"scheme"`
}

// OracleConfig configures the extraction oracle. The API key is only
// ever read from the environment, never from the file.
type OracleConfig struct {
	// Provider is "openai" or "none". With "none" the extractor runs
	// degraded: vector sync proceeds, graph sync reports a warning.
	Provider string `yaml:"provider" json:"provider"`
	BaseURL  string `yaml:"base_url" json:"base_url"`
	Model    string `yaml:"model" json:"model"`
	APIKey   string `yaml:"-" json:"-"`
}

// VersioningConfig holds snapshot retention settings in plain units so
// the YAML stays free of duration strings.
type VersioningConfig struct {
	AutoSnapshotIntervalSeconds int `yaml:"auto_snapshot_interval_seconds" json:"auto_snapshot_interval_seconds"`
	MajorChangeThreshold        int `yaml:"major_change_threshold" json:"major_change_threshold"`
	MaxAutoSnapshots            int `yaml:"max_auto_snapshots" json:"max_auto_snapshots"`
	CompressAfterDays           int `yaml:"compress_after_days" json:"compress_after_days"`
}

// ToVersion converts to the version package's config.
func (v VersioningConfig) ToVersion() version.Config {
	return version.Config{
		AutoSnapshotInterval: time.Duration(v.AutoSnapshotIntervalSeconds) * time.Second,
		MajorChangeThreshold: v.MajorChangeThreshold,
		MaxAutoSnapshots:     v.MaxAutoSnapshots,
		CompressAfter:        time.Duration(v.CompressAfterDays) * 24 * time.Hour,
	}
}

// RetrievalConfig tunes context assembly.
type RetrievalConfig struct {
	MaxContextTokens int `yaml:"max_context_tokens" json:"max_context_tokens"`
}

// Default returns the stock configuration.
func Default() Config {
	defaults := version.DefaultConfig()
	return Config{
		Server:      ServerConfig{Host: "127.0.0.1", Port: 8700},
		Data:        DataConfig{Dir: "~/.storyloom"},
		Logging:     LoggingConfig{Level: "info"},
		VectorStore: VectorStoreConfig{Provider: "memory", Host: "localhost:8080", Scheme: "http"},
		Oracle:      OracleConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Sync:        syncer.DefaultConfig(),
		Versioning: VersioningConfig{
			AutoSnapshotIntervalSeconds: int(defaults.AutoSnapshotInterval / time.Second),
			MajorChangeThreshold:        defaults.MajorChangeThreshold,
			MaxAutoSnapshots:            defaults.MaxAutoSnapshots,
			CompressAfterDays:           int(defaults.CompressAfter / (24 * time.Hour)),
		},
		Retrieval: RetrievalConfig{MaxContextTokens: 2000},
	}
}

// Load merges configuration with priority env > file > defaults.
// A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	config := Default()

	if path != "" {
		if err := loadFile(path, &config); err != nil {
			return config, fmt.Errorf("load config file: %w", err)
		}
	}
	loadEnv(&config)

	if err := config.Validate(); err != nil {
		return config, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func loadFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, config)
}

func loadEnv(config *Config) {
	if v := os.Getenv("STORYLOOM_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("STORYLOOM_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			config.Server.Port = i
		}
	}
	if v := os.Getenv("STORYLOOM_DATA_DIR"); v != "" {
		config.Data.Dir = v
	}
	if v := os.Getenv("STORYLOOM_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("STORYLOOM_VECTOR_PROVIDER"); v != "" {
		config.VectorStore.Provider = v
	}
	if v := os.Getenv("STORYLOOM_WEAVIATE_HOST"); v != "" {
		config.VectorStore.Host = v
	}
	if v := os.Getenv("STORYLOOM_ORACLE_PROVIDER"); v != "" {
		config.Oracle.Provider = v
	}
	if v := os.Getenv("STORYLOOM_ORACLE_BASE_URL"); v != "" {
		config.Oracle.BaseURL = v
	}
	if v := os.Getenv("STORYLOOM_ORACLE_MODEL"); v != "" {
		config.Oracle.Model = v
	}
	if v := os.Getenv("STORYLOOM_OPENAI_API_KEY"); v != "" {
		config.Oracle.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		config.Oracle.APIKey = v
	}
}

func validMode(m syncer.Mode) bool {
	switch m {
	case syncer.ModeImmediate, syncer.ModeDebounced, syncer.ModeBatch, syncer.ModeManual:
		return true
	}
	return false
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data dir must not be empty")
	}
	switch c.VectorStore.Provider {
	case "memory", "weaviate":
	default:
		return fmt.Errorf("unknown vector store provider %q", c.VectorStore.Provider)
	}
	switch c.Oracle.Provider {
	case "openai", "none":
	default:
		return fmt.Errorf("unknown oracle provider %q", c.Oracle.Provider)
	}
	if !validMode(c.Sync.VectorMode) {
		return fmt.Errorf("unknown vector sync mode %q", c.Sync.VectorMode)
	}
	if !validMode(c.Sync.GraphMode) {
		return fmt.Errorf("unknown graph sync mode %q", c.Sync.GraphMode)
	}
	if c.Sync.DebounceSeconds < 1 {
		return fmt.Errorf("debounce seconds must be positive")
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Versioning.MaxAutoSnapshots < 1 {
		return fmt.Errorf("max auto snapshots must be positive")
	}
	if c.Retrieval.MaxContextTokens < 1 {
		return fmt.Errorf("max context tokens must be positive")
	}
	return nil
}
