package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/openpcb/sender/device"
)

// Config is the opcsend configuration file.
type Config struct {
	Listen   string `yaml:"listen"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Profiles []device.Profile `yaml:"profiles"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Listen == "" {
		cfg.Listen = ":9091"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if v := os.Getenv("OPCSEND_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("OPCSEND_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("OPCSEND_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	for _, p := range cfg.Profiles {
		if err = p.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// filePersistence stores height map records as JSON files in the
// data directory.
type filePersistence struct {
	dir string
}

func (f filePersistence) path(id string) string {
	return filepath.Join(f.dir, filepath.Base(id)+".json")
}

func (f filePersistence) Save(id string, data []byte) error {
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(f.path(id), data, 0644)
}

func (f filePersistence) Load(id string) ([]byte, error) {
	return os.ReadFile(f.path(id))
}
