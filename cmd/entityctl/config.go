package main

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is entityctl's YAML configuration file shape.
type Config struct {
	PersistenceID       string `yaml:"persistenceId"`
	Backend             string `yaml:"backend"` // "memory" or "gazette"
	MaxMessageBatchSize int    `yaml:"maxMessageBatchSize"`

	Journal struct {
		Broker string `yaml:"broker"` // gRPC address of a gazette broker
		Name   string `yaml:"journal"`
	} `yaml:"journal"`

	Snapshot struct {
		Path string `yaml:"path"` // sqlite database path
	} `yaml:"snapshot"`
}

// defaultConfig is used when no --config flag is given.
func defaultConfig() *Config {
	var cfg = &Config{
		PersistenceID:       "counter-1",
		Backend:             "memory",
		MaxMessageBatchSize: 100,
	}
	return cfg
}

// loadConfig reads and parses a YAML config file at path.
func loadConfig(path string) (*Config, error) {
	var cfg = defaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessage(err, "reading config file")
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.WithMessage(err, "parsing config file")
	}
	return cfg, nil
}
