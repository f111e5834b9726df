package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// config is the worker configuration, loaded from YAML with environment
	// overrides for deployment-specific values.
	config struct {
		Mongo   mongoConfig   `yaml:"mongo"`
		Redis   redisConfig   `yaml:"redis"`
		Worker  workerConfig  `yaml:"worker"`
		Janitor janitorConfig `yaml:"janitor"`
		Media   mediaConfig   `yaml:"media_generation"`
	}

	mongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	redisConfig struct {
		// Addr enables live progress publishing onto run streams when set
		// (host:port). Empty disables publishing; progress still lands on
		// the queue row.
		Addr         string `yaml:"addr"`
		Password     string `yaml:"password"`
		StreamMaxLen int    `yaml:"stream_max_len"`
	}

	workerConfig struct {
		ID                string        `yaml:"id"`
		PollInterval      time.Duration `yaml:"poll_interval"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	}

	janitorConfig struct {
		SweepInterval time.Duration `yaml:"sweep_interval"`
		StaleAfter    time.Duration `yaml:"stale_after"`
	}

	mediaConfig struct {
		// ProviderLimits caps concurrent generations per provider. Providers
		// not listed run unbounded.
		ProviderLimits map[string]int `yaml:"provider_limits"`
		// ItemDelay paces placeholder generation, exercising progress and
		// heartbeat paths.
		ItemDelay time.Duration `yaml:"item_delay"`
	}
)

// loadConfig reads the YAML file at path when non-empty, then applies
// environment overrides and defaults.
func loadConfig(path string) (*config, error) {
	var cfg config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("LOOM_MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("LOOM_MONGO_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("LOOM_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LOOM_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LOOM_WORKER_ID"); v != "" {
		cfg.Worker.ID = v
	}

	if cfg.Mongo.URI == "" {
		cfg.Mongo.URI = "mongodb://localhost:27017"
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = "loom"
	}
	if cfg.Worker.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		cfg.Worker.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &cfg, nil
}
