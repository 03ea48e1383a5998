// Package config loads the operator-facing YAML configuration into an
// immutable snapshot, following the teacher's plain YAML-plus-environment-
// override convention (controller_src/main.go's Config struct).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config is the process-wide configuration snapshot. It is read once at
// startup and handed by value/pointer to every subsystem; nothing mutates
// it afterward (spec.md §9, "three singletons").
type Config struct {
	Core struct {
		MaxConcurrentDeployments int    `yaml:"MaxConcurrentDeployments"`
		BuildTimeoutSeconds      int    `yaml:"BuildTimeoutSeconds"`
		SSHTimeoutSeconds        int    `yaml:"SSHTimeoutSeconds"`
		ArtifactsDir             string `yaml:"ArtifactsDir"`
		WorkDir                  string `yaml:"WorkDir"`
		LogVerbosity             string `yaml:"DeploymentLogVerbosity"`
		DatabasePath             string `yaml:"DatabasePath"`
		HTTPListenAddress        string `yaml:"HTTPListenAddress"`
		EncryptionKey            string `yaml:"EncryptionKey"`
		LogToJournald            bool   `yaml:"LogToJournald"`
	} `yaml:"Core"`
}

const envPrefix = "DEPLOYCTL_"

// Default returns the documented defaults (spec.md §6 "Environment").
func Default() Config {
	var c Config
	c.Core.MaxConcurrentDeployments = 3
	c.Core.BuildTimeoutSeconds = 3600
	c.Core.SSHTimeoutSeconds = 300
	c.Core.ArtifactsDir = "./artifacts"
	c.Core.WorkDir = "./work"
	c.Core.LogVerbosity = "minimal"
	c.Core.DatabasePath = "./deployctl.db"
	c.Core.HTTPListenAddress = ":8080"
	return c
}

// Load reads the YAML file at path on top of Default(), then applies any
// DEPLOYCTL_-prefixed environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config failed: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config failed: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupEnv("MAX_CONCURRENT_DEPLOYMENTS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Core.MaxConcurrentDeployments = n
		}
	}
	if v, ok := lookupEnv("BUILD_TIMEOUT_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Core.BuildTimeoutSeconds = n
		}
	}
	if v, ok := lookupEnv("SSH_TIMEOUT_SECONDS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Core.SSHTimeoutSeconds = n
		}
	}
	if v, ok := lookupEnv("ARTIFACTS_DIR"); ok {
		cfg.Core.ArtifactsDir = v
	}
	if v, ok := lookupEnv("WORK_DIR"); ok {
		cfg.Core.WorkDir = v
	}
	if v, ok := lookupEnv("DEPLOYMENT_LOG_VERBOSITY"); ok {
		cfg.Core.LogVerbosity = v
	}
	if v, ok := lookupEnv("DATABASE_PATH"); ok {
		cfg.Core.DatabasePath = v
	}
	if v, ok := lookupEnv("HTTP_LISTEN_ADDRESS"); ok {
		cfg.Core.HTTPListenAddress = v
	}
	if v, ok := lookupEnv("ENCRYPTION_KEY"); ok {
		cfg.Core.EncryptionKey = v
	}
	if v, ok := lookupEnv("LOG_TO_JOURNALD"); ok {
		cfg.Core.LogToJournald = strings.EqualFold(v, "true") || v == "1"
	}
}

func lookupEnv(suffix string) (string, bool) {
	return os.LookupEnv(envPrefix + suffix)
}

func (c Config) validate() error {
	if c.Core.MaxConcurrentDeployments <= 0 {
		return fmt.Errorf("config: MaxConcurrentDeployments must be positive")
	}
	if c.Core.LogVerbosity != "minimal" && c.Core.LogVerbosity != "detailed" {
		return fmt.Errorf("config: DeploymentLogVerbosity must be 'minimal' or 'detailed'")
	}
	if c.Core.ArtifactsDir == "" || c.Core.WorkDir == "" {
		return fmt.Errorf("config: ArtifactsDir and WorkDir are required")
	}
	return nil
}

// Detailed reports whether the configured log verbosity is "detailed".
func (c Config) Detailed() bool {
	return c.Core.LogVerbosity == "detailed"
}
