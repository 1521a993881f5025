package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AWSConfig carries the credentials and target for worker invocations.
// Credentials left empty are taken from the environment.
type AWSConfig struct {
	Region          string `yaml:"region"`
	Function        string `yaml:"function"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// LogConfig selects log verbosity and format.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the coordinator configuration.
type Config struct {
	ListenAddr     string    `yaml:"listen_addr"`
	MetricsAddr    string    `yaml:"metrics_addr"`
	DataDir        string    `yaml:"data_dir"`
	StorageBackend string    `yaml:"storage_backend"`
	AWS            AWSConfig `yaml:"aws"`
	Log            LogConfig `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddr:  "0.0.0.0:9924",
		MetricsAddr: "127.0.0.1:9925",
		DataDir:     "/var/lib/foreman",
		AWS: AWSConfig{
			Region:   "us-east-1",
			Function: "foreman-worker",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults. Either way, credentials left empty are filled from the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg.withEnvCredentials(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.withEnvCredentials(), nil
}

func (c *Config) withEnvCredentials() *Config {
	if c.AWS.AccessKeyID == "" {
		c.AWS.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if c.AWS.SecretAccessKey == "" {
		c.AWS.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if c.AWS.SessionToken == "" {
		c.AWS.SessionToken = os.Getenv("AWS_SESSION_TOKEN")
	}
	return c
}

// Validate checks the fields the engine cannot run without.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.StorageBackend == "" {
		return fmt.Errorf("storage_backend is required")
	}
	if c.AWS.Region == "" || c.AWS.Function == "" {
		return fmt.Errorf("aws.region and aws.function are required")
	}
	return nil
}
