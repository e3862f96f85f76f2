package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config stores all configuration for the witness host and CLI
type Config struct {
	// Ethereum JSON-RPC endpoint the host fetches chain data from
	Ethereum struct {
		Endpoint  string `yaml:"endpoint"`  // e.g. "http://localhost:8545"
		JWTSecret string `yaml:"jwtSecret"` // Path to a hex JWT secret, for authenticated endpoints
		Timeout   int    `yaml:"timeout"`   // Per-request timeout in seconds
		Retries   int    `yaml:"retries"`   // Attempts for requests that fail with transport errors
	} `yaml:"ethereum"`

	// Input assembly
	Host struct {
		Chain              string `yaml:"chain"`              // mainnet, sepolia or holesky
		CacheDir           string `yaml:"cacheDir"`           // Provider snapshots, empty to disable
		MaxPreflightRounds int    `yaml:"maxPreflightRounds"` // Bound on discovery reruns
		Concurrency        int    `yaml:"concurrency"`        // Parallel RPC requests
	} `yaml:"host"`

	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // terminal, json or auto
	} `yaml:"log"`

	Metrics struct {
		ListenAddr string `yaml:"listenAddr"` // Prometheus endpoint, empty to disable
	} `yaml:"metrics"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Ethereum.Endpoint = "http://localhost:8545"
	cfg.Ethereum.Timeout = 30
	cfg.Ethereum.Retries = 5

	cfg.Host.Chain = "mainnet"
	cfg.Host.MaxPreflightRounds = 8
	cfg.Host.Concurrency = 8

	cfg.Log.Level = "info"
	cfg.Log.Format = "auto"

	return cfg
}

// Load loads configuration from the file named by ETHWITNESS_CONFIG, or
// config.yaml, and applies environment overrides.
func Load() (*Config, error) {
	path := os.Getenv("ETHWITNESS_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if endpoint := os.Getenv("ETHWITNESS_RPC_URL"); endpoint != "" {
		cfg.Ethereum.Endpoint = endpoint
	}
	if host := os.Getenv("ETHEREUM_HOST"); host != "" {
		cfg.Ethereum.Endpoint = replaceHost(cfg.Ethereum.Endpoint, host)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the host cannot run with.
func (c *Config) Validate() error {
	if c.Ethereum.Timeout <= 0 {
		return fmt.Errorf("ethereum.timeout must be positive")
	}
	if c.Ethereum.Retries < 0 {
		return fmt.Errorf("ethereum.retries must not be negative")
	}
	if c.Host.MaxPreflightRounds <= 0 {
		return fmt.Errorf("host.maxPreflightRounds must be positive")
	}
	if c.Host.Concurrency <= 0 {
		return fmt.Errorf("host.concurrency must be positive")
	}
	return nil
}

// RequestTimeout returns the per-request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Ethereum.Timeout) * time.Second
}

func replaceHost(rawURL, newHost string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.Replace(rawURL, "localhost", newHost, 1)
	}
	if port := u.Port(); port != "" {
		u.Host = newHost + ":" + port
	} else {
		u.Host = newHost
	}
	return u.String()
}

// Save writes the configuration to a file
func (c *Config) Save(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := yaml.NewEncoder(file)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(c)
}
