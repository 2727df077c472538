package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the custody agent configuration
type Config struct {
	// AgentID identifies this agent in backups and logs
	AgentID string `yaml:"agent_id"`

	// DBPath is the SQLite database path
	DBPath string `yaml:"db_path"`

	// DeviceSecretPath is the file holding the 32-byte storage secret.
	// Created on first run if absent.
	DeviceSecretPath string `yaml:"device_secret_path"`

	// NATS transport configuration
	NATS NATSConfig `yaml:"nats"`

	// Session cache configuration
	Session SessionConfig `yaml:"session"`

	// Ledger endpoints
	Ledger LedgerConfig `yaml:"ledger"`

	// Backup configuration
	Backup BackupConfig `yaml:"backup"`
}

// NATSConfig holds NATS connection and subject settings
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	RequestSubject  string `yaml:"request_subject"`
	ControlSubject  string `yaml:"control_subject"`
	UISubject       string `yaml:"ui_subject"`
}

// SessionConfig holds session cache settings
type SessionConfig struct {
	WindowMinutes int `yaml:"window_minutes"`
}

// LedgerConfig holds ledger node and block engine endpoints
type LedgerConfig struct {
	RPCURL              string `yaml:"rpc_url"`
	BlockEngineURL      string `yaml:"block_engine_url"`
	RequestTimeoutSecs  int    `yaml:"request_timeout_seconds"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

// BackupConfig holds S3 backup settings
type BackupConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	KeyPrefix       string `yaml:"key_prefix"`
	IntervalMinutes int    `yaml:"interval_minutes"`
}

// LoadConfig loads configuration from a YAML file, falling back to
// defaults when the file does not exist
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		AgentID:          "default",
		DBPath:           "/var/lib/bund/agent.db",
		DeviceSecretPath: "/var/lib/bund/device.secret",
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			ReconnectWait:  2000,
			MaxReconnects:  -1, // Unlimited
			RequestSubject: "wallet.requests",
			ControlSubject: "wallet.control",
			UISubject:      "wallet.ui",
		},
		Session: SessionConfig{
			WindowMinutes: 30,
		},
		Ledger: LedgerConfig{
			RPCURL:              "https://api.mainnet-beta.solana.com",
			BlockEngineURL:      "https://mainnet.block-engine.jito.wtf/api/v1/bundles",
			RequestTimeoutSecs:  30,
			PollIntervalSeconds: 15,
		},
		Backup: BackupConfig{
			Enabled:         false,
			Bucket:          "bund-agent-backups",
			Region:          "us-east-1",
			KeyPrefix:       "agents/",
			IntervalMinutes: 60,
		},
	}
}
