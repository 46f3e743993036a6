// Package config provides configuration loading, validation, and defaults
// for the coordination bus. It handles JSON config files, environment
// variable substitution, and AGENTBUS_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Default values applied when a field is absent from the config file.
const (
	DefaultMailboxCapacity     = 256
	DefaultSendTimeoutMs       = 1000
	DefaultReceiveTimeoutMs    = 500
	DefaultStatusIntervalSec   = 10
	DefaultScanIntervalSec     = 10
	DefaultUnresponsiveSec     = 60
	DefaultRestartBudget       = 3
	DefaultRetentionCount      = 100
	DefaultFlushIntervalSec    = 5
	DefaultFailsafeAgent       = "coordinator"
	DefaultDataDir             = ".agentbus"
	DefaultArchiveFilename     = "archive.db"
	DefaultEventLogSubdir      = "channels"
	DefaultStoreSnapshotName   = "store.json"
	DefaultStoreJournalName    = "store.jsonl"
	DefaultSupervisorEventBufs = 64
)

// EnvPrefix is prepended to upper-cased JSON field names for environment
// overrides, e.g. AGENTBUS_MAILBOX_CAPACITY=512.
const EnvPrefix = "AGENTBUS_"

// Config is the configuration surface for the bus, store, and supervisor.
// All durations are stored as integer seconds or milliseconds so the JSON
// file stays plain; use the accessor methods for time.Duration values.
type Config struct {
	// Mailbox and routing.
	MailboxCapacity  int `json:"mailbox_capacity"`
	SendTimeoutMs    int `json:"send_timeout_ms"`
	ReceiveTimeoutMs int `json:"receive_timeout_ms"`

	// Agent worker loop.
	StatusIntervalSec int `json:"status_interval_sec"` // How often agents publish their status to the store

	// Supervisor.
	ScanIntervalSec        int    `json:"scan_interval_sec"`
	UnresponsiveTimeoutSec int    `json:"unresponsive_timeout_sec"`
	RestartBudget          int    `json:"restart_budget"`
	FailsafeAgent          string `json:"failsafe_agent"`

	// Persistence.
	RetentionCount   int    `json:"retention_count"` // Per-channel message log cap, oldest dropped
	FlushIntervalSec int    `json:"flush_interval_sec"`
	DataDir          string `json:"data_dir"`
	ArchivePath      string `json:"archive_path,omitempty"` // SQLite archive; empty disables archiving
	RosterPath       string `json:"roster_path,omitempty"`  // YAML activation roster; empty disables shift rotation
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads and validates configuration from a JSON file with environment
// variable substitution. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			// Replace ${ENV_VAR} placeholders before parsing.
			dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
				envVar := match[2 : len(match)-1]
				if value := os.Getenv(envVar); value != "" {
					return value
				}
				return match
			})

			if err := json.Unmarshal([]byte(dataStr), cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config JSON: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns a config with every field at its default value.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	v := reflect.ValueOf(cfg).Elem()
	t := reflect.TypeOf(cfg).Elem()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		jsonTag := fieldType.Tag.Get("json")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}

		fieldName := strings.Split(jsonTag, ",")[0]
		envKey := EnvPrefix + strings.ToUpper(fieldName)

		envValue := os.Getenv(envKey)
		if envValue == "" || !field.CanSet() {
			continue
		}

		switch field.Kind() {
		case reflect.String:
			field.SetString(envValue)
		case reflect.Int:
			if val, err := strconv.Atoi(envValue); err == nil {
				field.SetInt(int64(val))
			}
		default:
			// Only string and int fields exist on Config.
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.MailboxCapacity <= 0 {
		cfg.MailboxCapacity = DefaultMailboxCapacity
	}
	if cfg.SendTimeoutMs <= 0 {
		cfg.SendTimeoutMs = DefaultSendTimeoutMs
	}
	if cfg.ReceiveTimeoutMs <= 0 {
		cfg.ReceiveTimeoutMs = DefaultReceiveTimeoutMs
	}
	if cfg.StatusIntervalSec <= 0 {
		cfg.StatusIntervalSec = DefaultStatusIntervalSec
	}
	if cfg.ScanIntervalSec <= 0 {
		cfg.ScanIntervalSec = DefaultScanIntervalSec
	}
	if cfg.UnresponsiveTimeoutSec <= 0 {
		cfg.UnresponsiveTimeoutSec = DefaultUnresponsiveSec
	}
	if cfg.RestartBudget <= 0 {
		cfg.RestartBudget = DefaultRestartBudget
	}
	if cfg.FailsafeAgent == "" {
		cfg.FailsafeAgent = DefaultFailsafeAgent
	}
	if cfg.RetentionCount <= 0 {
		cfg.RetentionCount = DefaultRetentionCount
	}
	if cfg.FlushIntervalSec <= 0 {
		cfg.FlushIntervalSec = DefaultFlushIntervalSec
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
}

func validate(cfg *Config) error {
	if cfg.UnresponsiveTimeoutSec <= cfg.ScanIntervalSec {
		return fmt.Errorf("unresponsive_timeout_sec (%d) must exceed scan_interval_sec (%d)",
			cfg.UnresponsiveTimeoutSec, cfg.ScanIntervalSec)
	}
	if cfg.MailboxCapacity < 1 {
		return fmt.Errorf("mailbox_capacity must be at least 1")
	}
	if cfg.RetentionCount < 1 {
		return fmt.Errorf("retention_count must be at least 1")
	}
	return nil
}

// SendTimeout returns the maximum time Send blocks on a full mailbox.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}

// ReceiveTimeout returns the bounded wait used by worker receive loops.
func (c *Config) ReceiveTimeout() time.Duration {
	return time.Duration(c.ReceiveTimeoutMs) * time.Millisecond
}

// StatusInterval returns how often agents publish status into the store.
func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalSec) * time.Second
}

// ScanInterval returns the supervisor's liveness scan period.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSec) * time.Second
}

// UnresponsiveTimeout returns the silence threshold before an agent is
// marked unresponsive.
func (c *Config) UnresponsiveTimeout() time.Duration {
	return time.Duration(c.UnresponsiveTimeoutSec) * time.Second
}

// FlushInterval returns the store's background GC and snapshot period.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSec) * time.Second
}
