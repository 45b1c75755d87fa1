// Package config loads the broker's process-wide configuration (spec §3
// BrokerConfig, §6 external configuration file) from a YAML file, once at
// startup.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SystemMode is the delivery discipline (spec §3/§6: system.mode).
type SystemMode int

const (
	ModePull SystemMode = 0
	ModePush SystemMode = 1
)

func (m SystemMode) String() string {
	if m == ModePush {
		return "PUSH"
	}
	return "PULL"
}

// SimulatorMode controls how many SIM_CLIENTs may be registered at once
// (spec §3/§6: system.simulator_mode).
type SimulatorMode int

const (
	ModeSystemWide SimulatorMode = 0
	ModePerNode    SimulatorMode = 1
)

func (m SimulatorMode) String() string {
	if m == ModePerNode {
		return "PER_NODE"
	}
	return "SYSTEM_WIDE"
}

// Config is the broker's process-wide configuration, loaded once at start
// and replayed to each client in the INIT response (spec §3 BrokerConfig).
type Config struct {
	System   SystemConfig   `yaml:"system"`
	Database DatabaseConfig `yaml:"database"`
	Listen   ListenConfig   `yaml:"listen"`
}

// SystemConfig holds the two mode switches from spec §6.
type SystemConfig struct {
	Mode          SystemMode    `yaml:"mode"`
	SimulatorMode SimulatorMode `yaml:"simulator_mode"`
}

// DatabaseConfig describes the optional payload store backend (spec §6
// database.*).
type DatabaseConfig struct {
	UseDB     bool   `yaml:"use_db"`
	DBAddress string `yaml:"db_address"`
	DBPort    int    `yaml:"db_port"`
	DBNum     int    `yaml:"db_num"`
}

// ListenConfig configures the broker's TCP listen endpoint and accept-loop
// tick (spec §4.G).
type ListenConfig struct {
	Address      string `yaml:"address"`
	TickSeconds  int    `yaml:"tick_seconds"`
}

const (
	defaultListenAddress = "127.0.0.1:65432"
	defaultTickSeconds   = 10
)

// Load reads and parses filename into a Config, filling in defaults for
// any field the file leaves zero-valued. A missing or unparsable file is
// a fatal bootstrap error (spec §7): the caller (cmd/broker) turns the
// returned error into a non-zero exit code.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Listen.Address == "" {
		cfg.Listen.Address = defaultListenAddress
	}
	if cfg.Listen.TickSeconds <= 0 {
		cfg.Listen.TickSeconds = defaultTickSeconds
	}

	if cfg.Database.UseDB {
		if cfg.Database.DBAddress == "" {
			return nil, fmt.Errorf("database.use_db is true but database.db_address is empty")
		}
		if cfg.Database.DBPort <= 0 {
			return nil, fmt.Errorf("database.use_db is true but database.db_port is not set")
		}
	}

	return &cfg, nil
}
