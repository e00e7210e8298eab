package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// FileName is the config file looked up inside the home directory.
	FileName = "config.yaml"

	DefaultUnits             = 16
	DefaultUnitCapacity      = 64 << 20
	DefaultBackend           = "simulator"
	DefaultLanes             = 16
	DefaultVerbosity         = "info"
	DefaultDrainPollInterval = time.Second
)

type RuntimeConfig struct {
	// Units is the number of units acquired on lazy initialization.
	Units int `yaml:"units"`
	// UnitCapacity is the bulk memory size of one unit in bytes.
	UnitCapacity uint64 `yaml:"unitCapacity"`
	// BaseAddress is the first allocatable address on every unit.
	BaseAddress       uint32        `yaml:"baseAddress"`
	Backend           string        `yaml:"backend"`
	DrainPollInterval time.Duration `yaml:"drainPollInterval"`
}

type SimulatorConfig struct {
	Lanes int `yaml:"lanes"`
}

type LoggerConfig struct {
	Verbosity string `yaml:"verbosity"`
}

type MetricsConfig struct {
	// ListenAddress serves /metrics when set.
	ListenAddress string `yaml:"listenAddress"`
}

type Config struct {
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Logger    LoggerConfig    `yaml:"logger"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// Default returns a config with every field set to its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Runtime.Units == 0 {
		c.Runtime.Units = DefaultUnits
	}
	if c.Runtime.UnitCapacity == 0 {
		c.Runtime.UnitCapacity = DefaultUnitCapacity
	}
	if c.Runtime.Backend == "" {
		c.Runtime.Backend = DefaultBackend
	}
	if c.Runtime.DrainPollInterval == 0 {
		c.Runtime.DrainPollInterval = DefaultDrainPollInterval
	}
	if c.Simulator.Lanes == 0 {
		c.Simulator.Lanes = DefaultLanes
	}
	if c.Logger.Verbosity == "" {
		c.Logger.Verbosity = DefaultVerbosity
	}
}

// Validate checks the config for values the runtime cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Runtime.Units <= 0 {
		errs = append(errs, fmt.Errorf("runtime.units must be positive, got %d", c.Runtime.Units))
	}
	if c.Runtime.UnitCapacity == 0 {
		errs = append(errs, errors.New("runtime.unitCapacity must be positive"))
	}
	if uint64(c.Runtime.BaseAddress) >= c.Runtime.UnitCapacity {
		errs = append(errs, fmt.Errorf("runtime.baseAddress %#x leaves no room in a %d byte unit", c.Runtime.BaseAddress, c.Runtime.UnitCapacity))
	}
	if c.Runtime.UnitCapacity > 1<<32 {
		errs = append(errs, fmt.Errorf("runtime.unitCapacity %d exceeds the 32-bit unit address space", c.Runtime.UnitCapacity))
	}
	if c.Runtime.DrainPollInterval < 0 {
		errs = append(errs, fmt.Errorf("runtime.drainPollInterval must not be negative, got %s", c.Runtime.DrainPollInterval))
	}
	if c.Simulator.Lanes < 0 {
		errs = append(errs, fmt.Errorf("simulator.lanes must not be negative, got %d", c.Simulator.Lanes))
	}
	return errors.Join(errs...)
}

// LoadConfig reads a YAML config from path, fills in defaults and validates
// the result. A directory path is resolved to the config file inside it.
func LoadConfig(path string) (*Config, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, FileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &config, nil
}

// GetDefaultConfigHome returns the default home directory, ~/.dpuvec, or
// .dpuvec in the working directory when no user home is available.
func GetDefaultConfigHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dpuvec"
	}
	return filepath.Join(home, ".dpuvec")
}
