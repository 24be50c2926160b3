// Package config loads the seshell configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gregLibert/ese-hal/pkg/iso7816"
	"github.com/gregLibert/ese-hal/pkg/logger"
	"github.com/gregLibert/ese-hal/pkg/se"
	"github.com/gregLibert/ese-hal/pkg/sim"
	"github.com/gregLibert/ese-hal/pkg/tlv"
)

// Transport kinds
const (
	TransportPCSC = "pcsc"
	TransportSim  = "sim"
)

// Config represents the complete seshell configuration
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Engine    EngineConfig    `yaml:"engine"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

// TransportConfig selects the link to the chip
type TransportConfig struct {
	Kind   string `yaml:"kind"`   // pcsc, sim
	Reader string `yaml:"reader"` // substring of the PC/SC reader name, empty for the first one
}

// EngineConfig tunes the channel engine
type EngineConfig struct {
	OSVersion      string `yaml:"os_version"` // "6.2"; empty asks the transport
	MaxChainLength int    `yaml:"max_chain_length"`
	DedicatedAID   string `yaml:"dedicated_aid"` // hex; empty disables dedicated mode
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console, json; empty picks from ENV
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Address string `yaml:"address"` // empty disables the endpoint
	Path    string `yaml:"path"`
}

// SimulatorConfig describes the virtual chip used with the sim transport
type SimulatorConfig struct {
	Channels  int            `yaml:"channels"`
	ChunkSize int            `yaml:"chunk_size"`
	ATR       string         `yaml:"atr"`
	Applets   []AppletConfig `yaml:"applets"`
}

// AppletConfig is an applet installed on the virtual chip
type AppletConfig struct {
	AID string `yaml:"aid"`
	FCI string `yaml:"fci"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Transport: TransportConfig{Kind: TransportPCSC},
		Logging:   LoggingConfig{Level: "info"},
		Metrics:   MetricsConfig{Path: "/metrics"},
		Simulator: SimulatorConfig{
			Channels:  4,
			ChunkSize: 256,
			Applets: []AppletConfig{
				// Issuer Security Domain
				{AID: "A000000151000000", FCI: "6F 10 84 08 A000000151000000 A5 04 9F6E 01 07"},
			},
		},
	}
}

// Load reads configuration from a YAML file on top of Default and applies environment
// variable overrides
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by the user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML document on top of Default
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	if kind := os.Getenv("ESE_TRANSPORT"); kind != "" {
		cfg.Transport.Kind = kind
	}
	if reader := os.Getenv("ESE_READER"); reader != "" {
		cfg.Transport.Reader = reader
	}
	if version := os.Getenv("ESE_OS_VERSION"); version != "" {
		cfg.Engine.OSVersion = version
	}
	if level := os.Getenv("ESE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("ESE_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if addr := os.Getenv("ESE_METRICS_ADDR"); addr != "" {
		cfg.Metrics.Address = addr
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport.Kind {
	case TransportPCSC, TransportSim:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport.Kind, TransportPCSC, TransportSim))
	}

	if _, err := c.Engine.Version(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Engine.DedicatedAIDBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.Engine.MaxChainLength < 0 {
		errs = append(errs, fmt.Errorf("negative max_chain_length: %d", c.Engine.MaxChainLength))
	}

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch logger.Format(c.Logging.Format) {
	case logger.FormatAuto, logger.FormatConsole, logger.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}

	if c.Transport.Kind == TransportSim {
		if _, err := c.Simulator.Options(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Version parses OSVersion. It returns nil when no version is configured.
func (e EngineConfig) Version() (*se.OSVersion, error) {
	if e.OSVersion == "" {
		return nil, nil
	}

	major, minor, _ := strings.Cut(e.OSVersion, ".")
	maj, err := strconv.ParseUint(major, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid os_version %q: %w", e.OSVersion, err)
	}
	var mnr uint64
	if minor != "" {
		if mnr, err = strconv.ParseUint(minor, 10, 8); err != nil {
			return nil, fmt.Errorf("invalid os_version %q: %w", e.OSVersion, err)
		}
	}
	return &se.OSVersion{Major: uint8(maj), Minor: uint8(mnr)}, nil
}

// DedicatedAIDBytes decodes DedicatedAID. It returns nil when dedicated mode is disabled.
func (e EngineConfig) DedicatedAIDBytes() ([]byte, error) {
	if e.DedicatedAID == "" {
		return nil, nil
	}
	aid, err := tlv.ParseHex(e.DedicatedAID)
	if err != nil {
		return nil, fmt.Errorf("invalid dedicated_aid: %w", err)
	}
	return aid, nil
}

// Options converts the simulator section into sim options
func (s SimulatorConfig) Options() ([]sim.Option, error) {
	if maxChannels := int(iso7816.MaxLogicalChannel) + 1; s.Channels < 1 || s.Channels > maxChannels {
		return nil, fmt.Errorf("simulator channels %d out of range 1-%d", s.Channels, maxChannels)
	}
	if s.ChunkSize < 1 || s.ChunkSize > 256 {
		return nil, fmt.Errorf("simulator chunk_size %d out of range 1-256", s.ChunkSize)
	}

	opts := []sim.Option{
		sim.WithChannels(uint8(s.Channels)),
		sim.WithChunkSize(s.ChunkSize),
	}

	if s.ATR != "" {
		atr, err := tlv.ParseHex(s.ATR)
		if err != nil {
			return nil, fmt.Errorf("invalid simulator atr: %w", err)
		}
		opts = append(opts, sim.WithATR(atr))
	}

	for i, a := range s.Applets {
		aid, err := tlv.ParseHex(a.AID)
		if err != nil || len(aid) == 0 {
			return nil, fmt.Errorf("simulator applet %d: invalid aid %q", i, a.AID)
		}
		fci, err := tlv.ParseHex(a.FCI)
		if err != nil {
			return nil, fmt.Errorf("simulator applet %d: invalid fci: %w", i, err)
		}
		opts = append(opts, sim.WithApplet(aid, fci))
	}

	return opts, nil
}
