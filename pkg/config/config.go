// Package config loads the agent configuration from a YAML file, then applies
// HOSTAGENT_* environment overrides and validates the result.
package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"time"

	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/walteh/cloudstack-vmware-agent/pkg/control"
	"github.com/walteh/cloudstack-vmware-agent/pkg/planner"
	"github.com/walteh/cloudstack-vmware-agent/pkg/session"
)

// Config is the agent configuration file.
type Config struct {
	Endpoint    Endpoint    `yaml:"endpoint"`
	Session     Session     `yaml:"session"`
	Diagnostics Diagnostics `yaml:"diagnostics"`
	Power       Power       `yaml:"power"`
	Control     Control     `yaml:"control"`
	NATS        NATS        `yaml:"nats"`
	MCP         MCP         `yaml:"mcp"`
	Metrics     Metrics     `yaml:"metrics"`
	Log         Log         `yaml:"log"`
}

// Endpoint is the management endpoint used by commands that name none.
type Endpoint struct {
	Address   string `yaml:"address"`
	Principal string `yaml:"principal"`
	Secret    string `yaml:"secret"`
	Insecure  bool   `yaml:"insecure"`
}

type Session struct {
	// Timeout must equal the endpoint's configured session timeout.
	Timeout time.Duration `yaml:"timeout"`
	MaxIdle int           `yaml:"maxIdle"`
}

type Diagnostics struct {
	Capacity int `yaml:"capacity"`
}

type Power struct {
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	PollInterval    time.Duration `yaml:"pollInterval"`
}

// Control configures the appliance control channel. An empty KeyFile
// disables it.
type Control struct {
	User          string        `yaml:"user"`
	KeyFile       string        `yaml:"keyFile"`
	Port          int           `yaml:"port"`
	ProbeRetries  uint64        `yaml:"probeRetries"`
	ProbeInterval time.Duration `yaml:"probeInterval"`
	PatchScript   string        `yaml:"patchScript"`
	PatchTimeout  time.Duration `yaml:"patchTimeout"`
}

type NATS struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
}

type MCP struct {
	Addr  string `yaml:"addr"`
	Stdio bool   `yaml:"stdio"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type Log struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
	File    bool   `yaml:"file"`
	Dir     string `yaml:"dir"`
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	return &Config{
		Session:     Session{Timeout: 30 * time.Minute, MaxIdle: 4},
		Diagnostics: Diagnostics{Capacity: 64},
		Power:       Power{ShutdownTimeout: 10 * time.Minute, PollInterval: 5 * time.Second},
		Control: Control{
			User:          "root",
			Port:          3922,
			ProbeRetries:  10,
			ProbeInterval: 5 * time.Second,
			PatchScript:   "/opt/cloud/bin/patch.sh",
			PatchTimeout:  10 * time.Minute,
		},
		NATS:    NATS{Subject: "hostagent.commands", Queue: "hostagent"},
		Metrics: Metrics{Addr: ":9273"},
		Log:     Log{Level: "info", Console: true},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies the
// process environment.
func Load(path string) (*Config, error) {
	var r io.Reader = bytes.NewReader(nil)
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Errorf("reading config %s: %w", path, err)
		}
		r = bytes.NewReader(raw)
	}
	return Parse(r, os.Getenv)
}

// Parse decodes r over the defaults and applies overrides from getenv.
// Unknown keys are rejected.
func Parse(r io.Reader, getenv func(string) string) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Errorf("decoding config: %w", err)
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	getEnv := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}

	c.Endpoint.Address = getEnv("HOSTAGENT_ENDPOINT_ADDRESS", c.Endpoint.Address)
	c.Endpoint.Principal = getEnv("HOSTAGENT_ENDPOINT_PRINCIPAL", c.Endpoint.Principal)
	c.Endpoint.Secret = getEnv("HOSTAGENT_ENDPOINT_SECRET", c.Endpoint.Secret)
	c.NATS.URL = getEnv("HOSTAGENT_NATS_URL", c.NATS.URL)
	c.NATS.Subject = getEnv("HOSTAGENT_NATS_SUBJECT", c.NATS.Subject)
	c.MCP.Addr = getEnv("HOSTAGENT_MCP_ADDR", c.MCP.Addr)
	c.Metrics.Addr = getEnv("HOSTAGENT_METRICS_ADDR", c.Metrics.Addr)
	c.Control.KeyFile = getEnv("HOSTAGENT_CONTROL_KEY_FILE", c.Control.KeyFile)
	c.Log.Level = getEnv("HOSTAGENT_LOG_LEVEL", c.Log.Level)

	if v := getenv("HOSTAGENT_SESSION_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Errorf("parsing HOSTAGENT_SESSION_TIMEOUT: %w", err)
		}
		c.Session.Timeout = d
	}
	if v := getenv("HOSTAGENT_ENDPOINT_INSECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Errorf("parsing HOSTAGENT_ENDPOINT_INSECURE: %w", err)
		}
		c.Endpoint.Insecure = b
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.Endpoint.Address == "":
		return errors.New("endpoint.address is required")
	case c.Endpoint.Principal == "":
		return errors.New("endpoint.principal is required")
	case c.Session.Timeout <= 0:
		return errors.Errorf("session.timeout must be positive, got %s", c.Session.Timeout)
	case c.Session.MaxIdle < 0:
		return errors.Errorf("session.maxIdle must not be negative, got %d", c.Session.MaxIdle)
	case c.NATS.URL != "" && c.NATS.Subject == "":
		return errors.New("nats.subject is required when nats.url is set")
	case c.MCP.Stdio && c.Log.Console:
		return errors.New("mcp.stdio needs log.console off, stdout carries the protocol")
	case c.Control.KeyFile != "" && c.Control.User == "":
		return errors.New("control.user is required with control.keyFile")
	}
	return nil
}

func (c *Config) Credentials() session.Credentials {
	return session.Credentials{Address: c.Endpoint.Address, Principal: c.Endpoint.Principal, Secret: c.Endpoint.Secret}
}

func (c *Config) SessionOptions() session.Options {
	return session.Options{Timeout: c.Session.Timeout, MaxIdle: c.Session.MaxIdle}
}

// PlannerOptions maps the power and control settings. runner may be nil.
func (c *Config) PlannerOptions(runner control.Runner) planner.Options {
	return planner.Options{
		Runner: runner,
		Probe: control.ProbeOptions{
			Retries:  c.Control.ProbeRetries,
			Interval: c.Control.ProbeInterval,
		},
		PatchScript:  c.Control.PatchScript,
		PatchTimeout: c.Control.PatchTimeout,
		Power: planner.PowerOptions{
			ShutdownTimeout: c.Power.ShutdownTimeout,
			PollInterval:    c.Power.PollInterval,
		},
	}
}

// Runner opens the control channel key, or returns nil when none is set.
func (c *Config) Runner() (control.Runner, error) {
	if c.Control.KeyFile == "" {
		return nil, nil
	}
	key, err := os.ReadFile(c.Control.KeyFile)
	if err != nil {
		return nil, errors.Errorf("reading control key: %w", err)
	}
	r, err := control.NewSSHRunner(c.Control.User, key, c.Control.Port)
	if err != nil {
		return nil, errors.Errorf("creating control runner: %w", err)
	}
	return r, nil
}
