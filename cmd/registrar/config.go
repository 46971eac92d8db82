package main

import (
	"fmt"
	"time"

	"github.com/kbukum/registrar/config"
	"github.com/kbukum/registrar/discovery"
	"github.com/kbukum/registrar/validation"
)

// Config is the registrar command configuration.
type Config struct {
	config.ServiceConfig `yaml:",inline" mapstructure:",squash"`

	Discovery discovery.Config `yaml:"discovery" mapstructure:"discovery"`
	Telemetry TelemetryConfig  `yaml:"telemetry" mapstructure:"telemetry"`
	Resolve   ResolveConfig    `yaml:"resolve" mapstructure:"resolve"`
}

// TelemetryConfig switches on OTLP export of traces and metrics.
type TelemetryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Endpoint       string        `mapstructure:"endpoint"`
	Insecure       bool          `mapstructure:"insecure"`
	SampleRate     float64       `mapstructure:"sample_rate"`
	ExportInterval time.Duration `mapstructure:"export_interval"`
}

// ResolveConfig lists the services looked up on every tick.
type ResolveConfig struct {
	Interval time.Duration   `mapstructure:"interval"`
	Targets  []ResolveTarget `mapstructure:"targets"`
}

// ResolveTarget is one lookup.
type ResolveTarget struct {
	Protocol    string `mapstructure:"protocol"`
	ServiceID   string `mapstructure:"service_id"`
	Environment string `mapstructure:"environment"`
	// RequestKey pins the lookup to one instance under consistent_hash.
	RequestKey string `mapstructure:"request_key"`
}

// ApplyDefaults fills zero values, including the embedded sections.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "registrar"
	}
	c.ServiceConfig.ApplyDefaults()
	c.Discovery.ApplyDefaults()

	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "localhost:4318"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1.0
	}
	if c.Telemetry.ExportInterval == 0 {
		c.Telemetry.ExportInterval = 15 * time.Second
	}
	if c.Resolve.Interval == 0 {
		c.Resolve.Interval = 5 * time.Second
	}
	for i := range c.Resolve.Targets {
		if c.Resolve.Targets[i].Protocol == "" {
			c.Resolve.Targets[i].Protocol = "http"
		}
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	if err := c.Discovery.Validate(); err != nil {
		return err
	}

	v := validation.New().
		Positive("resolve.interval", c.Resolve.Interval).
		Custom(c.Telemetry.SampleRate >= 0 && c.Telemetry.SampleRate <= 1,
			"telemetry.sample_rate", "must be between 0 and 1")
	if c.Telemetry.Enabled {
		v.Required("telemetry.endpoint", c.Telemetry.Endpoint).
			Positive("telemetry.export_interval", c.Telemetry.ExportInterval)
	}
	for i, t := range c.Resolve.Targets {
		v.Required(fmt.Sprintf("resolve.targets[%d].service_id", i), t.ServiceID)
	}
	return v.Err()
}
