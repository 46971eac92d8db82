package discovery

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kbukum/registrar/redis"
	"github.com/kbukum/registrar/resilience"
	"github.com/kbukum/registrar/validation"
)

// Config holds registration and discovery settings.
type Config struct {
	// Enabled turns on the configured provider and self-registration. When
	// false the component serves StaticEndpoints from the memory provider.
	Enabled bool `mapstructure:"enabled"`

	// Provider selects the backend: "memory", "consul", "etcd" or "redis".
	Provider string `mapstructure:"provider"`

	// SessionTimeout is the lease TTL given to the backend.
	SessionTimeout time.Duration `mapstructure:"session_timeout"`

	// RenewInterval is the heartbeat period; defaults to a third of
	// SessionTimeout.
	RenewInterval time.Duration `mapstructure:"renew_interval"`

	// RenewRetry bounds the retries of one failed heartbeat.
	RenewRetry RetrySettings `mapstructure:"renew_retry"`

	// RequestTimeout bounds every single backend call.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Retry bounds register, deregister and list retries.
	Retry RetrySettings `mapstructure:"retry"`

	// CircuitBreaker guards the backend.
	CircuitBreaker BreakerSettings `mapstructure:"circuit_breaker"`

	// GracePeriod bounds deregistration on shutdown.
	GracePeriod time.Duration `mapstructure:"grace_period"`

	// FreshnessWindow is how long an unsubscribed snapshot is trusted.
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`

	// RefreshMode is "poll", "watch" or "on_demand".
	RefreshMode string `mapstructure:"refresh_mode"`

	// PollInterval is the period of the polling source.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// Strategy is the selection policy.
	Strategy string `mapstructure:"strategy"`

	// Seed makes random selection reproducible.
	Seed int64 `mapstructure:"seed"`

	// MaxServices bounds the resolver cache.
	MaxServices int `mapstructure:"max_services"`

	// StaticEndpoints are seeded into the memory provider.
	StaticEndpoints []StaticEndpoint `mapstructure:"static_endpoints"`

	// Registration describes this process's own endpoint.
	Registration RegistrationConfig `mapstructure:"registration"`

	Consul ConsulConfig `mapstructure:"consul"`
	Etcd   EtcdConfig   `mapstructure:"etcd"`
	Redis  RedisConfig  `mapstructure:"redis"`
}

// RetrySettings is the configurable part of a retry policy.
type RetrySettings struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// BreakerSettings is the configurable part of a circuit breaker.
type BreakerSettings struct {
	MaxFailures int           `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// StaticEndpoint is a configured endpoint, given either as a URL in the
// String form or field by field.
type StaticEndpoint struct {
	ServiceID   string            `mapstructure:"service_id"`
	URL         string            `mapstructure:"url"`
	Protocol    string            `mapstructure:"protocol"`
	Host        string            `mapstructure:"host"`
	Port        int               `mapstructure:"port"`
	Path        string            `mapstructure:"path"`
	Environment string            `mapstructure:"environment"`
	Parameters  map[string]string `mapstructure:"parameters"`
}

// Endpoint converts the entry and validates it.
func (s StaticEndpoint) Endpoint() (*Endpoint, error) {
	var ep *Endpoint
	if s.URL != "" {
		parsed, err := ParseEndpoint(s.URL)
		if err != nil {
			return nil, err
		}
		ep = parsed
	} else {
		ep = &Endpoint{Protocol: s.Protocol, Host: s.Host, Port: s.Port, Path: s.Path}
	}
	if s.ServiceID != "" {
		ep.ServiceID = s.ServiceID
	}
	for k, v := range s.Parameters {
		ep.AddParameter(k, v)
	}
	if s.Environment != "" {
		ep.AddParameter(ParamEnvironment, s.Environment)
	}
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	return ep, nil
}

// RegistrationConfig describes the endpoint registered on start.
type RegistrationConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ServiceID string `mapstructure:"service_id"`
	Protocol  string `mapstructure:"protocol"`
	// Host defaults to the outbound interface address.
	Host        string            `mapstructure:"host"`
	Port        int               `mapstructure:"port"`
	Path        string            `mapstructure:"path"`
	Environment string            `mapstructure:"environment"`
	Parameters  map[string]string `mapstructure:"parameters"`
}

// ConsulConfig configures the consul provider.
type ConsulConfig struct {
	Address    string `mapstructure:"address"`
	Scheme     string `mapstructure:"scheme"`
	Datacenter string `mapstructure:"datacenter"`
	Token      string `mapstructure:"token"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	// WaitTime bounds one blocking query of a watch.
	WaitTime time.Duration `mapstructure:"wait_time"`
}

// EtcdConfig configures the etcd provider.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
}

// RedisConfig configures the redis provider.
type RedisConfig struct {
	redis.Config `mapstructure:",squash"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Provider == "" {
		c.Provider = "memory"
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 10 * time.Second
	}
	c.RenewRetry.applyDefaults(3, 100*time.Millisecond, time.Second)
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 3 * time.Second
	}
	c.Retry.applyDefaults(3, 100*time.Millisecond, 2*time.Second)
	if c.CircuitBreaker.MaxFailures == 0 {
		c.CircuitBreaker.MaxFailures = 5
	}
	if c.CircuitBreaker.OpenTimeout == 0 {
		c.CircuitBreaker.OpenTimeout = 30 * time.Second
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.FreshnessWindow == 0 {
		c.FreshnessWindow = 5 * time.Second
	}
	if c.RefreshMode == "" {
		c.RefreshMode = string(RefreshPoll)
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Strategy == "" {
		c.Strategy = string(StrategyRandom)
	}
	if c.MaxServices == 0 {
		c.MaxServices = 256
	}
	if c.Registration.Protocol == "" {
		c.Registration.Protocol = "http"
	}

	if c.Consul.Address == "" {
		c.Consul.Address = "localhost:8500"
	}
	if c.Consul.Scheme == "" {
		c.Consul.Scheme = "http"
	}
	if c.Consul.KeyPrefix == "" {
		c.Consul.KeyPrefix = "registrar"
	}
	if c.Consul.WaitTime == 0 {
		c.Consul.WaitTime = 30 * time.Second
	}
	if len(c.Etcd.Endpoints) == 0 {
		c.Etcd.Endpoints = []string{"localhost:2379"}
	}
	if c.Etcd.DialTimeout == 0 {
		c.Etcd.DialTimeout = 5 * time.Second
	}
	if c.Etcd.KeyPrefix == "" {
		c.Etcd.KeyPrefix = "/registrar"
	}
	c.Redis.Config.ApplyDefaults()
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "registrar"
	}
}

func (r *RetrySettings) applyDefaults(attempts int, initial, maxBackoff time.Duration) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = attempts
	}
	if r.InitialBackoff == 0 {
		r.InitialBackoff = initial
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = maxBackoff
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	v := validation.New().
		Positive("discovery.session_timeout", c.SessionTimeout).
		Positive("discovery.request_timeout", c.RequestTimeout).
		Positive("discovery.grace_period", c.GracePeriod).
		Positive("discovery.freshness_window", c.FreshnessWindow).
		Positive("discovery.poll_interval", c.PollInterval).
		Min("discovery.max_services", c.MaxServices, 1).
		Min("discovery.retry.max_attempts", c.Retry.MaxAttempts, 1).
		Min("discovery.renew_retry.max_attempts", c.RenewRetry.MaxAttempts, 1).
		Min("discovery.circuit_breaker.max_failures", c.CircuitBreaker.MaxFailures, 1).
		OneOf("discovery.refresh_mode", c.RefreshMode, []string{
			string(RefreshPoll), string(RefreshWatch), string(RefreshOnDemand),
		}).
		OneOf("discovery.strategy", c.Strategy, []string{
			string(StrategyRandom), string(StrategyRoundRobin), string(StrategyWeighted),
			string(StrategyConsistentHash), string(StrategyFirst),
		}).
		Custom(c.RenewInterval == 0 || c.RenewInterval < c.SessionTimeout,
			"discovery.renew_interval", "must be shorter than session_timeout")

	if c.Enabled {
		v.OneOf("discovery.provider", c.Provider, ProviderNames())
	}
	if c.Enabled && c.Registration.Enabled {
		v.Required("discovery.registration.service_id", c.Registration.ServiceID).
			Port("discovery.registration.port", c.Registration.Port)
	}
	for i, s := range c.StaticEndpoints {
		if _, err := s.Endpoint(); err != nil {
			v.AddError(fmt.Sprintf("discovery.static_endpoints[%d]", i), err.Error())
		}
	}
	return v.Err()
}

// RegistryConfig derives the registry settings.
func (c *Config) RegistryConfig(clk clock.Clock) RegistryConfig {
	return RegistryConfig{
		SessionTTL:    c.SessionTimeout,
		RenewInterval: c.RenewInterval,
		RenewRetry:    c.RenewRetry.retryConfig(),
		GracePeriod:   c.GracePeriod,
		Clock:         clk,
	}
}

// ResolverConfig derives the resolver settings.
func (c *Config) ResolverConfig(clk clock.Clock) ResolverConfig {
	return ResolverConfig{
		FreshnessWindow: c.FreshnessWindow,
		RefreshMode:     RefreshMode(c.RefreshMode),
		PollInterval:    c.PollInterval,
		Strategy:        Strategy(c.Strategy),
		Seed:            c.Seed,
		MaxServices:     c.MaxServices,
		Clock:           clk,
	}
}

// ResilienceConfig derives the backend decorator settings for backend name.
func (c *Config) ResilienceConfig(name string, clk clock.Clock) ResilienceConfig {
	retry := c.Retry.retryConfig()
	retry.Clock = clk
	breaker := resilience.DefaultCircuitBreakerConfig(name)
	breaker.MaxFailures = c.CircuitBreaker.MaxFailures
	breaker.Timeout = c.CircuitBreaker.OpenTimeout
	breaker.Clock = clk
	return ResilienceConfig{
		RequestTimeout: c.RequestTimeout,
		Retry:          retry,
		Breaker:        breaker,
	}
}

func (r RetrySettings) retryConfig() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = r.MaxAttempts
	cfg.InitialBackoff = r.InitialBackoff
	cfg.MaxBackoff = r.MaxBackoff
	return cfg
}
