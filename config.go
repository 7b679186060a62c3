// Package edgeproxy provides configuration for the gateway, its services,
// retry policies, circuit breakers and health checking.
package edgeproxy

import (
	"fmt"
	"time"
)

// Config defines the configuration for a gateway instance.
type Config struct {
	// Listen is the address the gateway's HTTP server binds to.
	Listen string `yaml:"listen" toml:"listen" env:"LISTEN"`

	// LogLevel controls the gateway's slog level (debug, info, warn, error).
	LogLevel string `yaml:"log_level" toml:"log_level" env:"LOG_LEVEL"`

	// Services maps service names to their routing and retry configuration.
	Services map[string]ServiceConfig `yaml:"services" toml:"services"`

	// DefaultService is the name of the service receiving unmatched requests.
	// Empty means unmatched requests get a 404.
	DefaultService string `yaml:"default_service" toml:"default_service" env:"DEFAULT_SERVICE"`

	// DisableAllRetries is the global kill switch. When set, per-service
	// retry policies are ignored and every request is attempted exactly once.
	DisableAllRetries bool `yaml:"disable_all_retries" toml:"disable_all_retries" env:"DISABLE_ALL_RETRIES"`

	// CircuitBreaker holds the global circuit breaker configuration.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker"`

	// HealthCheck holds the health checking configuration.
	HealthCheck HealthCheckConfig `yaml:"health_check" toml:"health_check"`

	// Maintenance holds the periodic summary job configuration.
	Maintenance MaintenanceConfig `yaml:"maintenance" toml:"maintenance"`

	// DebugEndpoints enables the /debug/* handlers.
	DebugEndpoints bool `yaml:"debug_endpoints" toml:"debug_endpoints" env:"DEBUG_ENDPOINTS"`
}

// ServiceConfig defines a single proxied service: where its traffic comes
// from and which backend servers can handle it.
type ServiceConfig struct {
	// Route is the path pattern routed to this service, in glob syntax
	// (for example "/accounts/**").
	Route string `yaml:"route" toml:"route"`

	// Servers lists the backend server base URLs for this service.
	Servers []string `yaml:"servers" toml:"servers"`

	// Retry configures retry behavior for this service. Omitting it leaves
	// retries disabled for the service.
	Retry RetryConfig `yaml:"retry" toml:"retry"`

	// CircuitBreaker overrides the global circuit breaker settings for this
	// service's servers when non-nil.
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker" toml:"circuit_breaker"`

	// StripRoutePrefix removes the matched route prefix before forwarding,
	// so "/accounts/users" with route "/accounts/**" reaches the backend
	// as "/users".
	StripRoutePrefix bool `yaml:"strip_route_prefix" toml:"strip_route_prefix"`
}

// RetryConfig configures the retry policy for a service.
type RetryConfig struct {
	// Enabled turns retries on for the service.
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// MaxSameServerRetries is the number of retries against the same server.
	MaxSameServerRetries int `yaml:"max_same_server_retries" toml:"max_same_server_retries"`

	// MaxNextServers is the number of additional servers to fail over to.
	MaxNextServers int `yaml:"max_next_servers" toml:"max_next_servers"`

	// BaseDelayMs is the base backoff delay in milliseconds.
	BaseDelayMs int `yaml:"base_delay_ms" toml:"base_delay_ms"`

	// MaxDelayMs caps the backoff delay in milliseconds.
	MaxDelayMs int `yaml:"max_delay_ms" toml:"max_delay_ms"`

	// Jitter is the fraction of randomness applied to each backoff delay.
	Jitter float64 `yaml:"jitter" toml:"jitter"`

	// PerTryTimeoutMs is the timeout for each attempt in milliseconds.
	PerTryTimeoutMs int `yaml:"per_try_timeout_ms" toml:"per_try_timeout_ms"`

	// RetryAllMethods allows retrying non-idempotent methods such as POST.
	RetryAllMethods bool `yaml:"retry_all_methods" toml:"retry_all_methods"`

	// AdditionalRetryableStatusCodes extends the default retryable status
	// code set (408, 429, 500, 502, 503, 504) for this service.
	AdditionalRetryableStatusCodes []int `yaml:"additional_retryable_status_codes" toml:"additional_retryable_status_codes"`
}

// ToPolicy converts the configuration into a RetryPolicy, applying defaults
// for unset fields.
func (c RetryConfig) ToPolicy() RetryPolicy {
	policy := DefaultRetryPolicy().
		WithEnabled(c.Enabled).
		WithRetryAllMethods(c.RetryAllMethods)

	if c.MaxSameServerRetries > 0 {
		policy = policy.WithMaxSameServerRetries(c.MaxSameServerRetries)
	}
	if c.MaxNextServers > 0 {
		policy = policy.WithMaxNextServers(c.MaxNextServers)
	}
	if c.BaseDelayMs > 0 {
		policy = policy.WithBaseDelay(time.Duration(c.BaseDelayMs) * time.Millisecond)
	}
	if c.MaxDelayMs > 0 {
		policy = policy.WithMaxDelay(time.Duration(c.MaxDelayMs) * time.Millisecond)
	}
	if c.Jitter > 0 {
		policy = policy.WithJitter(c.Jitter)
	}
	if c.PerTryTimeoutMs > 0 {
		policy = policy.WithPerTryTimeout(time.Duration(c.PerTryTimeoutMs) * time.Millisecond)
	}
	if len(c.AdditionalRetryableStatusCodes) > 0 {
		policy = policy.WithAdditionalRetryableStatusCodes(c.AdditionalRetryableStatusCodes...)
	}

	return policy
}

// CircuitBreakerConfig holds configuration options for a circuit breaker.
type CircuitBreakerConfig struct {
	// Enabled indicates if the circuit breaker is active.
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// FailureThreshold is the number of failures before opening the circuit.
	FailureThreshold int `yaml:"failure_threshold" toml:"failure_threshold"`

	// ResetTimeoutSeconds is the number of seconds to wait before trying a
	// request when the circuit is open.
	ResetTimeoutSeconds int `yaml:"reset_timeout_seconds" toml:"reset_timeout_seconds"`
}

// HealthCheckConfig holds configuration for periodic server health checks.
type HealthCheckConfig struct {
	// Enabled turns periodic health checking on.
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// IntervalSeconds is how often each server is checked.
	IntervalSeconds int `yaml:"interval_seconds" toml:"interval_seconds"`

	// TimeoutMs is the timeout for a single health check request.
	TimeoutMs int `yaml:"timeout_ms" toml:"timeout_ms"`

	// Path is the path probed on each server.
	Path string `yaml:"path" toml:"path"`

	// ExpectedStatus is the status code a healthy server must answer with.
	ExpectedStatus int `yaml:"expected_status" toml:"expected_status"`

	// RecentRequestThresholdMs skips a check when live traffic reached the
	// server within this window.
	RecentRequestThresholdMs int `yaml:"recent_request_threshold_ms" toml:"recent_request_threshold_ms"`
}

// Interval returns the check interval as a duration.
func (c HealthCheckConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Timeout returns the per-check timeout as a duration.
func (c HealthCheckConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RecentRequestThreshold returns the skip window as a duration.
func (c HealthCheckConfig) RecentRequestThreshold() time.Duration {
	return time.Duration(c.RecentRequestThresholdMs) * time.Millisecond
}

// MaintenanceConfig configures the periodic health/metrics summary job.
type MaintenanceConfig struct {
	// Enabled turns the summary job on.
	Enabled bool `yaml:"enabled" toml:"enabled"`

	// Schedule is a cron expression controlling when summaries are logged.
	Schedule string `yaml:"schedule" toml:"schedule"`
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Services == nil {
		c.Services = make(map[string]ServiceConfig)
	}

	for name, svc := range c.Services {
		if len(svc.Servers) == 0 {
			return fmt.Errorf("service %q: %w", name, ErrNoServersConfigured)
		}
		if svc.Route == "" {
			svc.Route = "/" + name + "/**"
			c.Services[name] = svc
		}
	}

	if c.DefaultService != "" {
		if _, ok := c.Services[c.DefaultService]; !ok {
			return fmt.Errorf("%w: %s", ErrDefaultServiceNotSet, c.DefaultService)
		}
	}

	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.ResetTimeoutSeconds == 0 {
		c.CircuitBreaker.ResetTimeoutSeconds = 30
	}

	if c.HealthCheck.IntervalSeconds == 0 {
		c.HealthCheck.IntervalSeconds = 30
	}
	if c.HealthCheck.TimeoutMs == 0 {
		c.HealthCheck.TimeoutMs = 2000
	}
	if c.HealthCheck.Path == "" {
		c.HealthCheck.Path = "/health"
	}
	if c.HealthCheck.ExpectedStatus == 0 {
		c.HealthCheck.ExpectedStatus = 200
	}

	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = "@every 1m"
	}

	return nil
}
