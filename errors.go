// Package edgeproxy provides error definitions for the gateway.
package edgeproxy

import "errors"

// Error definitions for the edgeproxy package.
var (
	// ErrCircuitOpen defined in circuit_breaker.go
	ErrMaxRetriesReached    = errors.New("maximum number of retries reached")
	ErrRequestTimeout       = errors.New("request timed out")
	ErrNoAvailableServer    = errors.New("no available server")
	ErrServiceNotFound      = errors.New("service not found")
	ErrConfigurationNil     = errors.New("configuration is nil")
	ErrNoServersConfigured  = errors.New("service has no servers configured")
	ErrDefaultServiceNotSet = errors.New("default service is not defined in services")
	ErrInvalidServerURL     = errors.New("invalid server URL")
	ErrInvalidRoutePattern  = errors.New("invalid route pattern")
	ErrGatewayNotStarted    = errors.New("gateway is not started")
	ErrLoggerNil            = errors.New("logger cannot be nil")
	ErrUnsupportedConfig    = errors.New("unsupported config file format")
	ErrFieldNotSettable     = errors.New("config field cannot be set")
	ErrWatcherAlreadyActive = errors.New("config watcher is already active")

	// ErrUnexpectedHealthStatus is returned when a health check receives an
	// unexpected status code.
	ErrUnexpectedHealthStatus = errors.New("unexpected health check status code")
)
