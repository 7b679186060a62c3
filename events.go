package edgeproxy

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Event type constants for gateway events.
// Following CloudEvents specification reverse domain notation.
const (
	// Configuration events
	EventTypeConfigLoaded   = "com.gocodealone.edgeproxy.config.loaded"
	EventTypeConfigReloaded = "com.gocodealone.edgeproxy.config.reloaded"

	// Gateway lifecycle events
	EventTypeGatewayStarted = "com.gocodealone.edgeproxy.gateway.started"
	EventTypeGatewayStopped = "com.gocodealone.edgeproxy.gateway.stopped"

	// Request events
	EventTypeRequestProxied = "com.gocodealone.edgeproxy.request.proxied"
	EventTypeRequestFailed  = "com.gocodealone.edgeproxy.request.failed"

	// Retry events
	EventTypeRetryAttempt   = "com.gocodealone.edgeproxy.retry.attempt"
	EventTypeRetryExhausted = "com.gocodealone.edgeproxy.retry.exhausted"

	// Server events
	EventTypeServerHealthy   = "com.gocodealone.edgeproxy.server.healthy"
	EventTypeServerUnhealthy = "com.gocodealone.edgeproxy.server.unhealthy"

	// Circuit breaker events
	EventTypeCircuitOpen     = "com.gocodealone.edgeproxy.circuit.open"
	EventTypeCircuitClosed   = "com.gocodealone.edgeproxy.circuit.closed"
	EventTypeCircuitHalfOpen = "com.gocodealone.edgeproxy.circuit.halfopen"
)

// eventSource is the CloudEvents source attribute for gateway events.
const eventSource = "edgeproxy"

// Observer receives gateway events.
type Observer interface {
	// OnEvent is called when an event is emitted. Implementations must not
	// block; emission is synchronous.
	OnEvent(ctx context.Context, event cloudevents.Event) error
}

// FunctionalObserver wraps a function as an Observer.
type FunctionalObserver struct {
	id      string
	handler func(ctx context.Context, event cloudevents.Event) error
}

// NewFunctionalObserver creates an Observer from a handler function.
func NewFunctionalObserver(id string, handler func(ctx context.Context, event cloudevents.Event) error) *FunctionalObserver {
	return &FunctionalObserver{id: id, handler: handler}
}

// OnEvent invokes the wrapped handler.
func (f *FunctionalObserver) OnEvent(ctx context.Context, event cloudevents.Event) error {
	return f.handler(ctx, event)
}

// ID returns the observer's identifier.
func (f *FunctionalObserver) ID() string {
	return f.id
}

// NewGatewayEvent creates a CloudEvent with the given type and JSON data.
func NewGatewayEvent(eventType string, data interface{}) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
	event.SetSource(eventSource)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

// generateEventID generates a unique identifier for events using UUIDv7,
// which is time-ordered. Falls back to v4 if v7 fails.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// EventEmitter fans gateway events out to registered observers synchronously.
type EventEmitter struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewEventEmitter creates an empty emitter.
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{}
}

// RegisterObserver adds an observer to the emitter.
func (e *EventEmitter) RegisterObserver(observer Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, observer)
}

// Emit builds an event of the given type and delivers it to all observers.
// Observer errors are collected into the return value but do not stop fan-out.
func (e *EventEmitter) Emit(ctx context.Context, eventType string, data interface{}) error {
	e.mu.RLock()
	observers := make([]Observer, len(e.observers))
	copy(observers, e.observers)
	e.mu.RUnlock()

	if len(observers) == 0 {
		return nil
	}

	event := NewGatewayEvent(eventType, data)
	var firstErr error
	for _, observer := range observers {
		if err := observer.OnEvent(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
