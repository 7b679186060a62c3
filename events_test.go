package edgeproxy

import (
	"context"
	"errors"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGatewayEvent(t *testing.T) {
	event := NewGatewayEvent(EventTypeRetryAttempt, map[string]interface{}{"service": "svc"})

	assert.Equal(t, EventTypeRetryAttempt, event.Type())
	assert.Equal(t, "edgeproxy", event.Source())
	assert.NotEmpty(t, event.ID())
	assert.False(t, event.Time().IsZero())
	assert.NoError(t, event.Validate())
}

func TestEventEmitterFanOut(t *testing.T) {
	emitter := NewEventEmitter()

	var received []string
	emitter.RegisterObserver(NewFunctionalObserver("first", func(ctx context.Context, event cloudevents.Event) error {
		received = append(received, "first:"+event.Type())
		return nil
	}))
	emitter.RegisterObserver(NewFunctionalObserver("second", func(ctx context.Context, event cloudevents.Event) error {
		received = append(received, "second:"+event.Type())
		return nil
	}))

	require.NoError(t, emitter.Emit(context.Background(), EventTypeGatewayStarted, nil))
	assert.Equal(t, []string{
		"first:" + EventTypeGatewayStarted,
		"second:" + EventTypeGatewayStarted,
	}, received)
}

func TestEventEmitterObserverErrorDoesNotStopFanOut(t *testing.T) {
	emitter := NewEventEmitter()
	wantErr := errors.New("observer failed")

	called := false
	emitter.RegisterObserver(NewFunctionalObserver("failing", func(ctx context.Context, event cloudevents.Event) error {
		return wantErr
	}))
	emitter.RegisterObserver(NewFunctionalObserver("ok", func(ctx context.Context, event cloudevents.Event) error {
		called = true
		return nil
	}))

	err := emitter.Emit(context.Background(), EventTypeRequestFailed, nil)
	assert.ErrorIs(t, err, wantErr)
	assert.True(t, called, "later observers should still run")
}

func TestEventEmitterNoObservers(t *testing.T) {
	emitter := NewEventEmitter()
	assert.NoError(t, emitter.Emit(context.Background(), EventTypeGatewayStopped, nil))
}

func TestFunctionalObserverID(t *testing.T) {
	observer := NewFunctionalObserver("my-id", func(ctx context.Context, event cloudevents.Event) error {
		return nil
	})
	assert.Equal(t, "my-id", observer.ID())
}
