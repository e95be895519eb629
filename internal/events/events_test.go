package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var got []OperationEventPayload
	bus.Subscribe(EventOperationSynced, func(e *Event) error {
		var p OperationEventPayload
		require.NoError(t, e.Decode(&p))
		got = append(got, p)
		return nil
	})

	require.NoError(t, bus.PublishJSON(EventOperationSynced, OperationEventPayload{OperationID: 1, EntityType: "actor"}))
	require.NoError(t, bus.PublishJSON(EventOperationFailed, OperationEventPayload{OperationID: 2}))

	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].OperationID)
	assert.Equal(t, "actor", got[0].EntityType)
}

func TestEventBus_Nil(t *testing.T) {
	var bus *EventBus
	assert.NoError(t, bus.PublishJSON(EventUserChanged, UserChangedPayload{}))
}

func TestEventBus_BadPayload(t *testing.T) {
	bus := NewEventBus()
	assert.Error(t, bus.PublishJSON(EventRemoteUpdates, make(chan int)))
}

func TestPublish_SetsCreatedAt(t *testing.T) {
	bus := NewEventBus()
	var seen *Event
	bus.Subscribe(EventRemoteUpdates, func(e *Event) error {
		seen = e
		return nil
	})
	bus.Publish(&Event{Type: EventRemoteUpdates})
	require.NotNil(t, seen)
	assert.False(t, seen.CreatedAt.IsZero())
}
