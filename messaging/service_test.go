package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	t.Run("http broker refused in strict mode", func(t *testing.T) {
		config := Config{HTTP: HTTPBrokerConfig{Endpoint: "http://example.com/messages"}}
		require.Error(t, config.Validate(true))
		require.NoError(t, config.Validate(false))
	})
}

func TestEntity_FullName(t *testing.T) {
	assert.Equal(t, "encounter-completed", Entity{Name: "encounter-completed"}.FullName("dev-"))
	assert.Equal(t, "dev-encounter-completed", Entity{Name: "encounter-completed", Prefix: true}.FullName("dev-"))
}

func TestMemoryBroker(t *testing.T) {
	queue := Entity{Name: "encounter-completed"}
	t.Run("delivers to all handlers", func(t *testing.T) {
		broker := NewMemoryBroker()
		var received []string
		require.NoError(t, broker.ReceiveFromQueue(queue, func(_ context.Context, msg Message) error {
			received = append(received, string(msg.Body))
			return nil
		}))
		require.NoError(t, broker.SendMessage(context.Background(), queue, &Message{Body: []byte(`{"a":1}`)}))
		require.Equal(t, []string{`{"a":1}`}, received)
	})
	t.Run("no handlers", func(t *testing.T) {
		broker := NewMemoryBroker()
		err := broker.SendMessage(context.Background(), queue, &Message{Body: []byte(`{}`)})
		require.EqualError(t, err, "no handlers for entity encounter-completed")
	})
	t.Run("handler error is retained, not returned", func(t *testing.T) {
		broker := NewMemoryBroker()
		handlerErr := errors.New("handler failed")
		require.NoError(t, broker.ReceiveFromQueue(queue, func(_ context.Context, _ Message) error {
			return handlerErr
		}))
		require.NoError(t, broker.SendMessage(context.Background(), queue, &Message{Body: []byte(`{}`)}))
		require.ErrorIs(t, *broker.LastHandlerError.Load(), handlerErr)
	})
}
