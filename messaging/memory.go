package messaging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var _ Broker = &MemoryBroker{}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		handlers: make(map[string][]func(context.Context, Message) error),
	}
}

// MemoryBroker dispatches messages synchronously to in-process handlers.
// A handler error is logged and retained for inspection, not returned to the
// sender: delivery is a background concern from the sender's point of view.
type MemoryBroker struct {
	mux              sync.RWMutex
	handlers         map[string][]func(context.Context, Message) error
	LastHandlerError atomic.Pointer[error]
}

func (m *MemoryBroker) ReceiveFromQueue(queue Entity, handler func(context.Context, Message) error) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.handlers[queue.Name] = append(m.handlers[queue.Name], handler)
	return nil
}

func (m *MemoryBroker) SendMessage(_ context.Context, entity Entity, message *Message) error {
	m.mux.RLock()
	handlers := m.handlers[entity.Name]
	m.mux.RUnlock()
	if len(handlers) == 0 {
		return fmt.Errorf("no handlers for entity %s", entity.Name)
	}
	// Handlers get a fresh context, since delivery is logically asynchronous:
	// the sender's request may be long gone by the time processing finishes.
	ctx := context.Background()
	for _, handler := range handlers {
		if err := handler(ctx, *message); err != nil {
			m.LastHandlerError.Store(&err)
			log.Ctx(ctx).Warn().Err(err).Msgf("Message handler failed (entity=%s)", entity.Name)
		}
	}
	return nil
}

func (m *MemoryBroker) Close(_ context.Context) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.handlers = map[string][]func(context.Context, Message) error{}
	return nil
}
