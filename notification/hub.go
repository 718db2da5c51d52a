package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Hub fans notifications out to all connected SSE subscribers. Each
// subscriber gets its own buffered channel; a slow subscriber drops
// messages rather than blocking producers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Notification]struct{}
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[chan Notification]struct{}),
	}
}

// Publish delivers the notification to every current subscriber and
// returns immediately. Subscribers that connect later miss it.
func (h *Hub) Publish(ctx context.Context, notification Notification) {
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subscribers {
		select {
		case ch <- notification:
		default:
			log.Ctx(ctx).Warn().Str("type", string(notification.Type)).Msg("Subscriber channel full, dropping notification")
		}
	}
}

// Subscribe registers a new subscriber channel. The caller must
// Unsubscribe when done.
func (h *Hub) Subscribe() chan Notification {
	ch := make(chan Notification, 32)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[ch] = struct{}{}
	return ch
}

func (h *Hub) Unsubscribe(ch chan Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.subscribers[ch]; exists {
		delete(h.subscribers, ch)
		close(ch)
	}
}

// SubscriberCount reports the number of open SSE streams.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// ServeHTTP streams notifications to the client as server-sent events
// until the client disconnects.
func (h *Hub) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	writer.Header().Set("Content-Type", "text/event-stream")
	writer.Header().Set("Cache-Control", "no-cache")
	writer.Header().Set("Connection", "keep-alive")
	writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := writer.(http.Flusher)
	if !ok {
		http.Error(writer, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	// A comment/ping as per SSE spec - marks the start of the stream
	fmt.Fprintf(writer, ": ping\n\n")
	flusher.Flush()

	ctx := request.Context()
	log.Ctx(ctx).Debug().Msg("Opened SSE notification stream")

	for {
		select {
		case notification, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(notification)
			if err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("Failed to marshal notification")
				continue
			}
			fmt.Fprintf(writer, "data: %s\n\n", data)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
