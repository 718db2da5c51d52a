package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

var _ Broker = &HTTPBroker{}

// HTTPBrokerConfig configures the HTTP tee: every sent message is POSTed to
// Endpoint/{entity name} in addition to normal delivery. Intended for
// integration debugging; refused in strict mode.
type HTTPBrokerConfig struct {
	Endpoint string `koanf:"endpoint"`
	// EntityFilter is a list of entity names that should be sent over HTTP. If empty, all are sent.
	EntityFilter []string `koanf:"entityfilter"`
}

func NewHTTPBroker(config HTTPBrokerConfig, underlyingBroker Broker) Broker {
	return HTTPBroker{
		underlyingBroker: underlyingBroker,
		endpoint:         config.Endpoint,
		entityFilter:     config.EntityFilter,
	}
}

type HTTPBroker struct {
	underlyingBroker Broker
	endpoint         string
	entityFilter     []string
}

func (h HTTPBroker) ReceiveFromQueue(queue Entity, handler func(context.Context, Message) error) error {
	if h.underlyingBroker == nil {
		return nil
	}
	return h.underlyingBroker.ReceiveFromQueue(queue, handler)
}

func (h HTTPBroker) Close(ctx context.Context) error {
	if h.underlyingBroker == nil {
		return nil
	}
	return h.underlyingBroker.Close(ctx)
}

func (h HTTPBroker) SendMessage(ctx context.Context, entity Entity, message *Message) error {
	var errs []error
	if len(h.entityFilter) == 0 || slices.Contains(h.entityFilter, entity.Name) {
		if err := h.doSend(ctx, entity, message); err != nil {
			errs = append(errs, fmt.Errorf("failed to send message over HTTP: %w", err))
		}
	}
	if h.underlyingBroker != nil {
		if err := h.underlyingBroker.SendMessage(ctx, entity, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h HTTPBroker) doSend(ctx context.Context, entity Entity, message *Message) error {
	// unmarshal and marshal the value to remove extra whitespace
	var v interface{}
	err := json.Unmarshal(message.Body, &v)
	if err != nil {
		return err
	}
	jsonValue, err := json.Marshal(v)
	if err != nil {
		return err
	}

	endpoint, err := url.Parse(h.endpoint)
	if err != nil {
		return err
	}
	httpRequestCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(httpRequestCtx, http.MethodPost, endpoint.JoinPath(entity.Name).String(), strings.NewReader(string(jsonValue)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", message.ContentType)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("received non-OK response: %d", resp.StatusCode)
	}
	return nil
}
