package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// New creates the message broker for the completion queue. Without any broker
// configuration the in-memory broker is used, which dispatches messages to
// in-process handlers. With Azure Service Bus configured, the queue survives
// the process and failed deliveries end up in the DLQ.
func New(config Config, entities []Entity) (Broker, error) {
	var broker Broker
	var err error
	if config.AzureServiceBus.Enabled() {
		broker, err = newAzureServiceBusBroker(config.AzureServiceBus, entities, config.EntityPrefix)
		if err != nil {
			return nil, fmt.Errorf("azure service bus: %w", err)
		}
	} else {
		broker = NewMemoryBroker()
	}
	if config.HTTP.Endpoint != "" {
		log.Info().Msgf("Messaging: tee-ing messages over HTTP to %s", config.HTTP.Endpoint)
		broker = NewHTTPBroker(config.HTTP, broker)
	}
	return broker, nil
}

// Config holds the configuration for messaging.
type Config struct {
	// AzureServiceBus holds the configuration for messaging using Azure ServiceBus.
	AzureServiceBus AzureServiceBusConfig `koanf:"azureservicebus"`
	HTTP            HTTPBrokerConfig      `koanf:"http"`
	// EntityPrefix is prepended to prefixable entity names, to namespace queues shared between deployments.
	EntityPrefix string `koanf:"entityprefix"`
}

func (c Config) Validate(strictMode bool) error {
	if strictMode && c.HTTP.Endpoint != "" {
		return errors.New("http broker endpoint is not allowed in strict mode")
	}
	return nil
}

// Entity identifies a queue or topic at the broker.
type Entity struct {
	Name string
	// Prefix indicates the configured entity prefix applies to this entity.
	Prefix bool
}

func (e Entity) FullName(prefix string) string {
	if e.Prefix {
		return prefix + e.Name
	}
	return e.Name
}

type Message struct {
	Body          []byte
	ContentType   string
	CorrelationID *string
}

// Broker defines an interface for interacting with a message broker.
type Broker interface {
	Close(ctx context.Context) error
	SendMessage(ctx context.Context, entity Entity, message *Message) error
	ReceiveFromQueue(queue Entity, handler func(context.Context, Message) error) error
}
