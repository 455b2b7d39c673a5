package sync

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// wireEvent is the JSON envelope an Event is published/consumed as over
// AMQP, mirroring Event but with Content pre-marshaled so the transport
// never depends on fhircontent's in-process types.
type wireEvent struct {
	Kind         EventKind       `json:"kind"`
	TenantID     string          `json:"tenant_id"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Content      json.RawMessage `json:"content,omitempty"`
	Version      string          `json:"version,omitempty"`
}

// AMQPTransport publishes sync Events onto a durable topic exchange, one
// routing key per secondary backend, so a secondary running out-of-process
// (a separate consumer service) can apply the same events an in-process
// worker would.
type AMQPTransport struct {
	channel  *amqp.Channel
	exchange string
}

// NewAMQPTransport declares a durable topic exchange on channel and
// returns a transport that publishes onto it.
func NewAMQPTransport(channel *amqp.Channel, exchange string) (*AMQPTransport, error) {
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("sync: declare exchange %q: %w", exchange, err)
	}

	return &AMQPTransport{channel: channel, exchange: exchange}, nil
}

// Publish sends event to backendID's routing key.
func (t *AMQPTransport) Publish(ctx context.Context, backendID string, event Event) error {
	content, err := marshalContent(event.Content)
	if err != nil {
		return err
	}

	we := wireEvent{
		Kind:         event.Kind,
		TenantID:     string(event.TenantID),
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		Content:      content,
		Version:      string(event.Version),
	}

	body, err := json.Marshal(we)
	if err != nil {
		return fmt.Errorf("sync: marshal event: %w", err)
	}

	routingKey := "fhirstore.sync." + backendID

	return t.channel.PublishWithContext(ctx, t.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Consume declares a durable queue bound to backendID's routing key and
// returns its delivery channel.
func (t *AMQPTransport) Consume(queueName, backendID string) (<-chan amqp.Delivery, error) {
	if _, err := t.channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("sync: declare queue %q: %w", queueName, err)
	}

	routingKey := "fhirstore.sync." + backendID

	if err := t.channel.QueueBind(queueName, routingKey, t.exchange, false, nil); err != nil {
		return nil, fmt.Errorf("sync: bind queue %q: %w", queueName, err)
	}

	return t.channel.Consume(queueName, "", false, false, false, false, nil)
}
