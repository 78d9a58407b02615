package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fieldwork-io/lib-outbound/outbound/outbox"
)

var (
	// ErrChannelRequired indicates an AMQP deliverer built without a channel.
	ErrChannelRequired = errors.New("amqp channel is required")
	// ErrConfirmModeUnavailable indicates the channel rejected confirm mode.
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	// ErrConfirmsNotSupported indicates confirms were requested on a channel
	// that cannot report them.
	ErrConfirmsNotSupported = errors.New("channel does not expose publisher confirms")
	// ErrMessageNacked indicates the broker refused the message.
	ErrMessageNacked = errors.New("broker nacked message")
	// ErrConfirmTimeout indicates the broker did not confirm in time.
	ErrConfirmTimeout = errors.New("confirmation timed out")
)

const (
	defaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer leaves room for acknowledgements of publishes
	// whose wait timed out, so a slow broker cannot block the channel's
	// notify loop.
	confirmChannelBuffer = 16
)

// AMQPChannel is the slice of *amqp.Channel the deliverer needs, kept small
// so tests can fake it.
type AMQPChannel interface {
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
}

// ConfirmableChannel additionally supports publisher confirms.
type ConfirmableChannel interface {
	AMQPChannel
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
}

// AMQPOption customizes an AMQPDeliverer.
type AMQPOption func(*AMQPDeliverer)

// WithPublisherConfirms enables confirm mode: Deliver publishes and then
// waits for the broker acknowledgement. The channel must implement
// ConfirmableChannel.
func WithPublisherConfirms(timeout time.Duration) AMQPOption {
	return func(deliverer *AMQPDeliverer) {
		deliverer.confirmEnabled = true

		if timeout > 0 {
			deliverer.confirmTimeout = timeout
		}
	}
}

// AMQPDeliverer publishes event payloads to a broker exchange. Messages are
// persistent; consumers deduplicate on the dedupe_key header.
type AMQPDeliverer struct {
	channel    AMQPChannel
	exchange   string
	routingKey string

	confirmEnabled bool
	confirmTimeout time.Duration
	confirms       chan amqp.Confirmation

	// Publishes are serialized in confirm mode and paired with their
	// acknowledgement by delivery tag. publishedTag mirrors the broker's
	// tag counter, which requires this deliverer to be the channel's only
	// publisher.
	publishMu    sync.Mutex
	publishedTag uint64
}

var _ outbox.Deliverer = (*AMQPDeliverer)(nil)

// NewAMQPDeliverer creates a deliverer publishing to exchange with
// routingKey.
func NewAMQPDeliverer(channel AMQPChannel, exchange, routingKey string, opts ...AMQPOption) (*AMQPDeliverer, error) {
	if channel == nil {
		return nil, ErrChannelRequired
	}

	deliverer := &AMQPDeliverer{
		channel:        channel,
		exchange:       exchange,
		routingKey:     routingKey,
		confirmTimeout: defaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(deliverer)
		}
	}

	if deliverer.confirmEnabled {
		confirmable, ok := channel.(ConfirmableChannel)
		if !ok {
			return nil, ErrConfirmsNotSupported
		}

		if err := confirmable.Confirm(false); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
		}

		deliverer.confirms = confirmable.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))
	}

	return deliverer, nil
}

// Deliver publishes the event. Broker failures, nacks, and confirm timeouts
// are transient; the processor retries them.
func (deliverer *AMQPDeliverer) Deliver(ctx context.Context, event *outbox.Event) error {
	message := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID.String(),
		Body:         event.Payload,
		Headers: amqp.Table{
			"tenant_id":  event.TenantID,
			"kind":       event.Kind.String(),
			"dedupe_key": event.DedupeKey,
		},
	}

	if !deliverer.confirmEnabled {
		if err := deliverer.channel.PublishWithContext(ctx, deliverer.exchange, deliverer.routingKey, false, false, message); err != nil {
			return fmt.Errorf("publish to %s: %w", deliverer.exchange, err)
		}

		return nil
	}

	deliverer.publishMu.Lock()
	defer deliverer.publishMu.Unlock()

	deliverer.drainStaleConfirms()

	if err := deliverer.channel.PublishWithContext(ctx, deliverer.exchange, deliverer.routingKey, false, false, message); err != nil {
		return fmt.Errorf("publish to %s: %w", deliverer.exchange, err)
	}

	deliverer.publishedTag++

	return deliverer.waitForConfirm(ctx, deliverer.publishedTag)
}

// drainStaleConfirms discards buffered acknowledgements left behind by
// publishes whose wait already timed out. Must hold publishMu.
func (deliverer *AMQPDeliverer) drainStaleConfirms() {
	for {
		select {
		case <-deliverer.confirms:
		default:
			return
		}
	}
}

// waitForConfirm blocks until the broker acknowledges the publish carrying
// tag. Late acknowledgements of earlier, timed-out publishes are skipped so
// they cannot stand in for the current message.
func (deliverer *AMQPDeliverer) waitForConfirm(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(deliverer.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirmation, ok := <-deliverer.confirms:
			if !ok {
				return fmt.Errorf("publish to %s: confirm channel closed", deliverer.exchange)
			}

			if confirmation.DeliveryTag < tag {
				continue
			}

			if !confirmation.Ack {
				return fmt.Errorf("publish to %s: %w", deliverer.exchange, ErrMessageNacked)
			}

			return nil
		case <-timer.C:
			return fmt.Errorf("publish to %s: %w", deliverer.exchange, ErrConfirmTimeout)
		case <-ctx.Done():
			return fmt.Errorf("publish to %s: %w", deliverer.exchange, ctx.Err())
		}
	}
}
