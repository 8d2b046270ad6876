package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	// SeatExchange is the topic exchange seat events are published on.
	SeatExchange = "seat.events"
	// BookingQueue is the durable queue of booking confirmations.
	BookingQueue = "booking.confirmed"
)

// Publisher sends seat events and booking confirmations to RabbitMQ over one
// long-lived connection. A broken connection is re-dialled on the next
// publish. Callers treat publish errors as non-fatal.
type Publisher struct {
	url string
	log *logrus.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher dials the broker and declares the exchange and queue.
func NewPublisher(url string, log *logrus.Logger) (*Publisher, error) {
	p := &Publisher{url: url, log: log}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.channelLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// channelLocked returns the open channel, dialling when needed. p.mu must be
// held.
func (p *Publisher) channelLocked() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := declareTopology(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

// declareTopology declares the seat exchange and the booking queue. Both
// calls are idempotent.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(
		SeatExchange, // name
		"topic",      // kind
		true,         // durable
		false,        // autoDelete
		false,        // internal
		false,        // noWait
		nil,          // args
	); err != nil {
		return fmt.Errorf("exchange declare: %w", err)
	}
	if _, err := ch.QueueDeclare(
		BookingQueue, // name
		true,         // durable
		false,        // autoDelete
		false,        // exclusive
		false,        // noWait
		nil,          // args
	); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	return nil
}

// Publish sends a seat event to the seat exchange routed by trip. Seat
// events are transient: a viewer that misses one re-fetches the seat map.
func (p *Publisher) Publish(ctx context.Context, ev SeatEvent) error {
	msg, err := seatEventPublishing(ev)
	if err != nil {
		return err
	}
	return p.publish(ctx, SeatExchange, ev.RoutingKey(), msg)
}

// PublishBookingConfirmed sends ev to the booking.confirmed queue as a
// persistent message.
func (p *Publisher) PublishBookingConfirmed(ctx context.Context, ev BookingConfirmedEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal booking event: %w", err)
	}
	return p.publish(ctx, "", BookingQueue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    ev.BookingID,
		Body:         body,
	})
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, err := p.channelLocked()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			p.resetLocked()
		}
		p.log.WithError(err).WithFields(logrus.Fields{"exchange": exchange, "routing_key": key}).Warn("rabbitmq publish failed")
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	return nil
}

// Ping reports whether a channel to the broker is open, redialling if the
// previous one was lost.
func (p *Publisher) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.channelLocked()
	return err
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

func seatEventPublishing(ev SeatEvent) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal seat event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    ev.OccurredAt,
		Type:         string(ev.Kind),
		Body:         body,
	}, nil
}
