package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// SeatEventSink receives seat events consumed from the broker.
type SeatEventSink interface {
	Deliver(ev SeatEvent)
}

// consumeFunc runs one consume session on conn and returns when it ends.
type consumeFunc func(ctx context.Context, conn *amqp.Connection) error

// runWithReconnect dials the broker and runs fn until ctx is cancelled,
// reconnecting with exponential backoff (1s doubling up to 30s).
func runWithReconnect(ctx context.Context, name, url string, log *logrus.Logger, fn consumeFunc) {
	backoff := time.Second
	for ctx.Err() == nil {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.WithError(err).WithField("consumer", name).Warnf("broker dial failed; retrying in %s", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = fn(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).WithField("consumer", name).Warn("consume loop ended; reconnecting")
		if !sleepCtx(ctx, 2*time.Second) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// StartSeatEventConsumer binds an exclusive, auto-deleted queue to every trip
// routing key of the seat exchange and hands each event to sink. Every
// server instance runs one, so all SSE clients see every event. It blocks
// until ctx is cancelled.
func StartSeatEventConsumer(ctx context.Context, url string, sink SeatEventSink, log *logrus.Logger) {
	runWithReconnect(ctx, "seat-events", url, log, func(ctx context.Context, conn *amqp.Connection) error {
		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("channel open: %w", err)
		}
		defer func() { _ = ch.Close() }()

		if err := declareTopology(ch); err != nil {
			return err
		}
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return fmt.Errorf("queue declare: %w", err)
		}
		if err := ch.QueueBind(q.Name, "trip.*", SeatExchange, false, nil); err != nil {
			return fmt.Errorf("queue bind: %w", err)
		}
		msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
		if err != nil {
			return fmt.Errorf("queue consume: %w", err)
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case d, ok := <-msgs:
				if !ok {
					return errors.New("deliveries channel closed")
				}
				ev, err := decodeSeatEvent(d.Body)
				if err != nil {
					log.WithError(err).Warn("seat-events: bad message dropped")
					continue
				}
				sink.Deliver(ev)
			}
		}
	})
}

func decodeSeatEvent(body []byte) (SeatEvent, error) {
	var ev SeatEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("unmarshal: %w", err)
	}
	if ev.TripID == 0 || ev.Kind == "" {
		return ev, errors.New("missing trip_id or kind")
	}
	return ev, nil
}

// StartBookingConsumer consumes the booking.confirmed queue and appends one
// line per booking to <dir>/booking.log. A message that cannot be handled is
// rejected without requeue so it cannot loop. It blocks until ctx is
// cancelled.
func StartBookingConsumer(ctx context.Context, url, dir string, log *logrus.Logger) {
	runWithReconnect(ctx, "booking-log", url, log, func(ctx context.Context, conn *amqp.Connection) error {
		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("channel open: %w", err)
		}
		defer func() { _ = ch.Close() }()

		if err := ch.Qos(50, 0, false); err != nil {
			log.WithError(err).Warn("booking-log: set QoS failed")
		}
		if err := declareTopology(ch); err != nil {
			return err
		}
		msgs, err := ch.Consume(BookingQueue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("queue consume: %w", err)
		}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case d, ok := <-msgs:
				if !ok {
					return errors.New("deliveries channel closed")
				}
				if err := appendBookingLog(dir, d.Body); err != nil {
					log.WithError(err).Error("booking-log: handle message failed")
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Ack(false)
			}
		}
	})
}

func appendBookingLog(dir string, body []byte) error {
	var ev BookingConfirmedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "booking.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(formatBookingLine(ev)); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// formatBookingLine renders one human-friendly log line, e.g.
//
//	[2026-03-01T08:00:00Z] Booking confirmed | booking_id=... | reference=BK-1A2B3C4D | user_id=7 | legs=OUT trip=101 [1A,1B]; RETURN trip=202 [3C]
func formatBookingLine(ev BookingConfirmedEvent) string {
	legs := make([]string, 0, len(ev.Legs))
	for _, l := range ev.Legs {
		legs = append(legs, fmt.Sprintf("%s trip=%d [%s]", l.Direction, l.TripID, strings.Join(l.SeatLabels, ",")))
	}
	return fmt.Sprintf("[%s] Booking confirmed | booking_id=%s | reference=%s | user_id=%d | legs=%s\n",
		ev.ConfirmedAt, ev.BookingID, ev.Reference, ev.UserID, strings.Join(legs, "; "))
}
