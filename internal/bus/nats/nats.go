// Package nats implements bus.Bus on NATS JetStream, directly grounded on
// the teacher's internal/eventbus package — which already publishes domain
// events to JetStream for durable distribution
// (`js.Publish(subject, data)`, reading `ack.Stream`/`ack.Sequence`) — here
// generalized from a fixed internal event enum to the spec's
// topic-per-event-type scheme, and wrapped with a circuit breaker per the
// dispatcher's failure model (SPEC_FULL.md §4.6).
package nats

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"github.com/steveyegge/kernelstore/internal/bus"
)

var logger = log.New(os.Stderr, "bus/nats: ", log.LstdFlags)

// ErrBreakerOpen is returned when the circuit breaker has tripped; the
// dispatcher maps this to the "breaker_open" terminal-for-now reason
// (spec.md §4.6).
var ErrBreakerOpen = errors.New("bus/nats: circuit breaker open")

// Config configures the JetStream connection and the breaker guarding it.
type Config struct {
	URL                string
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
}

// Bus publishes outbox payloads to NATS JetStream subjects, one per topic.
type Bus struct {
	js      natsgo.JetStreamContext
	conn    *natsgo.Conn
	breaker *gobreaker.CircuitBreaker
}

// Connect dials cfg.URL, ensures a JetStream context, and wraps publishes
// in a circuit breaker that opens after BreakerMaxFailures consecutive
// failures and half-opens after BreakerTimeout.
func Connect(cfg Config) (*Bus, error) {
	conn, err := natsgo.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("bus/nats: connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus/nats: jetstream context: %w", err)
	}

	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bus.nats.publish",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &Bus{js: js, conn: conn, breaker: cb}, nil
}

func (b *Bus) Close() {
	b.conn.Close()
}

// Publish sends payload on topic, keyed so JetStream routes every message
// for the same key to a stable partition (the aggregate's ordering
// guarantee, spec.md §4.6). The partition/offset returned map onto
// JetStream's Stream/Sequence ack fields.
func (b *Bus) Publish(ctx context.Context, topic, key string, payload []byte) (int32, int64, error) {
	type result struct {
		partition int32
		offset    int64
	}

	r, err := b.breaker.Execute(func() (interface{}, error) {
		ack, err := b.js.Publish(topic, payload, natsgo.MsgId(key), natsgo.Context(ctx))
		if err != nil {
			return nil, err
		}
		return result{partition: streamPartition(ack.Stream), offset: int64(ack.Sequence)}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, 0, ErrBreakerOpen
		}
		return 0, 0, fmt.Errorf("bus/nats: publish %s: %w", topic, err)
	}
	res := r.(result)
	return res.partition, res.offset, nil
}

// streamPartition derives a stable int32 from a JetStream stream name so
// the Envelope's `partition` field carries some routing signal even though
// JetStream itself does not expose a numeric partition id the way a
// Kafka-style broker would.
func streamPartition(stream string) int32 {
	var h int32
	for _, r := range stream {
		h = h*31 + int32(r)
	}
	if h < 0 {
		h = -h
	}
	return h
}

var _ bus.Bus = (*Bus)(nil)
