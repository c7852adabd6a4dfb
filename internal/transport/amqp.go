// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/brwyatt/dffmpeg/internal/log"
	"github.com/brwyatt/dffmpeg/internal/metrics"
	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/resilience"
)

const (
	workerExchange = "dffmpeg.workers"
	jobExchange    = "dffmpeg.jobs"
)

// AMQP publishes downlink notifications to RabbitMQ with durable delivery
// (§4.3): messages to workers go to the dffmpeg.workers exchange keyed by
// worker_id, messages about a job go to dffmpeg.jobs keyed by
// "{client_id}.{job_id}".
type AMQP struct {
	Conn    *amqp.Connection
	channel *amqp.Channel
	breaker *resilience.CircuitBreaker
}

// NewAMQP constructs the amqp transport over an already-dialed connection.
// Start declares the two topic exchanges; Send publishes onto whichever one
// the target addresses.
func NewAMQP(conn *amqp.Connection) *AMQP {
	return &AMQP{Conn: conn, breaker: resilience.NewCircuitBreaker("transport.amqp", 5, 30*time.Second)}
}

func (a *AMQP) Name() string { return NameAMQP }

func (a *AMQP) Start(ctx context.Context) error {
	ch, err := a.Conn.Channel()
	if err != nil {
		return fmt.Errorf("transport: amqp channel: %w", err)
	}
	for _, ex := range []string{workerExchange, jobExchange} {
		if err := ch.ExchangeDeclare(ex, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("transport: amqp declare exchange %q: %w", ex, err)
		}
	}
	a.channel = ch
	return nil
}

func (a *AMQP) Stop(ctx context.Context) error {
	if a.channel == nil {
		return nil
	}
	return a.channel.Close()
}

func (a *AMQP) CanSend(target Target) bool {
	return a.channel != nil && !a.Conn.IsClosed() && a.breaker.State() != string(resilience.StateOpen)
}

func (a *AMQP) routing(target Target) (exchange, routingKey string) {
	if target.IsWorker {
		return workerExchange, target.RecipientID
	}
	return jobExchange, fmt.Sprintf("%s.%s", target.RecipientID, target.JobID)
}

func (a *AMQP) Send(ctx context.Context, target Target, msg *model.DownlinkMessage) error {
	if a.channel == nil {
		return fmt.Errorf("transport: amqp channel not started")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: amqp marshal: %w", err)
	}
	exchange, routingKey := a.routing(target)
	metrics.IncTransportSend(NameAMQP)
	err = a.breaker.Execute(func() error {
		return a.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         payload,
		})
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		metrics.IncTransportDrop(NameAMQP, "circuit_open")
		return fmt.Errorf("transport: amqp publish: %w", err)
	}
	if err != nil {
		metrics.IncTransportDrop(NameAMQP, "publish_error")
		amqpLogger := log.WithComponent("transport.amqp")
		amqpLogger.Warn().
			Str("exchange", exchange).Str("routing_key", routingKey).Err(err).
			Msg("publish failed, dropping (best-effort transport)")
		return fmt.Errorf("transport: amqp publish: %w", err)
	}
	return nil
}

var _ Transport = (*AMQP)(nil)
