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

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/brwyatt/dffmpeg/internal/log"
	"github.com/brwyatt/dffmpeg/internal/metrics"
	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/resilience"
)

// MQTT publishes downlink notifications at QoS 1. Delivery is
// fire-and-forget and never persisted (§4.3) — the repository remains
// the authoritative record; peers reconcile by polling on reconnect. A
// circuit breaker around Publish keeps a stalled broker from piling up
// goroutines on PublishWait once failures cross the threshold.
type MQTT struct {
	Client      mqtt.Client
	TopicPrefix string
	PublishWait time.Duration
	breaker     *resilience.CircuitBreaker
}

// NewMQTT constructs the mqtt transport over an already-configured paho
// client. topicPrefix is prepended to every topic, e.g. "dffmpeg".
func NewMQTT(client mqtt.Client, topicPrefix string) *MQTT {
	return &MQTT{
		Client:      client,
		TopicPrefix: topicPrefix,
		PublishWait: 5 * time.Second,
		breaker:     resilience.NewCircuitBreaker("transport.mqtt", 5, 30*time.Second),
	}
}

func (m *MQTT) Name() string { return NameMQTT }

func (m *MQTT) Start(ctx context.Context) error {
	if token := m.Client.Connect(); token.WaitTimeout(m.PublishWait) && token.Error() != nil {
		return fmt.Errorf("transport: mqtt connect: %w", token.Error())
	}
	return nil
}

func (m *MQTT) Stop(ctx context.Context) error {
	m.Client.Disconnect(250)
	return nil
}

func (m *MQTT) CanSend(target Target) bool {
	return m.Client.IsConnectionOpen() && m.breaker.State() != string(resilience.StateOpen)
}

func (m *MQTT) topic(target Target) string {
	if target.IsWorker {
		return fmt.Sprintf("%s/workers/%s", m.TopicPrefix, target.RecipientID)
	}
	return fmt.Sprintf("%s/jobs/%s/%s", m.TopicPrefix, target.RecipientID, target.JobID)
}

func (m *MQTT) Send(ctx context.Context, target Target, msg *model.DownlinkMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: mqtt marshal: %w", err)
	}
	topic := m.topic(target)
	metrics.IncTransportSend(NameMQTT)
	err = m.breaker.Execute(func() error {
		token := m.Client.Publish(topic, 1, false, payload)
		if !token.WaitTimeout(m.PublishWait) {
			return fmt.Errorf("transport: mqtt publish to %q timed out", topic)
		}
		return token.Error()
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		metrics.IncTransportDrop(NameMQTT, "circuit_open")
		return fmt.Errorf("transport: mqtt publish: %w", err)
	}
	if err != nil {
		metrics.IncTransportDrop(NameMQTT, "publish_error")
		mqttLogger := log.WithComponent("transport.mqtt")
		mqttLogger.Warn().Str("topic", topic).Err(err).Msg("publish failed, dropping (best-effort transport)")
		return fmt.Errorf("transport: mqtt publish: %w", err)
	}
	return nil
}

var _ Transport = (*MQTT)(nil)
