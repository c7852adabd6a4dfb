// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAMQP_Name(t *testing.T) {
	a := &AMQP{}
	assert.Equal(t, NameAMQP, a.Name())
}

func TestAMQP_Routing_Worker(t *testing.T) {
	a := &AMQP{}
	exchange, routingKey := a.routing(Target{RecipientID: "worker-9", IsWorker: true})
	assert.Equal(t, workerExchange, exchange)
	assert.Equal(t, "worker-9", routingKey)
}

func TestAMQP_Routing_Job(t *testing.T) {
	a := &AMQP{}
	exchange, routingKey := a.routing(Target{RecipientID: "client-1", JobID: "job-42"})
	assert.Equal(t, jobExchange, exchange)
	assert.Equal(t, "client-1.job-42", routingKey)
}

func TestAMQP_CanSend_FalseWithoutChannel(t *testing.T) {
	a := &AMQP{}
	assert.False(t, a.CanSend(Target{}))
}

func TestNewAMQP_StartsWithClosedBreaker(t *testing.T) {
	a := NewAMQP(nil)
	assert.NotNil(t, a.breaker)
	assert.Equal(t, "closed", a.breaker.State())
}
