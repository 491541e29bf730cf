package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaymentTransitionGraph(t *testing.T) {
	legal := [][2]string{
		{PaymentStatusPending, PaymentStatusConfirmed},
		{PaymentStatusPending, PaymentStatusFailed},
		{PaymentStatusPending, PaymentStatusExpired},
		{PaymentStatusPending, PaymentStatusCancelled},
		{PaymentStatusConfirmed, PaymentStatusCompleted},
		{PaymentStatusConfirmed, PaymentStatusFailed},
		{PaymentStatusConfirmed, PaymentStatusCancelled},
	}
	for _, edge := range legal {
		assert.True(t, CanTransitionPayment(edge[0], edge[1]), "%s -> %s should be legal", edge[0], edge[1])
	}

	illegal := [][2]string{
		{PaymentStatusPending, PaymentStatusCompleted},
		{PaymentStatusConfirmed, PaymentStatusExpired},
		{PaymentStatusCompleted, PaymentStatusConfirmed},
		{PaymentStatusCompleted, PaymentStatusCancelled},
		{PaymentStatusCancelled, PaymentStatusConfirmed},
		{PaymentStatusExpired, PaymentStatusConfirmed},
		{PaymentStatusFailed, PaymentStatusPending},
	}
	for _, edge := range illegal {
		assert.False(t, CanTransitionPayment(edge[0], edge[1]), "%s -> %s should be illegal", edge[0], edge[1])
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, status := range []string{
		PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled,
		PaymentStatusExpired,
	} {
		assert.True(t, IsTerminalPaymentStatus(status), "%s should be terminal", status)
	}

	assert.False(t, IsTerminalPaymentStatus(PaymentStatusPending))
	assert.False(t, IsTerminalPaymentStatus(PaymentStatusConfirmed))

	assert.True(t, IsTerminalBridgeStatus(BridgeStatusCompleted))
	assert.True(t, IsTerminalBridgeStatus(BridgeStatusRefunded))
	assert.True(t, IsTerminalBridgeStatus(BridgeStatusFailed))
	assert.False(t, IsTerminalBridgeStatus(BridgeStatusPending))
	assert.False(t, IsTerminalBridgeStatus(BridgeStatusValidated))
}
