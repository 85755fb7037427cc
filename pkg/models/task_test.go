package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to TaskStatus }{
		{TaskStatusQueued, TaskStatusDispatched},
		{TaskStatusQueued, TaskStatusCancelled},
		{TaskStatusDispatched, TaskStatusRunning},
		{TaskStatusDispatched, TaskStatusVerifying},
		{TaskStatusDispatched, TaskStatusCancelled},
		{TaskStatusRunning, TaskStatusVerifying},
		{TaskStatusRunning, TaskStatusFailed},
		{TaskStatusVerifying, TaskStatusCompleted},
		{TaskStatusVerifying, TaskStatusFailed},
		{TaskStatusFailed, TaskStatusDispatched}, // retry edge
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to TaskStatus }{
		{TaskStatusCompleted, TaskStatusDispatched},
		{TaskStatusCancelled, TaskStatusDispatched},
		{TaskStatusQueued, TaskStatusCompleted},
		{TaskStatusQueued, TaskStatusRunning},
		{TaskStatusVerifying, TaskStatusRunning},
		{TaskStatusFailed, TaskStatusCompleted},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusCancelled.Terminal())
	assert.False(t, TaskStatusFailed.Terminal()) // retry edge keeps it open
	assert.False(t, TaskStatusRunning.Terminal())
}

func TestPriorityScore(t *testing.T) {
	assert.Greater(t, PriorityCritical.Score(), PriorityHigh.Score())
	assert.Greater(t, PriorityHigh.Score(), PriorityNormal.Score())
	assert.Greater(t, PriorityNormal.Score(), PriorityLow.Score())

	// Unknown bands schedule as normal rather than starving.
	assert.Equal(t, PriorityNormal.Score(), TaskPriority("bogus").Score())
}

func TestPriorityValid(t *testing.T) {
	assert.True(t, PriorityCritical.Valid())
	assert.True(t, PriorityLow.Valid())
	assert.False(t, TaskPriority("urgent").Valid())
	assert.False(t, TaskPriority("").Valid())
}
