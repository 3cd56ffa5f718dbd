package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTransitionsNeverRegress(t *testing.T) {
	for _, from := range AllStatuses() {
		for _, to := range AllStatuses() {
			if !CanTransition(from, to) {
				continue
			}
			assert.Greater(t, to.Rank(), from.Rank(), "%s -> %s moves backwards", from, to)
		}
	}
}

func TestTerminalStatusesAbsorb(t *testing.T) {
	for _, from := range []RequestStatus{StatusInstalled, StatusFailed, StatusRejected} {
		assert.True(t, from.Terminal())
		for _, to := range AllStatuses() {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestOffRampsReachable(t *testing.T) {
	for _, from := range []RequestStatus{StatusPending, StatusTicketCreated, StatusApproved, StatusInProgress} {
		assert.True(t, CanTransition(from, StatusFailed), from)
	}
	assert.True(t, CanTransition(StatusApproved, StatusRejected))
	assert.False(t, CanTransition(StatusInProgress, StatusRejected))
	assert.False(t, CanTransition(StatusInstalled, StatusPending))
}

func TestPredecessors(t *testing.T) {
	assert.ElementsMatch(t, []RequestStatus{StatusTicketCreated, StatusApproved}, Predecessors(StatusInProgress))
	assert.Empty(t, Predecessors(StatusPending))
}

func TestErrorTaxonomy(t *testing.T) {
	ext := &ExternalServiceError{Service: "jobrunner", Op: "trigger", Err: errors.New("network timeout")}
	wrapped := fmt.Errorf("trigger job: %w", ext)
	assert.True(t, errors.Is(wrapped, ErrExternalService))
	assert.Equal(t, "network timeout", Detail(wrapped))
	assert.Equal(t, "jobrunner trigger failed: network timeout", ext.Error())

	terr := &TransitionError{ID: uuid.New(), From: StatusInstalled, To: StatusPending}
	assert.True(t, errors.Is(fmt.Errorf("set status: %w", terr), ErrInvalidTransition))
	assert.False(t, errors.Is(terr, ErrNotFound))
}
