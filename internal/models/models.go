package models

import (
	"time"

	"github.com/google/uuid"
)

type RequestStatus string

const (
	StatusPending       RequestStatus = "pending"
	StatusTicketCreated RequestStatus = "ticket_created"
	StatusApproved      RequestStatus = "approved"
	StatusInProgress    RequestStatus = "in_progress"
	StatusInstalled     RequestStatus = "installed"
	StatusFailed        RequestStatus = "failed"
	StatusRejected      RequestStatus = "rejected"
)

var transitions = map[RequestStatus][]RequestStatus{
	StatusPending:       {StatusTicketCreated, StatusFailed, StatusRejected},
	StatusTicketCreated: {StatusApproved, StatusInProgress, StatusFailed, StatusRejected},
	StatusApproved:      {StatusInProgress, StatusFailed, StatusRejected},
	// rejection is no longer possible once the job has been triggered
	StatusInProgress: {StatusInstalled, StatusFailed},
}

// CanTransition reports whether a request in status from may move to status to.
func CanTransition(from, to RequestStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns every status from which to is reachable in one step.
func Predecessors(to RequestStatus) []RequestStatus {
	var out []RequestStatus
	for _, from := range AllStatuses() {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func AllStatuses() []RequestStatus {
	return []RequestStatus{
		StatusPending,
		StatusTicketCreated,
		StatusApproved,
		StatusInProgress,
		StatusInstalled,
		StatusFailed,
		StatusRejected,
	}
}

func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusTicketCreated, StatusApproved, StatusInProgress,
		StatusInstalled, StatusFailed, StatusRejected:
		return true
	}
	return false
}

func (s RequestStatus) Terminal() bool {
	return s == StatusInstalled || s == StatusFailed || s == StatusRejected
}

// Rank orders statuses along the success path. Off-ramps rank above every
// non-terminal status since they absorb.
func (s RequestStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusTicketCreated:
		return 1
	case StatusApproved:
		return 2
	case StatusInProgress:
		return 3
	case StatusInstalled, StatusFailed, StatusRejected:
		return 4
	}
	return -1
}

func (s RequestStatus) String() string { return string(s) }

type CatalogEntry struct {
	Name           string    `json:"name"`
	ExternalID     string    `json:"externalId"`
	DefaultVersion string    `json:"defaultVersion"`
	CreatedAt      time.Time `json:"createdAt,omitempty"`
}

type InstallRequest struct {
	ID           uuid.UUID     `json:"id"`
	Requester    string        `json:"requester"`
	CatalogEntry CatalogEntry  `json:"catalogEntry"`
	Status       RequestStatus `json:"status"`
	TicketID     string        `json:"ticketId,omitempty"`
	TicketNumber string        `json:"ticketNumber,omitempty"`
	ExecutionID  string        `json:"executionId,omitempty"`
	StatusDetail string        `json:"statusDetail,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

func (r InstallRequest) HasTicket() bool    { return r.TicketID != "" }
func (r InstallRequest) HasExecution() bool { return r.ExecutionID != "" }
