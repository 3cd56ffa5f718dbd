// Package events publishes request status transitions for downstream consumers.
package events

import (
	"context"
	"time"

	"github.com/ILLUVRSE/installdesk/internal/models"
)

// StatusEvent is emitted after every persisted status transition.
type StatusEvent struct {
	RequestID    string               `json:"requestId"`
	Requester    string               `json:"requester"`
	Software     string               `json:"software"`
	ExternalID   string               `json:"externalId"`
	From         models.RequestStatus `json:"from"`
	To           models.RequestStatus `json:"to"`
	Detail       string               `json:"detail,omitempty"`
	TicketNumber string               `json:"ticketNumber,omitempty"`
	ExecutionID  string               `json:"executionId,omitempty"`
	Ts           time.Time            `json:"ts"`
}

func NewStatusEvent(req models.InstallRequest, from models.RequestStatus, at time.Time) StatusEvent {
	return StatusEvent{
		RequestID:    req.ID.String(),
		Requester:    req.Requester,
		Software:     req.CatalogEntry.Name,
		ExternalID:   req.CatalogEntry.ExternalID,
		From:         from,
		To:           req.Status,
		Detail:       req.StatusDetail,
		TicketNumber: req.TicketNumber,
		ExecutionID:  req.ExecutionID,
		Ts:           at.UTC(),
	}
}

type Publisher interface {
	PublishStatus(ctx context.Context, ev StatusEvent) error
	Close() error
}

// NopPublisher drops every event; used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishStatus(context.Context, StatusEvent) error { return nil }
func (NopPublisher) Close() error                                      { return nil }
