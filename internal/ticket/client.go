// Package ticket talks to the service-desk ticketing system.
package ticket

import (
	"context"

	"github.com/ILLUVRSE/installdesk/internal/models"
)

const serviceName = "ticket"

type CreateInput struct {
	Summary     string
	Description string
	Requester   string
	// IdempotencyKey identifies the install request; creating twice with the
	// same key returns the first ticket.
	IdempotencyKey string
}

type Ticket struct {
	ID     string
	Number string
}

// Fields is a partial update. Empty values are left untouched.
type Fields struct {
	ShortDescription string
	WorkNotes        string
	State            string
}

type Resolution struct {
	Code  string
	Notes string
}

// Client performs single calls with no automatic retry. Every failure is a
// *models.ExternalServiceError.
type Client interface {
	CreateTicket(ctx context.Context, in CreateInput) (Ticket, error)
	UpdateTicket(ctx context.Context, id string, fields Fields) error
	ResolveTicket(ctx context.Context, id string, res Resolution) error
}

func failure(op string, status int, detail string, err error) error {
	return &models.ExternalServiceError{
		Service:    serviceName,
		Op:         op,
		StatusCode: status,
		Detail:     detail,
		Err:        err,
	}
}
