package notify

import (
	"context"
	"errors"
)

// Kind selects the mail template.
type Kind string

const (
	KindRegistrationConfirmation Kind = "registration-confirmation"
	KindPasswordReset            Kind = "password-reset"
	KindPriceDrop                Kind = "price-drop"
)

var (
	ErrMailDisabled  = errors.New("mail transport not configured")
	ErrUnknownKind   = errors.New("unknown mail kind")
	ErrEmptyReceiver = errors.New("empty recipient")
)

// Contact is the recipient snapshot.
type Contact struct {
	Email string
	Name  string
}

// PriceDropData feeds the price-drop template.
type PriceDropData struct {
	ProductName string
	MinPrice    int64 // minor units
	Currency    string
	Link        string
}

// LinkData feeds the registration-confirmation and password-reset templates.
type LinkData struct {
	Link string
}

// Mailer sends templated mail.
type Mailer interface {
	// Send renders kind with data and delivers it to contact.
	//
	// Parameters:
	//   ctx: context
	//   contact: recipient
	//   kind: template kind
	//   data: PriceDropData for KindPriceDrop, LinkData otherwise
	Send(ctx context.Context, contact Contact, kind Kind, data any) error
}
