package payment

import (
	"strings"
	"time"
)

type Channel string

const (
	ChannelUnknown  Channel = "unknown"
	ChannelTerminal Channel = "terminal"
	ChannelOnline   Channel = "online"
)

type EventKind string

const (
	EventCreated EventKind = "payment.created"
	EventUpdated EventKind = "payment.updated"
)

// Intent is a payment request sent to the gateway, keyed by the identifiers
// the gateway returned. All fields are comparable so merges can be checked with ==.
type Intent struct {
	ID               int64     `json:"id"`
	SessionID        *int64    `json:"session_id,omitempty"`
	Channel          Channel   `json:"channel"`
	Status           Status    `json:"status"`
	AmountCents      int64     `json:"amount_cents"`
	Currency         string    `json:"currency"`
	GatewayPaymentID string    `json:"gateway_payment_id,omitempty"`
	OrderID          string    `json:"order_id,omitempty"`
	CheckoutID       string    `json:"checkout_id,omitempty"`
	ReferenceID      string    `json:"reference_id,omitempty"`
	PaymentLinkID    string    `json:"payment_link_id,omitempty"`
	PaymentURL       string    `json:"payment_url,omitempty"`
	DeviceID         string    `json:"device_id,omitempty"`
	LocationID       string    `json:"location_id,omitempty"`
	ReceiptURL       string    `json:"receipt_url,omitempty"`
	SourceType       string    `json:"source_type,omitempty"`
	EntryMethod      string    `json:"entry_method,omitempty"`
	Version          int64     `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Snapshot is the gateway's view of a payment at the time of a callback.
type Snapshot struct {
	GatewayPaymentID string
	OrderID          string
	CheckoutID       string
	ReferenceID      string
	LocationID       string
	AmountCents      int64
	Currency         string
	Status           Status
	SourceType       string
	EntryMethod      string
	ReceiptURL       string
	UpdatedAt        time.Time
}

type StatusEvent struct {
	EventID  string
	Kind     EventKind
	Snapshot Snapshot
	Raw      []byte
}

// ClassifyChannel infers the payment channel from the gateway's hints.
// Card-present entry methods or a terminal checkout id mean the terminal.
func (s Snapshot) ClassifyChannel() Channel {
	if s.CheckoutID != "" {
		return ChannelTerminal
	}
	switch strings.ToUpper(s.EntryMethod) {
	case "EMV", "CONTACTLESS", "SWIPED":
		return ChannelTerminal
	}
	if s.SourceType == "" && s.EntryMethod == "" {
		return ChannelUnknown
	}
	return ChannelOnline
}

// Terminal channel initiation.
type TerminalRequest struct {
	SessionID   int64
	AmountCents int64
	Currency    string
	Description string
	DeviceID    string
}

type TerminalCheckout struct {
	CheckoutID  string
	OrderID     string
	ReferenceID string
	DeviceID    string
	Status      Status
}

// Online channel initiation.
type LinkRequest struct {
	SessionID   int64
	AmountCents int64
	Currency    string
	Description string
	LocationID  string
}

type PaymentLink struct {
	PaymentLinkID string
	OrderID       string
	URL           string
}
