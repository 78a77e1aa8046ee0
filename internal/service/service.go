package service

import (
	"context"
	"errors"

	"parking-service/internal/actuation"
	"parking-service/internal/clock"
	"parking-service/internal/domain/payment"
	"parking-service/internal/metrics"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	// ErrInvalidState means the session cannot take the requested action now.
	ErrInvalidState = errors.New("invalid state")
)

// maxAttempts bounds retries of a decision that lost a guarded write.
const maxAttempts = 3

type Actuator interface {
	PulseGate(ctx context.Context, target actuation.GateTarget, kind actuation.PulseKind)
	ShowScene(ctx context.Context, scene actuation.Scene)
}

type TerminalGateway interface {
	CreateTerminalCheckout(ctx context.Context, req payment.TerminalRequest) (*payment.TerminalCheckout, error)
}

type OnlineGateway interface {
	CreatePaymentLink(ctx context.Context, req payment.LinkRequest) (*payment.PaymentLink, error)
}

type options struct {
	clock    clock.Clock
	metrics  *metrics.Metrics
	currency string
}

type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithCurrency(currency string) Option {
	return func(o *options) { o.currency = currency }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.System{}, currency: "USD"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SessionKey is the serialization key for a lot and normalized plate.
func SessionKey(lot, plateKey string) string {
	return "session:" + lot + "|" + plateKey
}
