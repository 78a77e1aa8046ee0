package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"parking-service/internal/domain/parking"
	"parking-service/internal/domain/payment"
	"parking-service/internal/lock"
	"parking-service/internal/repository"
)

var ErrChannelUnavailable = errors.New("payment channel unavailable")

type ChannelOutcome struct {
	Channel    payment.Channel
	OK         bool
	Intent     *payment.Intent
	PaymentURL string
	Err        error
}

type InitiationOutcome struct {
	Terminal ChannelOutcome
	Online   ChannelOutcome
}

func (o InitiationOutcome) AnySucceeded() bool {
	return o.Terminal.OK || o.Online.OK
}

type OrchestratorConfig struct {
	Currency        string
	DefaultDeviceID string
	LocationID      string
	Description     string
	Timeout         time.Duration
}

// Orchestrator requests payment on the terminal and online channels at once.
// Each channel succeeds or fails on its own.
type Orchestrator struct {
	terminal   TerminalGateway
	online     OnlineGateway
	reconciler *Reconciler
	repo       *repository.Repository
	locker     lock.Locker
	cfg        OrchestratorConfig
	opts       options
	log        zerolog.Logger
}

func NewOrchestrator(
	terminal TerminalGateway,
	online OnlineGateway,
	reconciler *Reconciler,
	repo *repository.Repository,
	locker lock.Locker,
	cfg OrchestratorConfig,
	log zerolog.Logger,
	opts ...Option,
) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Description == "" {
		cfg.Description = "Parking Fee"
	}
	return &Orchestrator{
		terminal:   terminal,
		online:     online,
		reconciler: reconciler,
		repo:       repo,
		locker:     locker,
		cfg:        cfg,
		opts:       buildOptions(opts),
		log:        log,
	}
}

func (o *Orchestrator) Initiate(ctx context.Context, s *parking.Session) InitiationOutcome {
	out := InitiationOutcome{
		Terminal: ChannelOutcome{Channel: payment.ChannelTerminal},
		Online:   ChannelOutcome{Channel: payment.ChannelOnline},
	}
	if s.FeeCents == nil || *s.FeeCents <= 0 {
		out.Terminal.Err = fmt.Errorf("%w: nothing to pay", ErrInvalidInput)
		out.Online.Err = out.Terminal.Err
		return out
	}

	var g errgroup.Group
	g.Go(func() error {
		out.Terminal = o.initiateTerminal(ctx, s)
		return nil
	})
	g.Go(func() error {
		out.Online = o.initiateOnline(ctx, s)
		return nil
	})
	_ = g.Wait()

	if out.AnySucceeded() {
		o.markPending(ctx, s, out.Online.PaymentURL)
	}

	o.log.Info().
		Int64("session_id", s.ID).
		Int64("fee_cents", *s.FeeCents).
		Bool("terminal_ok", out.Terminal.OK).
		Bool("online_ok", out.Online.OK).
		Msg("payment initiation finished")
	return out
}

func (o *Orchestrator) initiateTerminal(ctx context.Context, s *parking.Session) ChannelOutcome {
	res := ChannelOutcome{Channel: payment.ChannelTerminal}
	if o.terminal == nil {
		return o.channelFailed(s, res, ErrChannelUnavailable)
	}
	deviceID := s.Bindings.PaymentDeviceID
	if deviceID == "" {
		deviceID = o.cfg.DefaultDeviceID
	}
	if deviceID == "" {
		return o.channelFailed(s, res, fmt.Errorf("%w: no terminal device bound", ErrChannelUnavailable))
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	checkout, err := o.terminal.CreateTerminalCheckout(callCtx, payment.TerminalRequest{
		SessionID:   s.ID,
		AmountCents: *s.FeeCents,
		Currency:    o.opts.currency,
		Description: o.description(s),
		DeviceID:    deviceID,
	})
	cancel()
	if err != nil {
		return o.channelFailed(s, res, err)
	}

	status := payment.StatusPending
	if checkout.Status.Priority() > status.Priority() {
		status = checkout.Status
	}
	intent := &payment.Intent{
		SessionID:   &s.ID,
		Channel:     payment.ChannelTerminal,
		Status:      status,
		AmountCents: *s.FeeCents,
		Currency:    o.opts.currency,
		CheckoutID:  checkout.CheckoutID,
		OrderID:     checkout.OrderID,
		ReferenceID: checkout.ReferenceID,
		DeviceID:    checkout.DeviceID,
	}
	if intent.DeviceID == "" {
		intent.DeviceID = deviceID
	}
	return o.record(ctx, s, res, intent)
}

func (o *Orchestrator) initiateOnline(ctx context.Context, s *parking.Session) ChannelOutcome {
	res := ChannelOutcome{Channel: payment.ChannelOnline}
	if o.online == nil {
		return o.channelFailed(s, res, ErrChannelUnavailable)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	link, err := o.online.CreatePaymentLink(callCtx, payment.LinkRequest{
		SessionID:   s.ID,
		AmountCents: *s.FeeCents,
		Currency:    o.opts.currency,
		Description: o.description(s),
		LocationID:  o.cfg.LocationID,
	})
	cancel()
	if err != nil {
		return o.channelFailed(s, res, err)
	}

	intent := &payment.Intent{
		SessionID:     &s.ID,
		Channel:       payment.ChannelOnline,
		Status:        payment.StatusPending,
		AmountCents:   *s.FeeCents,
		Currency:      o.opts.currency,
		OrderID:       link.OrderID,
		PaymentLinkID: link.PaymentLinkID,
		PaymentURL:    link.URL,
		LocationID:    o.cfg.LocationID,
	}
	res.PaymentURL = link.URL
	return o.record(ctx, s, res, intent)
}

func (o *Orchestrator) record(ctx context.Context, s *parking.Session, res ChannelOutcome, intent *payment.Intent) ChannelOutcome {
	recorded, err := o.reconciler.Register(ctx, intent)
	if err != nil {
		o.log.Error().
			Err(err).
			Int64("session_id", s.ID).
			Str("channel", string(res.Channel)).
			Str("checkout_id", intent.CheckoutID).
			Str("order_id", intent.OrderID).
			Msg("payment initiated but intent could not be recorded")
		o.opts.metrics.Initiation(string(res.Channel), "unrecorded")
		res.Err = err
		return res
	}
	o.opts.metrics.Initiation(string(res.Channel), "ok")
	res.OK = true
	res.Intent = recorded
	return res
}

func (o *Orchestrator) channelFailed(s *parking.Session, res ChannelOutcome, err error) ChannelOutcome {
	outcome := "failed"
	if errors.Is(err, context.DeadlineExceeded) {
		outcome = "timeout"
	}
	o.opts.metrics.Initiation(string(res.Channel), outcome)
	o.log.Warn().
		Err(err).
		Int64("session_id", s.ID).
		Str("channel", string(res.Channel)).
		Str("outcome", outcome).
		Msg("payment channel initiation failed")
	res.Err = err
	return res
}

// markPending re-takes the session lock briefly to record that payment is
// underway. A session already marked paid is left alone.
func (o *Orchestrator) markPending(ctx context.Context, s *parking.Session, url string) {
	unlock, err := o.locker.Lock(ctx, SessionKey(s.LotCode, s.PlateKey))
	if err != nil {
		o.log.Warn().Err(err).Int64("session_id", s.ID).Msg("could not lock session to mark payment pending")
		return
	}
	defer unlock()

	if err := o.repo.MarkPaymentPending(ctx, s.ID, url, o.opts.clock.Now()); err != nil {
		o.log.Error().Err(err).Int64("session_id", s.ID).Msg("failed to mark payment pending")
	}
}

func (o *Orchestrator) description(s *parking.Session) string {
	return fmt.Sprintf("%s %s/%s", o.cfg.Description, s.LotCode, s.DisplayPlate())
}
