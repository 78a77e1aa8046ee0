package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-service/internal/domain/parking"
	"parking-service/internal/domain/payment"
)

func exitedSession(t *testing.T, h *harness) *parking.Session {
	t.Helper()
	ctx := context.Background()
	_, err := h.lifecycle.HandleEvent(ctx, entryEvent("0001", "ABC123"))
	require.NoError(t, err)
	h.clock.Advance(185 * time.Second)

	// Exit without initiation so each test drives the orchestrator itself.
	h.lifecycle.payments = nil
	res, err := h.lifecycle.HandleEvent(ctx, exitEvent("0001", "ABC123"))
	require.NoError(t, err)
	h.lifecycle.payments = h.orch
	return res.Session
}

func TestInitiateBothChannels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := exitedSession(t, h)
	require.Equal(t, int64(200), *sess.FeeCents)

	out := h.orch.Initiate(ctx, sess)
	require.True(t, out.Terminal.OK)
	require.True(t, out.Online.OK)

	assert.Equal(t, payment.ChannelTerminal, out.Terminal.Intent.Channel)
	assert.Equal(t, payment.StatusPending, out.Terminal.Intent.Status)
	assert.Equal(t, "chk-1", out.Terminal.Intent.CheckoutID)
	assert.Equal(t, payment.ChannelOnline, out.Online.Intent.Channel)
	assert.Equal(t, "https://pay.example/1", out.Online.PaymentURL)

	intents, err := h.repo.ListIntentsForSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, intents, 2)
	for _, in := range intents {
		assert.Equal(t, int64(200), in.AmountCents)
		assert.Equal(t, "USD", in.Currency)
	}

	got, err := h.repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, parking.PaymentPending, got.PaymentStatus)
	assert.Equal(t, "https://pay.example/1", got.PaymentURL)

	require.Len(t, h.online.calls, 1)
	assert.Equal(t, "loc-1", h.online.calls[0].LocationID)
	assert.Equal(t, 1.0, h.metrics.Count("initiations", "terminal", "ok"))
	assert.Equal(t, 1.0, h.metrics.Count("initiations", "online", "ok"))
}

func TestInitiateOneChannelFailureDoesNotBlockOther(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := exitedSession(t, h)

	h.terminal.fn = func(context.Context, payment.TerminalRequest) (*payment.TerminalCheckout, error) {
		return nil, errors.New("device offline")
	}

	out := h.orch.Initiate(ctx, sess)
	assert.False(t, out.Terminal.OK)
	assert.EqualError(t, out.Terminal.Err, "device offline")
	assert.True(t, out.Online.OK)
	assert.True(t, out.AnySucceeded())

	intents, err := h.repo.ListIntentsForSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, payment.ChannelOnline, intents[0].Channel)

	got, err := h.repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, parking.PaymentPending, got.PaymentStatus)
	assert.Equal(t, 1.0, h.metrics.Count("initiations", "terminal", "failed"))
}

func TestInitiateTimeoutIsChannelFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := exitedSession(t, h)
	h.orch.cfg.Timeout = 20 * time.Millisecond

	h.online.fn = func(ctx context.Context, _ payment.LinkRequest) (*payment.PaymentLink, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	out := h.orch.Initiate(ctx, sess)
	assert.True(t, out.Terminal.OK)
	assert.False(t, out.Online.OK)
	assert.ErrorIs(t, out.Online.Err, context.DeadlineExceeded)
	assert.Equal(t, 1.0, h.metrics.Count("initiations", "online", "timeout"))

	got, err := h.repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, parking.PaymentPending, got.PaymentStatus)
	assert.Empty(t, got.PaymentURL)
}

func TestInitiateBothChannelsFail(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := exitedSession(t, h)

	fail := errors.New("gateway down")
	h.terminal.fn = func(context.Context, payment.TerminalRequest) (*payment.TerminalCheckout, error) { return nil, fail }
	h.online.fn = func(context.Context, payment.LinkRequest) (*payment.PaymentLink, error) { return nil, fail }

	out := h.orch.Initiate(ctx, sess)
	assert.False(t, out.AnySucceeded())

	got, err := h.repo.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, parking.PaymentUnset, got.PaymentStatus)
}

func TestInitiateFallsBackToDefaultDevice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := exitedSession(t, h)
	sess.Bindings.PaymentDeviceID = ""

	out := h.orch.Initiate(ctx, sess)
	require.True(t, out.Terminal.OK)
	require.Len(t, h.terminal.calls, 1)
	assert.Equal(t, "default-device", h.terminal.calls[0].DeviceID)

	h.orch.cfg.DefaultDeviceID = ""
	out = h.orch.Initiate(ctx, sess)
	assert.False(t, out.Terminal.OK)
	assert.ErrorIs(t, out.Terminal.Err, ErrChannelUnavailable)
	assert.Len(t, h.terminal.calls, 1)
}

func TestInitiateSkipsZeroFee(t *testing.T) {
	h := newHarness(t)
	zero := int64(0)
	out := h.orch.Initiate(context.Background(), &parking.Session{ID: 7, FeeCents: &zero})
	assert.False(t, out.AnySucceeded())
	assert.ErrorIs(t, out.Terminal.Err, ErrInvalidInput)
	assert.Empty(t, h.terminal.calls)
	assert.Empty(t, h.online.calls)
}
