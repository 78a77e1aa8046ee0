package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"parking-service/internal/actuation"
	"parking-service/internal/domain/parking"
	"parking-service/internal/domain/payment"
	"parking-service/internal/repository"
)

const (
	ReconcileOrphan    = "orphan"
	ReconcileMerged    = "merged"
	ReconcileUnchanged = "unchanged"
	ReconcileCreated   = "created"
	ReconcileAdopted   = "adopted"
)

type ReconcileResult struct {
	Intent  *payment.Intent
	Outcome string
	// Paid is set when this call moved the linked session to paid.
	Paid     bool
	Unlinked bool
	Session  *parking.Session
	// Folded lists records of the same payment that were merged into Intent
	// and deleted.
	Folded []int64
}

// Reconciler folds gateway payment notifications into intents and sessions.
// Applying the same notification again is a no-op.
type Reconciler struct {
	repo     *repository.Repository
	actuator Actuator
	opts     options
	log      zerolog.Logger
}

func NewReconciler(repo *repository.Repository, actuator Actuator, log zerolog.Logger, opts ...Option) *Reconciler {
	return &Reconciler{
		repo:     repo,
		actuator: actuator,
		opts:     buildOptions(opts),
		log:      log,
	}
}

// Apply resolves the notification to an intent by checkout id, then order id,
// then gateway payment id, and merges it under the status priority order.
func (r *Reconciler) Apply(ctx context.Context, ev payment.StatusEvent) (*ReconcileResult, error) {
	snap := ev.Snapshot
	if snap.CheckoutID == "" && snap.OrderID == "" && snap.GatewayPaymentID == "" {
		return nil, fmt.Errorf("%w: payment event carries no correlation id", ErrInvalidInput)
	}

	res, err := r.retry(ctx, func(tx *repository.Repository) (*ReconcileResult, error) {
		now := r.opts.clock.Now()
		found, err := resolve(ctx, tx, snap.CheckoutID, snap.OrderID, snap.GatewayPaymentID)
		if err != nil {
			return nil, err
		}

		if len(found) == 0 {
			orphan := payment.Intent{Status: payment.StatusUnknown, Channel: payment.ChannelUnknown}
			orphan, _ = payment.Merge(orphan, snap)
			if err := tx.CreateIntent(ctx, &orphan, ev.Raw, now); err != nil {
				return nil, err
			}
			return &ReconcileResult{Intent: &orphan, Outcome: ReconcileOrphan, Unlinked: true}, nil
		}

		in := snap
		cur, folded, err := r.fold(ctx, tx, found, &in)
		if err != nil {
			return nil, err
		}
		merged, changed := payment.Merge(cur, in)
		out := &ReconcileResult{Intent: &merged, Outcome: ReconcileUnchanged, Folded: folded}
		if changed || len(folded) > 0 {
			if err := tx.UpdateIntent(ctx, &merged, ev.Raw, now); err != nil {
				return nil, err
			}
			out.Outcome = ReconcileMerged
		}
		if err := r.propagate(ctx, tx, out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		r.log.Error().
			Err(err).
			Str("event_id", ev.EventID).
			Str("payment_id", snap.GatewayPaymentID).
			Msg("payment reconciliation failed")
		return nil, err
	}

	logEvt := r.log.Info()
	if res.Outcome == ReconcileOrphan {
		logEvt = r.log.Warn().Str("anomaly", "orphan_payment")
	}
	logEvt.
		Str("event_id", ev.EventID).
		Str("kind", string(ev.Kind)).
		Int64("intent_id", res.Intent.ID).
		Str("payment_id", snap.GatewayPaymentID).
		Str("checkout_id", snap.CheckoutID).
		Str("order_id", snap.OrderID).
		Str("incoming_status", string(snap.Status)).
		Str("status", string(res.Intent.Status)).
		Str("outcome", res.Outcome).
		Ints64("folded", res.Folded).
		Msg("payment event reconciled")

	r.finish(ctx, res)
	return res, nil
}

// Register records an intent the orchestrator just created at the gateway. If
// a notification already produced an orphan for the same correlation keys,
// that record is adopted and linked to the session instead.
func (r *Reconciler) Register(ctx context.Context, intent *payment.Intent) (*payment.Intent, error) {
	res, err := r.retry(ctx, func(tx *repository.Repository) (*ReconcileResult, error) {
		now := r.opts.clock.Now()
		found, err := resolve(ctx, tx, intent.CheckoutID, intent.OrderID, intent.GatewayPaymentID)
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			created := *intent
			if err := tx.CreateIntent(ctx, &created, nil, now); err != nil {
				return nil, err
			}
			return &ReconcileResult{Intent: &created, Outcome: ReconcileCreated}, nil
		}

		cur, folded, err := r.fold(ctx, tx, found, nil)
		if err != nil {
			return nil, err
		}
		adopted, changed := payment.Adopt(cur, *intent)
		out := &ReconcileResult{Intent: &adopted, Outcome: ReconcileUnchanged, Folded: folded}
		if changed || len(folded) > 0 {
			if err := tx.UpdateIntent(ctx, &adopted, nil, now); err != nil {
				return nil, err
			}
			out.Outcome = ReconcileAdopted
		}
		if err := r.propagate(ctx, tx, out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	if res.Outcome == ReconcileAdopted {
		r.log.Info().
			Int64("intent_id", res.Intent.ID).
			Str("status", string(res.Intent.Status)).
			Msg("adopted payment intent created by an earlier notification")
	}
	r.finish(ctx, res)
	return res.Intent, nil
}

func (r *Reconciler) GetIntent(ctx context.Context, id int64) (*payment.Intent, error) {
	in, err := r.repo.GetIntent(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: payment intent %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	return in, nil
}

func (r *Reconciler) ListIntents(ctx context.Context, sessionID int64) ([]payment.Intent, error) {
	intents, err := r.repo.ListIntentsForSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment intents: %w", err)
	}
	return intents, nil
}

// FindIntent looks an intent up through the same chain callbacks use.
func (r *Reconciler) FindIntent(ctx context.Context, checkoutID, orderID, paymentID string) (*payment.Intent, error) {
	if checkoutID == "" && orderID == "" && paymentID == "" {
		return nil, fmt.Errorf("%w: one of checkout_id, order_id or payment_id is required", ErrInvalidInput)
	}
	found, err := resolve(ctx, r.repo, checkoutID, orderID, paymentID)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: payment intent", ErrNotFound)
	}
	return &found[0], nil
}

// propagate moves the linked session to paid when the merged intent completed.
func (r *Reconciler) propagate(ctx context.Context, tx *repository.Repository, out *ReconcileResult) error {
	if out.Intent.Status != payment.StatusCompleted {
		return nil
	}
	if out.Intent.SessionID == nil {
		out.Unlinked = true
		return nil
	}

	paid, err := tx.MarkPaid(ctx, *out.Intent.SessionID, out.Intent.GatewayPaymentID, r.opts.clock.Now())
	if err != nil {
		return err
	}
	if !paid {
		return nil
	}
	sess, err := tx.GetSession(ctx, *out.Intent.SessionID)
	if err != nil {
		return err
	}
	out.Paid = true
	out.Session = sess
	return nil
}

// finish runs after commit: metrics, anomaly logging and actuation.
func (r *Reconciler) finish(ctx context.Context, res *ReconcileResult) {
	r.opts.metrics.Reconciliation(res.Outcome)

	if res.Unlinked && res.Intent.Status == payment.StatusCompleted {
		r.log.Warn().
			Str("anomaly", "unlinked_completion").
			Int64("intent_id", res.Intent.ID).
			Str("payment_id", res.Intent.GatewayPaymentID).
			Msg("completed payment has no linked session, skipping actuation")
		return
	}
	if !res.Paid || res.Session == nil {
		return
	}

	r.opts.metrics.Reconciliation("paid")
	r.log.Info().
		Int64("session_id", res.Session.ID).
		Int64("intent_id", res.Intent.ID).
		Str("payment_id", res.Intent.GatewayPaymentID).
		Msg("session paid")

	scene := actuation.PaidScene(res.Session.DisplayPlate())
	scene.DeviceID = res.Session.Bindings.DisplayDeviceID
	r.actuator.ShowScene(ctx, scene)
	r.actuator.PulseGate(ctx, gateTarget(res.Session), actuation.PulsePayment)
}

// retry reruns fn on ErrConflict. A correlation key taken by a concurrent
// insert surfaces that way too, and the next attempt resolves and folds the
// record that took it.
func (r *Reconciler) retry(ctx context.Context, fn func(tx *repository.Repository) (*ReconcileResult, error)) (*ReconcileResult, error) {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var res *ReconcileResult
		err := r.repo.Tx(ctx, func(tx *repository.Repository) error {
			var err error
			res, err = fn(tx)
			return err
		})
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		r.log.Debug().Err(err).Int("attempt", attempt).Msg("payment intent write conflicted, retrying")
	}
	return nil, fmt.Errorf("%w: payment intent kept changing", repository.ErrConflict)
}

// resolve looks the payment up by checkout id, then order id, then gateway
// payment id and returns every distinct record found, in that order. More
// than one record means the ids reached us split across callbacks.
func resolve(ctx context.Context, tx *repository.Repository, checkoutID, orderID, paymentID string) ([]payment.Intent, error) {
	chain := []struct {
		key   repository.IntentKey
		value string
	}{
		{repository.KeyCheckoutID, checkoutID},
		{repository.KeyOrderID, orderID},
		{repository.KeyGatewayPaymentID, paymentID},
	}
	var found []payment.Intent
	seen := make(map[int64]bool, len(chain))
	for _, step := range chain {
		if step.value == "" {
			continue
		}
		in, err := tx.FindIntentBy(ctx, step.key, step.value)
		if err != nil {
			return nil, fmt.Errorf("resolve intent by %s: %w", step.key, err)
		}
		if in != nil && !seen[in.ID] {
			seen[in.ID] = true
			found = append(found, *in)
		}
	}
	return found, nil
}

// fold collapses the records resolve found into one. The first record linked
// to a session is kept, or the first found when none is linked. Unlinked
// records and records linked to the same session are folded in and deleted.
// A record linked to another session is left alone, and the keys it holds are
// cleared from snap so the kept record never claims them.
func (r *Reconciler) fold(ctx context.Context, tx *repository.Repository, found []payment.Intent, snap *payment.Snapshot) (payment.Intent, []int64, error) {
	keep := 0
	for i, in := range found {
		if in.SessionID != nil {
			keep = i
			break
		}
	}
	cur := found[keep]

	var folded []int64
	for i, dup := range found {
		if i == keep {
			continue
		}
		if dup.SessionID != nil && cur.SessionID != nil && *dup.SessionID != *cur.SessionID {
			r.log.Warn().
				Str("anomaly", "payment_keys_span_sessions").
				Int64("intent_id", cur.ID).
				Int64("other_intent_id", dup.ID).
				Msg("payment ids resolve to intents of different sessions")
			if snap != nil {
				release(snap, dup)
			}
			continue
		}
		if err := tx.DeleteIntent(ctx, dup.ID, dup.Version); err != nil {
			return payment.Intent{}, nil, err
		}
		cur, _ = payment.Fold(cur, dup)
		folded = append(folded, dup.ID)
	}
	return cur, folded, nil
}

func release(snap *payment.Snapshot, holder payment.Intent) {
	if snap.CheckoutID != "" && snap.CheckoutID == holder.CheckoutID {
		snap.CheckoutID = ""
	}
	if snap.OrderID != "" && snap.OrderID == holder.OrderID {
		snap.OrderID = ""
	}
	if snap.GatewayPaymentID != "" && snap.GatewayPaymentID == holder.GatewayPaymentID {
		snap.GatewayPaymentID = ""
	}
}
