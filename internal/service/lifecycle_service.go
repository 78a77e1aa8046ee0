package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"parking-service/internal/actuation"
	"parking-service/internal/domain/parking"
	"parking-service/internal/domain/payment"
	"parking-service/internal/fee"
	"parking-service/internal/lock"
	"parking-service/internal/repository"
	"parking-service/internal/utils"
)

// PaymentInitiator starts payment collection for an exited session.
type PaymentInitiator interface {
	Initiate(ctx context.Context, s *parking.Session) InitiationOutcome
}

type TransitionResult struct {
	Transition parking.Transition
	Session    *parking.Session
	Payment    *InitiationOutcome
}

type SessionDetail struct {
	Session parking.Session  `json:"session"`
	Intents []payment.Intent `json:"intents"`
}

type LifecycleService struct {
	repo     *repository.Repository
	locker   lock.Locker
	fees     fee.Calculator
	payments PaymentInitiator
	actuator Actuator
	opts     options
	log      zerolog.Logger
}

func NewLifecycleService(
	repo *repository.Repository,
	locker lock.Locker,
	fees fee.Calculator,
	payments PaymentInitiator,
	actuator Actuator,
	log zerolog.Logger,
	opts ...Option,
) *LifecycleService {
	return &LifecycleService{
		repo:     repo,
		locker:   locker,
		fees:     fees,
		payments: payments,
		actuator: actuator,
		opts:     buildOptions(opts),
		log:      log,
	}
}

// HandleEvent applies an accepted device event to the session for its lot and
// plate. Gateway calls and device commands happen after the session lock is
// released.
func (s *LifecycleService) HandleEvent(ctx context.Context, ev parking.Event) (*TransitionResult, error) {
	if strings.TrimSpace(ev.LotCode) == "" {
		return nil, fmt.Errorf("%w: lot code is required", ErrInvalidInput)
	}
	if _, ok := parking.ParseDirection(string(ev.Direction)); !ok {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidInput, ev.Direction)
	}
	plateKey := utils.NormalizePlate(ev.Plate)
	if plateKey == "" {
		return nil, fmt.Errorf("%w: plate cannot be empty after normalization", ErrInvalidInput)
	}

	res, err := s.transition(ctx, ev, plateKey)
	if err != nil {
		s.log.Error().
			Err(err).
			Str("lot", ev.LotCode).
			Str("plate", plateKey).
			Str("direction", string(ev.Direction)).
			Msg("session transition failed")
		return nil, err
	}

	s.opts.metrics.Transition(string(res.Transition))
	s.log.Info().
		Int64("session_id", res.Session.ID).
		Str("lot", ev.LotCode).
		Str("plate", plateKey).
		Str("transition", string(res.Transition)).
		Str("status", string(res.Session.Status)).
		Msg("session transition applied")

	switch res.Transition {
	case parking.TransitionNewEntry, parking.TransitionRepeatEntry:
		s.actuator.PulseGate(ctx, gateTarget(res.Session), actuation.PulseEntry)
		scene := actuation.EntryScene(res.Session.DisplayPlate())
		scene.DeviceID = res.Session.Bindings.DisplayDeviceID
		s.actuator.ShowScene(ctx, scene)

	case parking.TransitionNormalExit:
		if res.Session.FeeCents != nil && *res.Session.FeeCents > 0 && s.payments != nil {
			outcome := s.payments.Initiate(ctx, res.Session)
			res.Payment = &outcome
			if refreshed, err := s.repo.GetSession(ctx, res.Session.ID); err == nil {
				res.Session = refreshed
			} else {
				s.log.Warn().Err(err).Int64("session_id", res.Session.ID).Msg("failed to reload session after payment initiation")
			}
		}
		s.showPaymentDue(ctx, res.Session)

	case parking.TransitionExitOnlyNew, parking.TransitionExitOnlyRepeat:
		s.log.Warn().
			Int64("session_id", res.Session.ID).
			Str("lot", ev.LotCode).
			Str("plate", plateKey).
			Msg("exit without matching entry")
	}

	return res, nil
}

func (s *LifecycleService) transition(ctx context.Context, ev parking.Event, plateKey string) (*TransitionResult, error) {
	unlock, err := s.locker.Lock(ctx, SessionKey(ev.LotCode, plateKey))
	if err != nil {
		return nil, fmt.Errorf("lock session key: %w", err)
	}
	defer unlock()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var res *TransitionResult
		err := s.repo.Tx(ctx, func(tx *repository.Repository) error {
			var err error
			res, err = s.apply(ctx, tx, ev, plateKey)
			return err
		})
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
		s.log.Debug().Err(err).Int("attempt", attempt).Str("plate", plateKey).Msg("session transition conflicted, retrying")
	}
	return nil, fmt.Errorf("%w: session %s/%s kept changing", repository.ErrConflict, ev.LotCode, plateKey)
}

func (s *LifecycleService) apply(ctx context.Context, tx *repository.Repository, ev parking.Event, plateKey string) (*TransitionResult, error) {
	lookup, err := tx.Lookup(ctx, ev.LotCode, plateKey)
	if err != nil {
		return nil, err
	}
	t, err := parking.Decide(ev.Direction, lookup)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	now := s.opts.clock.Now()
	det := parking.Detection{
		Plate:          strings.TrimSpace(ev.Plate),
		Time:           now,
		EventTimestamp: ev.Timestamp,
		Snapshot:       ev.Snapshot,
		Meta:           ev.Meta,
	}

	var sess *parking.Session
	switch t {
	case parking.TransitionNewEntry:
		sess, err = tx.UpsertEntry(ctx, ev.LotCode, plateKey, det, ev.Bindings, now)

	case parking.TransitionRepeatEntry:
		if err := t.Apply(lookup.Entered.Status); err != nil {
			return nil, err
		}
		sess, err = tx.UpsertEntry(ctx, ev.LotCode, plateKey, det, lookup.Entered.Bindings.Overlay(ev.Bindings), now)

	case parking.TransitionNormalExit:
		open := lookup.Entered
		if err := t.Apply(open.Status); err != nil {
			return nil, err
		}
		update := repository.ExitUpdate{
			Detection: det,
			Bindings:  open.Bindings.Overlay(ev.Bindings),
		}
		if open.Entry != nil && !open.Entry.Time.IsZero() {
			dwell := int64(now.Sub(open.Entry.Time) / time.Second)
			if dwell < 0 {
				dwell = 0
			}
			minutes, cents := s.fees.Fee(dwell)
			update.DwellSeconds, update.BilledMinutes, update.FeeCents = &dwell, &minutes, &cents
		}
		sess, err = tx.CompleteExit(ctx, open.ID, update, now)

	case parking.TransitionExitOnlyNew:
		sess, err = tx.UpsertExitOnly(ctx, ev.LotCode, plateKey, det, ev.Bindings, now)

	case parking.TransitionExitOnlyRepeat:
		if err := t.Apply(lookup.ExitOnly.Status); err != nil {
			return nil, err
		}
		sess, err = tx.UpsertExitOnly(ctx, ev.LotCode, plateKey, det, lookup.ExitOnly.Bindings.Overlay(ev.Bindings), now)
	}
	if err != nil {
		return nil, err
	}
	return &TransitionResult{Transition: t, Session: sess}, nil
}

func (s *LifecycleService) showPaymentDue(ctx context.Context, sess *parking.Session) {
	if sess.FeeCents == nil || sess.PaymentStatus == parking.PaymentPaid {
		return
	}
	var dwell time.Duration
	if sess.DwellSeconds != nil {
		dwell = time.Duration(*sess.DwellSeconds) * time.Second
	}
	scene := actuation.PaymentDueScene(sess.DisplayPlate(), dwell, *sess.FeeCents, s.opts.currency, sess.PaymentURL)
	scene.DeviceID = sess.Bindings.DisplayDeviceID
	s.actuator.ShowScene(ctx, scene)
}

// RefreshDisplay re-sends the payment scene for the latest exited session on
// the lot, narrowed to plate when one is given. deviceID overrides the
// session's display binding when set.
func (s *LifecycleService) RefreshDisplay(ctx context.Context, lot, plate, deviceID string) (*parking.Session, error) {
	if strings.TrimSpace(lot) == "" {
		return nil, fmt.Errorf("%w: lot code is required", ErrInvalidInput)
	}
	sess, err := s.repo.LatestExited(ctx, lot, utils.NormalizePlate(plate))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find exited session: %w", err)
	}
	s.display(ctx, sess, deviceID)
	return sess, nil
}

// ResendDisplay re-sends the payment scene for one exited session.
func (s *LifecycleService) ResendDisplay(ctx context.Context, id int64, deviceID string) (*parking.Session, error) {
	sess, err := s.exitedSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if deviceID == "" && sess.Bindings.DisplayDeviceID == "" {
		return nil, fmt.Errorf("%w: session %d has no display device", ErrInvalidInput, id)
	}
	s.display(ctx, sess, deviceID)
	return sess, nil
}

func (s *LifecycleService) display(ctx context.Context, sess *parking.Session, deviceID string) {
	if deviceID != "" {
		sess.Bindings.DisplayDeviceID = deviceID
	}
	if sess.PaymentStatus == parking.PaymentPaid {
		scene := actuation.PaidScene(sess.DisplayPlate())
		scene.DeviceID = sess.Bindings.DisplayDeviceID
		s.actuator.ShowScene(ctx, scene)
		return
	}
	s.showPaymentDue(ctx, sess)
}

// InitiatePayment requests payment again for an exited, unpaid session. The
// session's own payment device wins over deviceID, which wins over the
// configured default.
func (s *LifecycleService) InitiatePayment(ctx context.Context, id int64, deviceID string) (*TransitionResult, error) {
	if s.payments == nil {
		return nil, fmt.Errorf("%w: payment initiation is not configured", ErrInvalidState)
	}
	sess, err := s.exitedSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.FeeCents == nil || *sess.FeeCents <= 0 {
		return nil, fmt.Errorf("%w: session %d has no fee to collect", ErrInvalidState, id)
	}
	if sess.PaymentStatus == parking.PaymentPaid {
		return nil, fmt.Errorf("%w: session %d is already paid", ErrInvalidState, id)
	}
	if sess.Bindings.PaymentDeviceID == "" {
		sess.Bindings.PaymentDeviceID = deviceID
	}

	outcome := s.payments.Initiate(ctx, sess)
	s.log.Info().
		Int64("session_id", id).
		Bool("terminal_ok", outcome.Terminal.OK).
		Bool("online_ok", outcome.Online.OK).
		Msg("payment initiated manually")

	res := &TransitionResult{Session: sess, Payment: &outcome}
	if refreshed, err := s.repo.GetSession(ctx, id); err == nil {
		res.Session = refreshed
	}
	s.showPaymentDue(ctx, res.Session)
	return res, nil
}

func (s *LifecycleService) exitedSession(ctx context.Context, id int64) (*parking.Session, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if sess.Status != parking.StatusExited {
		return nil, fmt.Errorf("%w: session %d is %s", ErrInvalidState, id, sess.Status)
	}
	return sess, nil
}

// Stats counts sessions on a lot, or on every lot when lot is empty.
func (s *LifecycleService) Stats(ctx context.Context, lot string) (*parking.SessionStats, error) {
	stats, err := s.repo.SessionStats(ctx, strings.TrimSpace(lot))
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}
	return stats, nil
}

func (s *LifecycleService) GetSession(ctx context.Context, id int64) (*SessionDetail, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	intents, err := s.repo.ListIntentsForSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment intents: %w", err)
	}
	return &SessionDetail{Session: *sess, Intents: intents}, nil
}

func (s *LifecycleService) ListSessions(ctx context.Context, lot, plate, status string, limit, offset int) ([]parking.Session, error) {
	f := parking.SessionFilter{
		LotCode:  strings.TrimSpace(lot),
		PlateKey: utils.NormalizePlate(plate),
		Limit:    limit,
		Offset:   offset,
	}
	if status != "" {
		switch st := parking.Status(status); st {
		case parking.StatusEntered, parking.StatusExited, parking.StatusExitOnly:
			f.Status = st
		default:
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
		}
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}

	sessions, err := s.repo.ListSessions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func gateTarget(s *parking.Session) actuation.GateTarget {
	return actuation.GateTarget{
		Lot:     s.LotCode,
		GateID:  s.Bindings.GateID,
		Channel: s.Bindings.GateChannel,
	}
}
