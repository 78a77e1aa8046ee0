package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"parking-service/internal/clock"
	"parking-service/internal/dedup"
	"parking-service/internal/domain/parking"
	"parking-service/internal/metrics"
	"parking-service/internal/service"
	"parking-service/internal/utils"
)

const (
	kindCamera  = "camera"
	kindDisplay = "LED"
)

type Lifecycle interface {
	HandleEvent(ctx context.Context, ev parking.Event) (*service.TransitionResult, error)
	RefreshDisplay(ctx context.Context, lot, plate, deviceID string) (*parking.Session, error)
}

// Router dispatches device messages by topic: camera detections pass the
// deduplicator before reaching the lifecycle, display requests go straight to
// the lifecycle's refresh.
type Router struct {
	dedup     *dedup.Deduplicator
	lifecycle Lifecycle
	metrics   *metrics.Metrics
	clock     clock.Clock
	log       zerolog.Logger
}

func NewRouter(d *dedup.Deduplicator, lifecycle Lifecycle, m *metrics.Metrics, c clock.Clock, log zerolog.Logger) *Router {
	if c == nil {
		c = clock.System{}
	}
	return &Router{dedup: d, lifecycle: lifecycle, metrics: m, clock: c, log: log}
}

func (r *Router) Handle(ctx context.Context, topic string, payload []byte) error {
	lot, ok := utils.LotFromTopic(topic)
	if !ok {
		return fmt.Errorf("%w: topic %q has no lot code", ErrMalformed, topic)
	}

	switch utils.TopicKind(topic) {
	case kindCamera:
		return r.handleCamera(ctx, lot, payload)
	case kindDisplay:
		return r.handleDisplay(ctx, lot, payload)
	}
	return fmt.Errorf("%w: unrouted topic %q", ErrMalformed, topic)
}

func (r *Router) handleCamera(ctx context.Context, lot string, payload []byte) error {
	ev, err := decodeCamera(lot, payload, r.clock.Now())
	if err != nil {
		r.metrics.Event("unknown", "malformed")
		return err
	}
	dir := string(ev.Direction)

	res := r.dedup.Classify(ctx, lot, ev.Plate, ev.Direction, ev.Timestamp)
	if res.Duplicate {
		r.metrics.Event(dir, "duplicate")
		r.log.Debug().
			Str("lot", lot).
			Str("plate", ev.Plate).
			Str("direction", dir).
			Str("timestamp", ev.Timestamp).
			Msg("duplicate detection dropped")
		return nil
	}
	if res.Flagged {
		r.metrics.Event(dir, "flagged")
	}

	if _, err := r.lifecycle.HandleEvent(ctx, ev); err != nil {
		r.metrics.Event(dir, "failed")
		return err
	}
	r.metrics.Event(dir, "accepted")
	return nil
}

func (r *Router) handleDisplay(ctx context.Context, lot string, payload []byte) error {
	plate, deviceID, err := decodeDisplayRequest(payload)
	if err != nil {
		return err
	}
	if _, err := r.lifecycle.RefreshDisplay(ctx, lot, plate, deviceID); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			r.log.Warn().Str("lot", lot).Str("plate", plate).Msg("no exited session for display request")
			return nil
		}
		return err
	}
	return nil
}
