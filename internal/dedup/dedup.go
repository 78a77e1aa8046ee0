package dedup

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"parking-service/internal/clock"
	"parking-service/internal/domain/parking"
	"parking-service/internal/utils"
)

// Store holds the last accepted event timestamp per key.
//
// CheckAndSet must be atomic per key: it reports duplicate when a timestamp
// exists within window of ts, and otherwise records ts (if newer) and reports
// new. Sweep drops entries whose timestamp is before cutoff.
type Store interface {
	CheckAndSet(ctx context.Context, key string, ts time.Time, window time.Duration) (duplicate bool, err error)
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
	Len(ctx context.Context) (int, error)
}

type Result struct {
	Duplicate bool
	// Flagged is set when the event could not be checked (bad timestamp or
	// store failure) and was let through.
	Flagged bool
	Reason  string
}

type Deduplicator struct {
	store    Store
	window   time.Duration
	layout   string
	location *time.Location
	clock    clock.Clock
	log      zerolog.Logger
}

type Option func(*Deduplicator)

func WithLayout(layout string) Option {
	return func(d *Deduplicator) { d.layout = layout }
}

func WithLocation(loc *time.Location) Option {
	return func(d *Deduplicator) { d.location = loc }
}

func WithClock(c clock.Clock) Option {
	return func(d *Deduplicator) { d.clock = c }
}

func WithLogger(log zerolog.Logger) Option {
	return func(d *Deduplicator) { d.log = log }
}

func New(store Store, window time.Duration, opts ...Option) *Deduplicator {
	d := &Deduplicator{
		store:    store,
		window:   window,
		layout:   time.DateTime,
		location: time.Local,
		clock:    clock.System{},
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func Key(lot, plate string, dir parking.Direction) string {
	return lot + "|" + utils.NormalizePlate(plate) + "|" + string(dir)
}

// Classify decides whether an event is new or a repeat of one already seen for
// the same lot, plate and direction. Ordering uses the timestamp embedded in the
// event, not receipt time.
func (d *Deduplicator) Classify(ctx context.Context, lot, plate string, dir parking.Direction, eventTimestamp string) Result {
	key := Key(lot, plate, dir)

	ts, err := time.ParseInLocation(d.layout, strings.TrimSpace(eventTimestamp), d.location)
	if err != nil {
		d.log.Warn().
			Str("anomaly", "unparsed_timestamp").
			Str("key", key).
			Str("timestamp", eventTimestamp).
			Msg("dedup timestamp unparseable, letting event through")
		return Result{Flagged: true, Reason: "unparsed_timestamp"}
	}

	dup, err := d.store.CheckAndSet(ctx, key, ts, d.window)
	if err != nil {
		d.log.Error().Err(err).Str("key", key).Msg("dedup store failed, letting event through")
		return Result{Flagged: true, Reason: "store_error"}
	}
	if dup {
		d.log.Debug().Str("key", key).Time("event_time", ts).Msg("duplicate event suppressed")
	}
	return Result{Duplicate: dup}
}

// Sweep evicts entries older than the window.
func (d *Deduplicator) Sweep(ctx context.Context) (int, error) {
	cutoff := d.clock.Now().In(d.location).Add(-d.window)
	return d.store.Sweep(ctx, cutoff)
}

// Run sweeps every interval until ctx is cancelled. report, when set, receives
// the store size after each sweep.
func (d *Deduplicator) Run(ctx context.Context, interval time.Duration, report func(size int)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted, err := d.Sweep(ctx)
			if err != nil {
				d.log.Error().Err(err).Msg("dedup sweep failed")
				continue
			}
			size, err := d.store.Len(ctx)
			if err != nil {
				d.log.Error().Err(err).Msg("dedup size failed")
				continue
			}
			if evicted > 0 {
				d.log.Debug().Int("evicted", evicted).Int("size", size).Msg("dedup sweep")
			}
			if report != nil {
				report(size)
			}
		}
	}
}
