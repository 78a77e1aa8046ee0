package ingest

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrPoolClosed = errors.New("ingest pool closed")

type HandleFunc func(ctx context.Context, topic string, payload []byte) error

type job struct {
	topic   string
	payload []byte
}

// Pool runs a fixed number of workers over a bounded queue. Handler errors
// are logged and never reach the transport.
type Pool struct {
	queue   chan job
	done    chan struct{}
	workers int
	handle  HandleFunc
	log     zerolog.Logger
}

func NewPool(workers, queueSize int, handle HandleFunc, log zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		queue:   make(chan job, queueSize),
		done:    make(chan struct{}),
		workers: workers,
		handle:  handle,
		log:     log,
	}
}

// Submit blocks until the message is queued, ctx ends or the pool stops.
func (p *Pool) Submit(ctx context.Context, topic string, payload []byte) error {
	select {
	case p.queue <- job{topic: topic, payload: payload}:
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes messages until ctx is canceled.
func (p *Pool) Run(ctx context.Context) error {
	defer close(p.done)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-p.queue:
					p.process(ctx, j)
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pool) process(ctx context.Context, j job) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error().Interface("panic", rec).Str("topic", j.topic).Msg("device message handler panicked")
		}
	}()
	if err := p.handle(ctx, j.topic, j.payload); err != nil {
		evt := p.log.Error()
		if errors.Is(err, ErrMalformed) {
			evt = p.log.Warn()
		}
		evt.Err(err).Str("topic", j.topic).Int("bytes", len(j.payload)).Msg("device message dropped")
	}
}
