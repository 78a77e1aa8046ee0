package actuation

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"parking-service/internal/clock"
	"parking-service/internal/config"
	"parking-service/internal/metrics"
)

// Publisher delivers a payload to a device topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Dispatcher turns lifecycle and payment triggers into device commands.
// Delivery is best effort: failures are logged and counted, never returned.
type Dispatcher struct {
	pub     Publisher
	cfg     config.ActuationConfig
	clock   clock.Clock
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewDispatcher(pub Publisher, cfg config.ActuationConfig, c clock.Clock, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	if c == nil {
		c = clock.System{}
	}
	return &Dispatcher{
		pub:     pub,
		cfg:     cfg,
		clock:   c,
		metrics: m,
		log:     log,
	}
}

func (d *Dispatcher) pulseDuration(kind PulseKind) time.Duration {
	dur := d.cfg.EntryPulse
	if kind == PulsePayment {
		dur = d.cfg.PaymentPulse
	}
	if d.cfg.MaxPulse > 0 && dur > d.cfg.MaxPulse {
		dur = d.cfg.MaxPulse
	}
	if dur < 100*time.Millisecond {
		dur = 100 * time.Millisecond
	}
	return dur
}

func (d *Dispatcher) PulseGate(ctx context.Context, target GateTarget, kind PulseKind) {
	if target.Lot == "" || target.GateID == "" {
		d.log.Warn().
			Str("lot", target.Lot).
			Str("pulse", string(kind)).
			Msg("gate pulse skipped, no gate bound")
		d.metrics.Actuation("gate", "skipped")
		return
	}

	payload, err := encodeGate(target, kind, d.pulseDuration(kind))
	if err != nil {
		d.fail("gate", err, target.GateID)
		return
	}
	if err := d.publish(ctx, gateTopic(target), payload); err != nil {
		d.fail("gate", err, target.GateID)
		return
	}

	d.metrics.Actuation("gate", "ok")
	d.log.Info().
		Str("lot", target.Lot).
		Str("gate_id", target.GateID).
		Int("channel", target.Channel).
		Str("pulse", string(kind)).
		Msg("gate pulse sent")
}

func (d *Dispatcher) ShowScene(ctx context.Context, scene Scene) {
	if scene.DeviceID == "" {
		d.log.Debug().Str("scene", scene.Name).Msg("display update skipped, no display bound")
		d.metrics.Actuation("display", "skipped")
		return
	}
	if scene.ShowTime == 0 {
		scene.ShowTime = d.cfg.DisplayShowTime
	}

	payload, err := encodeDisplay(scene, d.cfg.Sender, d.clock.Now())
	if err != nil {
		d.fail("display", err, scene.DeviceID)
		return
	}
	if err := d.publish(ctx, displayTopic(d.cfg.ParkCode, scene.DeviceID), payload); err != nil {
		d.fail("display", err, scene.DeviceID)
		return
	}

	d.metrics.Actuation("display", "ok")
	d.log.Info().Str("device_id", scene.DeviceID).Str("scene", scene.Name).Msg("display update sent")
}

func (d *Dispatcher) publish(ctx context.Context, topic string, payload []byte) error {
	if d.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.PublishTimeout)
		defer cancel()
	}
	return d.pub.Publish(ctx, topic, payload)
}

func (d *Dispatcher) fail(kind string, err error, target string) {
	d.metrics.Actuation(kind, "failed")
	d.log.Warn().
		Err(err).
		Str("anomaly", "actuation_failed").
		Str("kind", kind).
		Str("target", target).
		Msg("actuation dispatch failed")
}
