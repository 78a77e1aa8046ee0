package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"parking-service/internal/actuation"
	"parking-service/internal/clock"
	"parking-service/internal/db/dbtest"
	"parking-service/internal/domain/parking"
	"parking-service/internal/domain/payment"
	"parking-service/internal/fee"
	"parking-service/internal/lock"
	"parking-service/internal/metrics"
	"parking-service/internal/repository"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type pulse struct {
	target actuation.GateTarget
	kind   actuation.PulseKind
}

type fakeActuator struct {
	mu     sync.Mutex
	pulses []pulse
	scenes []actuation.Scene
}

func (f *fakeActuator) PulseGate(_ context.Context, target actuation.GateTarget, kind actuation.PulseKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulses = append(f.pulses, pulse{target: target, kind: kind})
}

func (f *fakeActuator) ShowScene(_ context.Context, scene actuation.Scene) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scenes = append(f.scenes, scene)
}

func (f *fakeActuator) pulsesOf(kind actuation.PulseKind) []pulse {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pulse
	for _, p := range f.pulses {
		if p.kind == kind {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeActuator) scenesNamed(name string) []actuation.Scene {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []actuation.Scene
	for _, s := range f.scenes {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

type fakeTerminal struct {
	mu    sync.Mutex
	calls []payment.TerminalRequest
	fn    func(ctx context.Context, req payment.TerminalRequest) (*payment.TerminalCheckout, error)
}

func (f *fakeTerminal) CreateTerminalCheckout(ctx context.Context, req payment.TerminalRequest) (*payment.TerminalCheckout, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return &payment.TerminalCheckout{
		CheckoutID:  fmt.Sprintf("chk-%d", req.SessionID),
		OrderID:     fmt.Sprintf("ord-t-%d", req.SessionID),
		ReferenceID: fmt.Sprintf("%d", req.SessionID),
		DeviceID:    req.DeviceID,
		Status:      payment.StatusPending,
	}, nil
}

type fakeOnline struct {
	mu    sync.Mutex
	calls []payment.LinkRequest
	fn    func(ctx context.Context, req payment.LinkRequest) (*payment.PaymentLink, error)
}

func (f *fakeOnline) CreatePaymentLink(ctx context.Context, req payment.LinkRequest) (*payment.PaymentLink, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return &payment.PaymentLink{
		PaymentLinkID: fmt.Sprintf("link-%d", req.SessionID),
		OrderID:       fmt.Sprintf("ord-o-%d", req.SessionID),
		URL:           fmt.Sprintf("https://pay.example/%d", req.SessionID),
	}, nil
}

type harness struct {
	repo       *repository.Repository
	clock      *clock.Fake
	act        *fakeActuator
	terminal   *fakeTerminal
	online     *fakeOnline
	metrics    *metrics.Metrics
	reconciler *Reconciler
	orch       *Orchestrator
	lifecycle  *LifecycleService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     repository.New(dbtest.Open(t)),
		clock:    clock.NewFake(t0),
		act:      &fakeActuator{},
		terminal: &fakeTerminal{},
		online:   &fakeOnline{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	locker := lock.NewKeyedMutex()
	opts := []Option{WithClock(h.clock), WithMetrics(h.metrics), WithCurrency("USD")}
	log := zerolog.Nop()

	h.reconciler = NewReconciler(h.repo, h.act, log, opts...)
	h.orch = NewOrchestrator(h.terminal, h.online, h.reconciler, h.repo, locker, OrchestratorConfig{
		Currency:        "USD",
		DefaultDeviceID: "default-device",
		LocationID:      "loc-1",
		Timeout:         time.Second,
	}, log, opts...)
	h.lifecycle = NewLifecycleService(h.repo, locker, fee.Calculator{RatePerMinuteCents: 50, CapMinutes: 9}, h.orch, h.act, log, opts...)
	return h
}

func entryEvent(lot, plate string) parking.Event {
	return parking.Event{
		LotCode:   lot,
		Direction: parking.DirectionEntry,
		Plate:     plate,
		Timestamp: "2024-05-01 10:00:00",
		Snapshot:  "entry.jpg",
		Bindings: parking.Bindings{
			PaymentDeviceID: "dev-1",
			DisplayDeviceID: "led-in",
			GateID:          "gate-in",
			GateChannel:     1,
		},
	}
}

func exitEvent(lot, plate string) parking.Event {
	return parking.Event{
		LotCode:   lot,
		Direction: parking.DirectionExit,
		Plate:     plate,
		Timestamp: "2024-05-01 10:03:05",
		Snapshot:  "exit.jpg",
		Bindings: parking.Bindings{
			DisplayDeviceID: "led-out",
			GateID:          "gate-out",
			GateChannel:     2,
		},
	}
}

func countSessions(t *testing.T, repo *repository.Repository, lot, plateKey string) int {
	t.Helper()
	all, err := repo.ListSessions(context.Background(), parking.SessionFilter{LotCode: lot, PlateKey: plateKey})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	return len(all)
}
