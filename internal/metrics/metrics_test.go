package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Event("entry", "new")
	m.Event("entry", "new")
	m.Event("entry", "duplicate")
	m.Transition("entry_new")
	m.Initiation("terminal", "ok")
	m.Reconciliation("paid")
	m.Actuation("gate", "failed")
	m.DedupEntries(12)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("entry", "new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("entry", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("entry_new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.initiations.WithLabelValues("terminal", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciliations.WithLabelValues("paid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actuations.WithLabelValues("gate", "failed")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.dedupEntries))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Event("exit", "new")
		m.Transition("exit_normal")
		m.Initiation("online", "failed")
		m.Reconciliation("orphan")
		m.Actuation("display", "ok")
		m.DedupEntries(1)
	})
}

func TestCounterHelper(t *testing.T) {
	m := New(nil)
	m.Reconciliation("merged")
	assert.Equal(t, 1.0, m.Count("reconciliations", "merged"))
	assert.Equal(t, 0.0, m.Count("unknown"))
}
