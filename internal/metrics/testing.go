package metrics

import "github.com/prometheus/client_golang/prometheus/testutil"

// Count returns the current value of a counter series, for tests.
func (m *Metrics) Count(family string, labels ...string) float64 {
	if m == nil {
		return 0
	}
	switch family {
	case "events":
		return testutil.ToFloat64(m.events.WithLabelValues(labels...))
	case "transitions":
		return testutil.ToFloat64(m.transitions.WithLabelValues(labels...))
	case "initiations":
		return testutil.ToFloat64(m.initiations.WithLabelValues(labels...))
	case "reconciliations":
		return testutil.ToFloat64(m.reconciliations.WithLabelValues(labels...))
	case "actuations":
		return testutil.ToFloat64(m.actuations.WithLabelValues(labels...))
	}
	return 0
}
