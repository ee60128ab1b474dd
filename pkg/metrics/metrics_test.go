package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestCommandCounterLabels(t *testing.T) {
	CommandsTotal.WithLabelValues("RETR", "success").Add(3)
	CommandsTotal.WithLabelValues("RETR", "failure").Inc()

	mf := gather(t, "pelican_commands_total")
	require.NotNil(t, mf)

	found := map[string]float64{}
	for _, m := range mf.GetMetric() {
		var cmd, status string
		for _, l := range m.GetLabel() {
			switch l.GetName() {
			case "command":
				cmd = l.GetValue()
			case "status":
				status = l.GetValue()
			}
		}
		if cmd == "RETR" {
			found[status] = m.GetCounter().GetValue()
		}
	}
	assert.GreaterOrEqual(t, found["success"], 3.0)
	assert.GreaterOrEqual(t, found["failure"], 1.0)
}

func TestDeletionModeCounter(t *testing.T) {
	MessagesDeleted.WithLabelValues("batch").Add(2)
	MessagesDeleted.WithLabelValues("eager").Inc()

	mf := gather(t, "pelican_messages_deleted_total")
	require.NotNil(t, mf)

	modes := map[string]bool{}
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "mode" {
				modes[l.GetValue()] = true
			}
		}
	}
	assert.True(t, modes["batch"])
	assert.True(t, modes["eager"])
}

func TestAuthenticatedConnectionsGauge(t *testing.T) {
	AuthenticatedConnectionsCurrent.Inc()
	AuthenticatedConnectionsCurrent.Dec()

	mf := gather(t, "pelican_authenticated_connections_current")
	require.NotNil(t, mf)
	require.Len(t, mf.GetMetric(), 1)
	assert.Equal(t, dto.MetricType_GAUGE, mf.GetType())
}
