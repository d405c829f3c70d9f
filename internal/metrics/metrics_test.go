package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnProvidedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordConnectionOpened()
	m.RecordConnectionOpened()
	m.RecordConnectionClosed("normal")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ConnectionsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionsClosed.WithLabelValues("normal")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNoop_CanBeBuiltRepeatedly(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = Noop()
		_ = Noop()
	})
}
