package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersEverything(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.UnitsTotal.WithLabelValues("ceda", "merged").Inc()
	m.FetchFiles.WithLabelValues("ceda", "staged").Add(3)
	m.FetchBytes.WithLabelValues("ceda").Add(1024)
	m.FetchInFlight.Inc()
	m.FetchDuration.WithLabelValues("ceda").Observe(1.5)
	m.ChunkWrites.Inc()
	m.MergeDuration.Observe(0.2)
	m.RunActive.Set(1)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnitsTotal.WithLabelValues("ceda", "merged")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FetchFiles.WithLabelValues("ceda", "staged")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.FetchBytes.WithLabelValues("ceda")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunkWrites))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunActive))
}

func TestNewMetricsForTesting_Isolated(t *testing.T) {
	a := NewMetricsForTesting()
	b := NewMetricsForTesting()

	a.ChunkWrites.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.ChunkWrites))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ChunkWrites))
}
