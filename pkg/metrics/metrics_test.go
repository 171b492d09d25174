package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/database"
)

type fakePools struct {
	stats database.Stats
}

func (f fakePools) Stats() database.Stats { return f.stats }

func gather(t *testing.T, r *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := r.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			// Label pairs come back sorted by label name.
			key := mf.GetName()
			for _, l := range m.GetLabel() {
				key += "/" + l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestMetrics_PoolGauges(t *testing.T) {
	pools := fakePools{stats: database.Stats{
		Handles: 2,
		Pools: []database.PoolStats{
			{Database: "acme", TotalConns: 3, IdleConns: 2, AcquiredConns: 1},
			{Database: "globex", TotalConns: 1, IdleConns: 1},
		},
	}}

	reg := prometheus.NewRegistry()
	require.NoError(t, New(pools).Register(reg))

	got := gather(t, reg)
	assert.Equal(t, 2.0, got["tenancy_pool_cached_handles"])
	assert.Equal(t, 3.0, got["tenancy_pool_total_conns/acme"])
	assert.Equal(t, 1.0, got["tenancy_pool_acquired_conns/acme"])
	assert.Equal(t, 1.0, got["tenancy_pool_idle_conns/globex"])
}

func TestMetrics_PoolGauges_SumPoolsOfOneDatabase(t *testing.T) {
	pools := fakePools{stats: database.Stats{
		Handles: 2,
		Pools: []database.PoolStats{
			{Database: "acme", TotalConns: 3, IdleConns: 2, AcquiredConns: 1},
			{Database: "acme", TotalConns: 2, IdleConns: 0, AcquiredConns: 2},
		},
	}}

	reg := prometheus.NewRegistry()
	require.NoError(t, New(pools).Register(reg))

	got := gather(t, reg)
	assert.Equal(t, 2.0, got["tenancy_pool_cached_handles"])
	assert.Equal(t, 5.0, got["tenancy_pool_total_conns/acme"])
	assert.Equal(t, 2.0, got["tenancy_pool_idle_conns/acme"])
	assert.Equal(t, 3.0, got["tenancy_pool_acquired_conns/acme"])
}

func TestMetrics_Counters(t *testing.T) {
	m := New(nil)
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	m.ObserveProvisioning("create_database", "created")
	m.ObserveProvisioning("create_database", "created")
	m.ObserveDecision("tenant", "rejected")

	got := gather(t, reg)
	assert.Equal(t, 2.0, got["tenancy_provisioning_steps_total/created/create_database"])
	assert.Equal(t, 1.0, got["tenancy_auth_decisions_total/tenant/rejected"])
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveProvisioning("create_database", "failed")
		m.ObserveDecision("platform", "proceed")
	})
}
