// Package metrics exposes Prometheus collectors for the tenancy core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ekaya-inc/ekaya-tenancy/pkg/database"
)

const namespace = "tenancy"

// PoolStatter reports the state of the tenant pool cache.
type PoolStatter interface {
	Stats() database.Stats
}

// Metrics holds the collectors shared by the provisioning and auth layers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	provisioning *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	pools        *poolCollector
}

// New creates the collectors. pools may be nil when pool gauges are not wanted.
func New(pools PoolStatter) *Metrics {
	m := &Metrics{
		provisioning: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "steps_total",
			Help:      "Provisioning steps by step name and outcome",
		}, []string{"step", "outcome"}),

		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "decisions_total",
			Help:      "Authorization decisions by realm and terminal state",
		}, []string{"realm", "state"}),
	}
	if pools != nil {
		m.pools = newPoolCollector(pools)
	}
	return m
}

// PrometheusCollectors returns every collector owned by m.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	cs := []prometheus.Collector{m.provisioning, m.decisions}
	if m.pools != nil {
		cs = append(cs, m.pools)
	}
	return cs
}

// Register registers all collectors with r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range m.PrometheusCollectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveProvisioning counts one provisioning step outcome.
func (m *Metrics) ObserveProvisioning(step, outcome string) {
	if m == nil {
		return
	}
	m.provisioning.WithLabelValues(step, outcome).Inc()
}

// ObserveDecision counts one authorization decision.
func (m *Metrics) ObserveDecision(realm, state string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(realm, state).Inc()
}

// poolCollector reads the pool cache at scrape time.
type poolCollector struct {
	pools    PoolStatter
	handles  *prometheus.Desc
	total    *prometheus.Desc
	idle     *prometheus.Desc
	acquired *prometheus.Desc
}

func newPoolCollector(pools PoolStatter) *poolCollector {
	labels := []string{"database"}
	return &poolCollector{
		pools: pools,
		handles: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "cached_handles"),
			"Number of tenant pools held by the connection manager", nil, nil),
		total: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "total_conns"),
			"Open connections per tenant pool", labels, nil),
		idle: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "idle_conns"),
			"Idle connections per tenant pool", labels, nil),
		acquired: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "acquired_conns"),
			"Connections in use per tenant pool", labels, nil),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.handles
	ch <- c.total
	ch <- c.idle
	ch <- c.acquired
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.pools.Stats()
	ch <- prometheus.MustNewConstMetric(c.handles, prometheus.GaugeValue, float64(stats.Handles))

	// Several cached URLs can point at one database; a series per label set
	// must be unique, so their pools are summed.
	type conns struct{ total, idle, acquired int32 }
	var order []string
	byDatabase := make(map[string]*conns, len(stats.Pools))
	for _, p := range stats.Pools {
		agg, ok := byDatabase[p.Database]
		if !ok {
			agg = &conns{}
			byDatabase[p.Database] = agg
			order = append(order, p.Database)
		}
		agg.total += p.TotalConns
		agg.idle += p.IdleConns
		agg.acquired += p.AcquiredConns
	}

	for _, name := range order {
		agg := byDatabase[name]
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(agg.total), name)
		ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(agg.idle), name)
		ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(agg.acquired), name)
	}
}
