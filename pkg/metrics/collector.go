package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/entdb/entdb/pkg/store"
)

var (
	TenantsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "entdb_tenants_total",
			Help: "Total number of tenant databases",
		},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "entdb_nodes_total",
			Help: "Total number of nodes by tenant",
		},
		[]string{"tenant_id"},
	)

	EdgesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "entdb_edges_total",
			Help: "Total number of edges by tenant",
		},
		[]string{"tenant_id"},
	)

	LedgerEntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "entdb_ledger_entries_total",
			Help: "Total number of applied-event ledger entries by tenant",
		},
		[]string{"tenant_id"},
	)
)

func init() {
	prometheus.MustRegister(TenantsTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(EdgesTotal)
	prometheus.MustRegister(LedgerEntriesTotal)
}

// Collector samples tenant database gauges from the canonical store
type Collector struct {
	store  *store.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(s *store.Store) *Collector {
	return &Collector{
		store:  s,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tenants, err := c.store.TenantIDs()
	if err != nil {
		return
	}
	TenantsTotal.Set(float64(len(tenants)))

	for _, tenantID := range tenants {
		stats, err := c.store.Stats(ctx, tenantID)
		if err != nil {
			continue
		}
		NodesTotal.WithLabelValues(tenantID).Set(float64(stats.Nodes))
		EdgesTotal.WithLabelValues(tenantID).Set(float64(stats.Edges))
		LedgerEntriesTotal.WithLabelValues(tenantID).Set(float64(stats.AppliedEvents))
	}
}
