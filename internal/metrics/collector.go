package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerStats provides the metrics collector access to ledger state.
type LedgerStats interface {
	LedgerTotals(ctx context.Context) (totalCost float64, recordings int, err error)
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	stats LedgerStats

	// Descriptors for scrape-time gauges.
	totalCost  *prometheus.Desc
	recordings *prometheus.Desc
	ledgerUp   *prometheus.Desc
}

// NewCollector creates a collector that reads the ledger at scrape time.
// stats may be nil (metrics will report 0).
func NewCollector(stats LedgerStats) *Collector {
	return &Collector{
		stats: stats,
		totalCost: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ledger", "total_cost"),
			"Current running total of transcription cost.",
			nil, nil,
		),
		recordings: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ledger", "recordings"),
			"Number of recordings in the ledger.",
			nil, nil,
		),
		ledgerUp: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ledger", "up"),
			"Whether the ledger could be read at scrape time.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalCost
	ch <- c.recordings
	ch <- c.ledgerUp
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var total float64
	var count int
	up := 0.0
	if c.stats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		t, n, err := c.stats.LedgerTotals(ctx)
		cancel()
		if err == nil {
			total, count, up = t, n, 1
		}
	}
	ch <- prometheus.MustNewConstMetric(c.totalCost, prometheus.GaugeValue, total)
	ch <- prometheus.MustNewConstMetric(c.recordings, prometheus.GaugeValue, float64(count))
	ch <- prometheus.MustNewConstMetric(c.ledgerUp, prometheus.GaugeValue, up)
}
