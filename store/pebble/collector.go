package pebble

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports Pebble engine metrics to Prometheus.
type Collector struct {
	db *pebble.DB

	compactionCount *prometheus.Desc
	compactionDebt  *prometheus.Desc
	memtableSize    *prometheus.Desc
	memtableCount   *prometheus.Desc
	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
}

// Collector produces a Prometheus collector for the store's database.
func (s *Store) Collector() *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("seqvault_pebble_"+name, help, nil, nil)
	}
	return &Collector{
		db:              s.db,
		compactionCount: desc("compaction_count_total", "Total number of compactions performed"),
		compactionDebt:  desc("compaction_estimated_debt_bytes", "Estimated bytes that need compacting"),
		memtableSize:    desc("memtable_size_bytes", "Current size of the memtable in bytes"),
		memtableCount:   desc("memtable_count", "Number of memtables"),
		walFiles:        desc("wal_files", "Number of live WAL files"),
		walSize:         desc("wal_size_bytes", "Size of live WAL data in bytes"),
		walBytesWritten: desc("wal_bytes_written_total", "Total bytes written to the WAL"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.compactionCount
	ch <- c.compactionDebt
	ch <- c.memtableSize
	ch <- c.memtableCount
	ch <- c.walFiles
	ch <- c.walSize
	ch <- c.walBytesWritten
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.db.Metrics()

	ch <- prometheus.MustNewConstMetric(c.compactionCount, prometheus.CounterValue, float64(m.Compact.Count))
	ch <- prometheus.MustNewConstMetric(c.compactionDebt, prometheus.GaugeValue, float64(m.Compact.EstimatedDebt))
	ch <- prometheus.MustNewConstMetric(c.memtableSize, prometheus.GaugeValue, float64(m.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(c.memtableCount, prometheus.GaugeValue, float64(m.MemTable.Count))
	ch <- prometheus.MustNewConstMetric(c.walFiles, prometheus.GaugeValue, float64(m.WAL.Files))
	ch <- prometheus.MustNewConstMetric(c.walSize, prometheus.GaugeValue, float64(m.WAL.Size))
	ch <- prometheus.MustNewConstMetric(c.walBytesWritten, prometheus.CounterValue, float64(m.WAL.BytesWritten))
}
