package margo

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/margonote/margo/session"
)

// StoreCollector surfaces the embedded index stores' internals as
// prometheus metrics, one series per corpus.
type StoreCollector struct {
	reg *session.Registry

	compactionCount *prometheus.Desc
	compactionDebt  *prometheus.Desc
	memtableSize    *prometheus.Desc
	memtableCount   *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
	diskUsage       *prometheus.Desc
}

func NewStoreCollector(reg *session.Registry) *StoreCollector {
	corpusLabel := []string{"corpus"}
	return &StoreCollector{
		reg: reg,

		compactionCount: prometheus.NewDesc(
			"margo_store_compaction_count_total",
			"Total number of compactions performed by the index store",
			corpusLabel, nil,
		),
		compactionDebt: prometheus.NewDesc(
			"margo_store_compaction_estimated_debt_bytes",
			"Estimated bytes the index store still needs to compact",
			corpusLabel, nil,
		),
		memtableSize: prometheus.NewDesc(
			"margo_store_memtable_size_bytes",
			"Current size of the index store memtable in bytes",
			corpusLabel, nil,
		),
		memtableCount: prometheus.NewDesc(
			"margo_store_memtable_count_total",
			"Current count of index store memtables",
			corpusLabel, nil,
		),
		walSize: prometheus.NewDesc(
			"margo_store_wal_size_bytes",
			"Size of live index store WAL data in bytes",
			corpusLabel, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"margo_store_wal_bytes_written_total",
			"Total physical bytes written to the index store WAL",
			corpusLabel, nil,
		),
		diskUsage: prometheus.NewDesc(
			"margo_store_disk_usage_bytes",
			"Total disk space used by the index store",
			corpusLabel, nil,
		),
	}
}

func (sc *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- sc.compactionCount
	ch <- sc.compactionDebt
	ch <- sc.memtableSize
	ch <- sc.memtableCount
	ch <- sc.walSize
	ch <- sc.walBytesWritten
	ch <- sc.diskUsage
}

func (sc *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	for _, name := range sc.reg.CorpusNames() {
		c, ok := sc.reg.Corpus(name)
		if !ok {
			continue
		}
		m := c.Index.Metrics()

		ch <- prometheus.MustNewConstMetric(
			sc.compactionCount, prometheus.CounterValue,
			float64(m.Compact.Count), name,
		)
		ch <- prometheus.MustNewConstMetric(
			sc.compactionDebt, prometheus.GaugeValue,
			float64(m.Compact.EstimatedDebt), name,
		)
		ch <- prometheus.MustNewConstMetric(
			sc.memtableSize, prometheus.GaugeValue,
			float64(m.MemTable.Size), name,
		)
		ch <- prometheus.MustNewConstMetric(
			sc.memtableCount, prometheus.GaugeValue,
			float64(m.MemTable.Count), name,
		)
		ch <- prometheus.MustNewConstMetric(
			sc.walSize, prometheus.GaugeValue,
			float64(m.WAL.Size), name,
		)
		ch <- prometheus.MustNewConstMetric(
			sc.walBytesWritten, prometheus.CounterValue,
			float64(m.WAL.BytesWritten), name,
		)
		ch <- prometheus.MustNewConstMetric(
			sc.diskUsage, prometheus.GaugeValue,
			float64(m.DiskSpaceUsage()), name,
		)
	}
}
