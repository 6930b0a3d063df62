package archive

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports archive counters together with the storage engine
// metrics that matter for a write-mostly archive.
type Collector struct {
	a *PebbleArchive

	messages    *prometheus.Desc
	duplicates  *prometheus.Desc
	cacheHits   *prometheus.Desc
	cacheMisses *prometheus.Desc
	lastRecv    *prometheus.Desc

	compactionCount *prometheus.Desc
	compactionDebt  *prometheus.Desc
	memtableSize    *prometheus.Desc
	walSize         *prometheus.Desc
	walBytesWritten *prometheus.Desc
	diskUsage       *prometheus.Desc
}

func NewCollector(a *PebbleArchive) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("dds_archive_"+name, help, nil, nil)
	}
	return &Collector{
		a: a,

		messages:    desc("messages_total", "Messages appended since the archive was created"),
		duplicates:  desc("duplicates_total", "Appended messages flagged as duplicates since start"),
		cacheHits:   desc("body_cache_hits_total", "Message bodies served from memory"),
		cacheMisses: desc("body_cache_misses_total", "Message bodies read from storage"),
		lastRecv:    desc("last_receive_timestamp_seconds", "Local receive time of the newest message"),

		compactionCount: desc("pebble_compactions_total", "Compactions performed"),
		compactionDebt:  desc("pebble_compaction_debt_bytes", "Estimated bytes to compact to reach a stable state"),
		memtableSize:    desc("pebble_memtable_size_bytes", "Current memtable size"),
		walSize:         desc("pebble_wal_size_bytes", "Live WAL size"),
		walBytesWritten: desc("pebble_wal_bytes_written_total", "Physical bytes written to the WAL"),
		diskUsage:       desc("pebble_disk_usage_bytes", "Disk space used by the archive"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messages
	ch <- c.duplicates
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.lastRecv
	ch <- c.compactionCount
	ch <- c.compactionDebt
	ch <- c.memtableSize
	ch <- c.walSize
	ch <- c.walBytesWritten
	ch <- c.diskUsage
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	st := c.a.Stats()
	counter(c.messages, float64(st.Messages))
	counter(c.duplicates, float64(st.Duplicates))
	counter(c.cacheHits, float64(c.a.cacheHits.Load()))
	counter(c.cacheMisses, float64(c.a.cacheMisses.Load()))
	if !st.LastRecv.IsZero() {
		gauge(c.lastRecv, float64(st.LastRecv.UnixNano())/1e9)
	} else {
		gauge(c.lastRecv, 0)
	}

	m := c.a.db.Metrics()
	counter(c.compactionCount, float64(m.Compact.Count))
	gauge(c.compactionDebt, float64(m.Compact.EstimatedDebt))
	gauge(c.memtableSize, float64(m.MemTable.Size))
	gauge(c.walSize, float64(m.WAL.Size))
	counter(c.walBytesWritten, float64(m.WAL.BytesWritten))
	gauge(c.diskUsage, float64(m.DiskSpaceUsage()))
}
