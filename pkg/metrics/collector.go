package metrics

import (
	"time"
)

// DatabaseSource is the subset of pkg/database.Instance the collector polls.
// Defined here so pkg/metrics has no import dependency on pkg/database;
// pkg/database.Instance satisfies this interface.
type DatabaseSource interface {
	// DatabaseRoots returns the root entry ID of every open database.
	DatabaseRoots() []string
	// EntryCount returns the number of entries persisted under a root.
	EntryCount(root string) (int, error)
	// TipCount returns the number of current tips for a root.
	TipCount(root string) (int, error)
}

// SyncSource is the subset of pkg/sync.Engine the collector polls.
type SyncSource interface {
	// PeerCounts returns the number of known peers grouped by status
	// ("active", "inactive", "banned").
	PeerCounts() map[string]int
	// RetryQueueDepth returns the number of batches currently queued for retry.
	RetryQueueDepth() int
	// PendingBootstrapRequests returns the count of unapproved bootstrap requests.
	PendingBootstrapRequests() int
}

// Collector polls a database instance and sync engine on an interval and
// publishes their state as Prometheus gauges.
type Collector struct {
	db     DatabaseSource
	sync   SyncSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector. Either source may be nil,
// in which case that half of collect() is skipped.
func NewCollector(db DatabaseSource, sync SyncSource) *Collector {
	return &Collector{
		db:     db,
		sync:   sync,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectDatabaseMetrics()
	c.collectSyncMetrics()
}

func (c *Collector) collectDatabaseMetrics() {
	if c.db == nil {
		return
	}

	roots := c.db.DatabaseRoots()
	DatabasesTotal.Set(float64(len(roots)))

	for _, root := range roots {
		if n, err := c.db.EntryCount(root); err == nil {
			EntriesTotal.WithLabelValues(root).Set(float64(n))
		}
		if n, err := c.db.TipCount(root); err == nil {
			TipsTotal.WithLabelValues(root).Set(float64(n))
		}
	}
}

func (c *Collector) collectSyncMetrics() {
	if c.sync == nil {
		return
	}

	for status, count := range c.sync.PeerCounts() {
		PeersTotal.WithLabelValues(status).Set(float64(count))
	}

	RetryQueueDepth.Set(float64(c.sync.RetryQueueDepth()))
	BootstrapPendingTotal.Set(float64(c.sync.PendingBootstrapRequests()))
}
