/*
Package metrics provides Prometheus metrics collection and exposition for
eidetica.

Metrics are grouped by the subsystem that produces them:

  - Database: open database count, entries per root, tips per root.
  - Transaction: commit duration, commit outcomes, callback errors.
  - Merge: ancestor-walk duration, ancestors visited per walk.
  - Auth: validation failures by kind.
  - Sync: peer counts by status, retry queue depth, bootstrap requests
    pending, sync request counts/durations, entries exchanged.

All metrics register with the default Prometheus registry at package init
and are exposed via Handler(), intended to be mounted at /metrics.

# Collector

Collector polls a DatabaseSource and SyncSource on a 15-second interval and
republishes their state as gauges. Both interfaces are defined in this
package to avoid an import cycle with pkg/database and pkg/sync, which
satisfy them structurally.

# Timer

Timer measures elapsed wall-clock time and reports it to a histogram or
histogram vector:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CommitDuration)
*/
package metrics
