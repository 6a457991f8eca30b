package torrent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Count is a monotonic atomic counter, adapted from the teacher's
// atomic-count.go. Relaxed/atomic ordering only; counters are never used for
// cross-goroutine synchronization (spec §5).
type Count struct {
	n int64
}

var _ fmt.Stringer = (*Count)(nil)

// Add adds n (n may be negative, but AtomicStats counters are only ever
// increased).
func (c *Count) Add(n int64) {
	atomic.AddInt64(&c.n, n)
}

// Int64 reads the current value.
func (c *Count) Int64() int64 {
	return atomic.LoadInt64(&c.n)
}

func (c *Count) String() string {
	return strconv.FormatInt(c.Int64(), 10)
}

// MarshalJSON lets a Count appear directly in a JSON-encoded stats snapshot.
func (c *Count) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.n)
}

// AtomicStats holds the monotonic counters spec §3 defines. Fields are
// updated via atomic.AddInt64 and read without holding the engine lock.
type AtomicStats struct {
	HaveBytes                Count
	DownloadedAndCheckedBytes Count
	UploadedBytes            Count
	// FetchedBytes counts bytes received including those that later failed
	// hash verification (spec invariant: fetched_bytes >= downloaded_and_checked).
	FetchedBytes Count
}

// metricsMirror optionally mirrors AtomicStats into Prometheus gauges, the
// way the teacher's dependency graph already carries
// github.com/prometheus/client_golang for production metrics. It is created
// only when Options.MetricsRegisterer is non-nil (spec's metrics/CLI
// surfaces are external; this just exposes a read path for one).
type metricsMirror struct {
	haveBytes                prometheus.Gauge
	downloadedAndCheckedBytes prometheus.Gauge
	uploadedBytes            prometheus.Gauge
	fetchedBytes             prometheus.Gauge
	peersConnecting          prometheus.Gauge
	peersLive                prometheus.Gauge
}

func newMetricsMirror(reg prometheus.Registerer, infoHash string) (*metricsMirror, error) {
	mk := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "torrent",
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"info_hash": infoHash},
		})
	}
	m := &metricsMirror{
		haveBytes:                mk("have_bytes", "Bytes verified and held locally."),
		downloadedAndCheckedBytes: mk("downloaded_and_checked_bytes", "Bytes downloaded and passing SHA-1 verification."),
		uploadedBytes:            mk("uploaded_bytes", "Bytes served to peers."),
		fetchedBytes:             mk("fetched_bytes", "Bytes received, including bytes that later failed verification."),
		peersConnecting:          mk("peers_connecting", "Peers in the Connecting state."),
		peersLive:                mk("peers_live", "Peers in the Live state."),
	}
	for _, g := range []prometheus.Gauge{m.haveBytes, m.downloadedAndCheckedBytes, m.uploadedBytes, m.fetchedBytes, m.peersConnecting, m.peersLive} {
		if err := reg.Register(g); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metricsMirror) update(stats *AtomicStats, peers PeerStatsSnapshot) {
	if m == nil {
		return
	}
	m.haveBytes.Set(float64(stats.HaveBytes.Int64()))
	m.downloadedAndCheckedBytes.Set(float64(stats.DownloadedAndCheckedBytes.Int64()))
	m.uploadedBytes.Set(float64(stats.UploadedBytes.Int64()))
	m.fetchedBytes.Set(float64(stats.FetchedBytes.Int64()))
	m.peersConnecting.Set(float64(peers.Connecting))
	m.peersLive.Set(float64(peers.Live))
}
