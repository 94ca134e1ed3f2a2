// ABOUTME: Prometheus metrics and round trip histogram for a timesync instance
// ABOUTME: Subscribes to instance events and observes individual samples
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Resonate-Protocol/timesync-go/internal/version"
	"github.com/Resonate-Protocol/timesync-go/pkg/timesync"
)

const (
	outcomeOK     = "ok"
	outcomeFailed = "failed"

	// round trips are recorded in microseconds between 1µs and one minute
	histogramMin     = 1
	histogramMax     = int64(time.Minute / time.Microsecond)
	histogramSigFigs = 3
)

// Collector implements timesync.SampleObserver and exports instance metrics
type Collector struct {
	registry *prometheus.Registry

	syncRounds     prometheus.Counter
	offsetChanges  prometheus.Counter
	syncErrors     prometheus.Counter
	offset         prometheus.Gauge
	referenceDrift prometheus.Gauge
	samples        *prometheus.CounterVec
	outliers       *prometheus.CounterVec
	roundtrip      prometheus.Histogram

	mu        sync.Mutex
	hist      *hdrhistogram.Histogram
	lastError error
	lastSync  time.Time
}

// NewCollector registers all metrics on reg. A nil reg gets a fresh registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	factory.NewGauge(prometheus.GaugeOpts{
		Name: BuildInfoN,
		Help: BuildInfoH,
		ConstLabels: version.Labels(),
	}).Set(1)

	return &Collector{
		registry: reg,
		syncRounds: factory.NewCounter(prometheus.CounterOpts{
			Name: SyncRoundsN,
			Help: SyncRoundsH,
		}),
		offsetChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: OffsetChangesN,
			Help: OffsetChangesH,
		}),
		syncErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: SyncErrorsN,
			Help: SyncErrorsH,
		}),
		offset: factory.NewGauge(prometheus.GaugeOpts{
			Name: OffsetN,
			Help: OffsetH,
		}),
		referenceDrift: factory.NewGauge(prometheus.GaugeOpts{
			Name: ReferenceDriftN,
			Help: ReferenceDriftH,
		}),
		samples: factory.NewCounterVec(prometheus.CounterOpts{
			Name: SamplesN,
			Help: SamplesH,
		}, []string{"peer", "outcome"}),
		outliers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: OutliersN,
			Help: OutliersH,
		}, []string{"peer"}),
		roundtrip: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    RoundtripN,
			Help:    RoundtripH,
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 14),
		}),
		hist: hdrhistogram.New(histogramMin, histogramMax, histogramSigFigs),
	}
}

// Instrument wires the collector into cfg before the instance is created, so the
// first automatic round is counted. Callbacks already set in cfg still run after the
// collector's; Observer is replaced.
func (c *Collector) Instrument(cfg *timesync.Config) {
	cfg.Observer = c

	onChange, onSync, onError := cfg.OnChange, cfg.OnSync, cfg.OnError
	cfg.OnChange = func(offset float64) {
		c.OnChange(offset)
		if onChange != nil {
			onChange(offset)
		}
	}
	cfg.OnSync = func(phase string) {
		c.OnSync(phase)
		if onSync != nil {
			onSync(phase)
		}
	}
	cfg.OnError = func(err error) {
		c.OnError(err)
		if onError != nil {
			onError(err)
		}
	}
}

// OnSync records a sync event
func (c *Collector) OnSync(phase string) {
	switch phase {
	case timesync.SyncStart:
		c.syncRounds.Inc()
	case timesync.SyncEnd:
		c.mu.Lock()
		c.lastSync = time.Now()
		c.mu.Unlock()
	}
}

// OnChange records an applied offset
func (c *Collector) OnChange(offset float64) {
	c.offsetChanges.Inc()
	c.offset.Set(offset)
}

// OnError records a synchronization error
func (c *Collector) OnError(err error) {
	c.syncErrors.Inc()

	c.mu.Lock()
	c.lastError = err
	c.mu.Unlock()
}

// SampleSucceeded implements timesync.SampleObserver
func (c *Collector) SampleSucceeded(peer string, s timesync.Sample) {
	c.samples.WithLabelValues(peer, outcomeOK).Inc()
	c.roundtrip.Observe(s.Roundtrip)

	micros := int64(s.Roundtrip * 1000)
	if micros < histogramMin {
		micros = histogramMin
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// values beyond the histogram range are dropped
	_ = c.hist.RecordValue(micros)
}

// SampleFailed implements timesync.SampleObserver
func (c *Collector) SampleFailed(peer string, _ error) {
	c.samples.WithLabelValues(peer, outcomeFailed).Inc()
}

// OutliersRejected implements timesync.SampleObserver
func (c *Collector) OutliersRejected(peer string, n int) {
	c.outliers.WithLabelValues(peer).Add(float64(n))
}

// SetReferenceDrift records the drift against the NTP reference
func (c *Collector) SetReferenceDrift(d time.Duration) {
	c.referenceDrift.Set(float64(d) / float64(time.Millisecond))
}

// RoundtripPercentile returns the q-th percentile (0-100) of recorded round trips
func (c *Collector) RoundtripPercentile(q float64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.hist.ValueAtQuantile(q)) * time.Microsecond
}

// RoundtripCount returns the number of recorded round trips
func (c *Collector) RoundtripCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hist.TotalCount()
}

// LastError returns the most recent synchronization error
func (c *Collector) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// LastSync returns when the last round ended
func (c *Collector) LastSync() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSync
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
