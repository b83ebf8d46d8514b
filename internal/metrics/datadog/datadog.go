// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Metrics are buffered in memory and submitted on a ticker (default once a
// minute) and once more on Close, so a long conversion still produces a time
// series rather than one point at exit.
//
// Recording takes a mutex and touches only maps. Flush snapshots and resets
// the buffers under the lock, then submits outside it.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"sdmxgeo/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// DefaultJobName tags every series when Options.JobName is empty.
const DefaultJobName = "sdmx2geo"

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "team:stats"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Test seams; production leaves them nil.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the part of *datadogV2.MetricsApi the backend uses.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	// keyed by pairKey(stage, status)
	stageCounts  map[string]float64
	stageSeconds map[string][]float64

	featureCounts map[string]float64 // kind -> count

	// keyed by pairKey(service, status)
	remoteCounts  map[string]float64
	remoteErrors  map[string]float64
	remoteSeconds map[string][]float64
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs one final Flush. Later calls only
// flush.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
	return b.Flush()
}

// NewBackend constructs a Datadog backend using the official client, which
// reads DD_API_KEY and DD_SITE from the environment. Network errors surface
// from Flush, not here.
//
// The environment tag comes from ENV, then DD_ENV, else env:unknown.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	if parent == nil {
		return nil, wrapInitErr(fmt.Errorf("nil context"))
	}

	job := opts.JobName
	if job == "" {
		job = DefaultJobName
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		baseTags: baseTags,

		now:       nowFn,
		newTicker: newTicker,
	}
	b.resetLocked()

	go b.loop()
	return b, nil
}

func (b *Backend) resetLocked() {
	b.stageCounts = make(map[string]float64)
	b.stageSeconds = make(map[string][]float64)
	b.featureCounts = make(map[string]float64)
	b.remoteCounts = make(map[string]float64)
	b.remoteErrors = make(map[string]float64)
	b.remoteSeconds = make(map[string][]float64)
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.StageTotal:
		b.stageCounts[pairKey(labels["stage"], labels["status"])] += delta

	case metrics.FeaturesTotal:
		kind := labels["kind"]
		if kind == "" {
			return
		}
		b.featureCounts[kind] += delta

	case metrics.RemoteRequestsTotal:
		b.remoteCounts[pairKey(labels["service"], labels["status"])] += delta

	case metrics.RemoteErrorsTotal:
		b.remoteErrors[pairKey(labels["service"], labels["status"])] += delta
	}
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.StageDurationSeconds:
		k := pairKey(labels["stage"], labels["status"])
		b.stageSeconds[k] = append(b.stageSeconds[k], value)

	case metrics.RemoteDurationSecs:
		k := pairKey(labels["service"], labels["status"])
		b.remoteSeconds[k] = append(b.remoteSeconds[k], value)
	}
}

// snapshot is the detached buffer state of one flush window.
type snapshot struct {
	stageCounts   map[string]float64
	stageSeconds  map[string][]float64
	featureCounts map[string]float64
	remoteCounts  map[string]float64
	remoteErrors  map[string]float64
	remoteSeconds map[string][]float64
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		stageCounts:   b.stageCounts,
		stageSeconds:  b.stageSeconds,
		featureCounts: b.featureCounts,
		remoteCounts:  b.remoteCounts,
		remoteErrors:  b.remoteErrors,
		remoteSeconds: b.remoteSeconds,
	}
	b.resetLocked()
	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.stageCounts) == 0 &&
		len(s.stageSeconds) == 0 &&
		len(s.featureCounts) == 0 &&
		len(s.remoteCounts) == 0 &&
		len(s.remoteErrors) == 0 &&
		len(s.remoteSeconds) == 0
}

// Flush submits buffered metrics and resets the buffers, even when the
// submission fails. It returns nil when there is nothing to submit.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	series := b.buildSeries(snap, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries is pure: it turns a snapshot into series stamped nowUnix.
// Series names and tags are what dashboards query, so keep them stable.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.stageCounts)+len(s.featureCounts)+len(s.remoteCounts)+32)

	for k, v := range s.stageCounts {
		stage, status := splitPairKey(k)
		tags := withTags(b.baseTags, "stage:"+stage, "status:"+status)
		series = append(series, countSeries("sdmxgeo.stage.total", v, tags, nowUnix))
	}
	for k, samples := range s.stageSeconds {
		stage, status := splitPairKey(k)
		tags := withTags(b.baseTags, "stage:"+stage, "status:"+status)
		addPercentiles(&series, "sdmxgeo.stage.duration_seconds", samples, tags, nowUnix)
	}

	for kind, v := range s.featureCounts {
		series = append(series, countSeries("sdmxgeo.features.total", v, withTags(b.baseTags, "kind:"+kind), nowUnix))
	}

	for k, v := range s.remoteCounts {
		series = append(series, countSeries("sdmxgeo.remote.requests.total", v, remoteTags(b.baseTags, k), nowUnix))
	}
	for k, v := range s.remoteErrors {
		series = append(series, countSeries("sdmxgeo.remote.errors.total", v, remoteTags(b.baseTags, k), nowUnix))
	}
	for k, samples := range s.remoteSeconds {
		addPercentiles(&series, "sdmxgeo.remote.request_duration_seconds", samples, remoteTags(b.baseTags, k), nowUnix)
	}

	return series
}

func remoteTags(base []string, key string) []string {
	service, status := splitPairKey(key)
	return withTags(base, "service:"+service, "status:"+status)
}

// addPercentiles appends p50/p90/p95/p99/max/samples gauges for samples. It
// sorts a copy; an empty sample set adds nothing.
func addPercentiles(series *[]datadogV2.MetricSeries, metricPrefix string, samples []float64, tags []string, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series,
		gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
		gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix),
		gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
		gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix),
		gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix),
		gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix),
	)
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return pointSeries(datadogV2.METRICINTAKETYPE_COUNT, metric, value, tags, nowUnix)
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return pointSeries(datadogV2.METRICINTAKETYPE_GAUGE, metric, value, tags, nowUnix)
}

func pointSeries(typ datadogV2.MetricIntakeType, metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

// pairKey joins two label values; empty values become "unknown".
func pairKey(a, b string) string {
	if a == "" {
		a = "unknown"
	}
	if b == "" {
		b = "unknown"
	}
	return a + "\x00" + b
}

func splitPairKey(k string) (a, b string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,team:stats".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrapInitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("datadog metrics init: %w", err)
}
