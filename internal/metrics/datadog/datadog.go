// Package datadog implements a Datadog backend for the internal/metrics
// package.
//
// The sync is a short-lived command, but batch runs over many mapping files
// can take a while at one request per rate-limit window. The backend
// therefore:
//
//   - buffers metrics in-memory (fast, lock-protected)
//   - periodically Flush()es on a ticker
//   - Flush()es one final time on Close()
//
// Concurrency model: callers may IncCounter/ObserveHistogram at any time;
// Flush snapshots and resets the buffers under a mutex, then submits
// out-of-lock; Close stops the flush loop.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"srwikisync/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to
	// "srwikisync".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets these; unit tests
	// set them to avoid real network submission and nondeterministic
	// clocks/tickers.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal interface needed to submit metrics. The
// SDK exposes a concrete *datadogV2.MetricsApi; depending on this interface
// instead enables deterministic tests with a fake submitter.
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

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	httpReqCounts map[string]float64   // status -> count
	httpErrCounts map[string]float64   // status -> count
	httpReqDur    map[string][]float64 // status -> duration samples (seconds)
	rowsReplaced  float64
	rowsRemoved   float64
	pagesSaved    float64
	fileCounts    map[string]float64 // batch file status -> count
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

// NewBackend constructs a Datadog backend using the official client.
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "srwikisync".
//   - Environment tag selection uses ENV then DD_ENV, else env:unknown.
//
// Errors:
//   - Client construction itself is not expected to fail; network errors
//     surface from Flush().
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "srwikisync"
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
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
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

		httpReqCounts: make(map[string]float64),
		httpErrCounts: make(map[string]float64),
		httpReqDur:    make(map[string][]float64),
		fileCounts:    make(map[string]float64),
	}

	go b.loop()
	return b, nil
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

// Close stops the background flush loop and performs one final Flush().
// Close must be called at most once.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.MetricHTTPRequests:
		b.httpReqCounts[statusOf(labels)] += delta
	case metrics.MetricHTTPErrors:
		b.httpErrCounts[statusOf(labels)] += delta
	case metrics.MetricRowsReplaced:
		b.rowsReplaced += delta
	case metrics.MetricRowsRemoved:
		b.rowsRemoved += delta
	case metrics.MetricPagesSaved:
		b.pagesSaved += delta
	case metrics.MetricFilesProcessed:
		b.fileCounts[statusOf(labels)] += delta
	default:
		// Unknown counters are dropped.
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.MetricHTTPRequestDur:
		s := statusOf(labels)
		b.httpReqDur[s] = append(b.httpReqDur[s], value)
	default:
		// Unknown histograms are dropped.
	}
}

func statusOf(labels metrics.Labels) string {
	if s := labels["status"]; s != "" {
		return s
	}
	return "unknown"
}

// snapshot is the buffered state handed from the locked collect+reset step
// to the out-of-lock payload build and submission.
type snapshot struct {
	httpReqCounts map[string]float64
	httpErrCounts map[string]float64
	httpReqDur    map[string][]float64
	rowsReplaced  float64
	rowsRemoved   float64
	pagesSaved    float64
	fileCounts    map[string]float64
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		httpReqCounts: b.httpReqCounts,
		httpErrCounts: b.httpErrCounts,
		httpReqDur:    b.httpReqDur,
		rowsReplaced:  b.rowsReplaced,
		rowsRemoved:   b.rowsRemoved,
		pagesSaved:    b.pagesSaved,
		fileCounts:    b.fileCounts,
	}

	b.httpReqCounts = make(map[string]float64)
	b.httpErrCounts = make(map[string]float64)
	b.httpReqDur = make(map[string][]float64)
	b.rowsReplaced = 0
	b.rowsRemoved = 0
	b.pagesSaved = 0
	b.fileCounts = make(map[string]float64)

	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.httpReqCounts) == 0 &&
		len(s.httpErrCounts) == 0 &&
		len(s.httpReqDur) == 0 &&
		s.rowsReplaced == 0 &&
		s.rowsRemoved == 0 &&
		s.pagesSaved == 0 &&
		len(s.fileCounts) == 0
}

// Flush submits buffered metrics to Datadog and resets local buffers.
//
// Errors:
//   - Returns any error from Datadog submission.
//   - Returns nil when there is nothing to submit.
//
// Buffers reset even if submission fails, so a flaky metrics endpoint can
// never block or bloat the sync itself.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries constructs Datadog series for a snapshot at a fixed
// timestamp. It is pure (no locks, no network, no clocks), which keeps the
// naming/tagging contract unit-testable.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, 16)

	for status, v := range s.httpReqCounts {
		if v == 0 {
			continue
		}
		series = append(series, countSeries("srwikisync.http.requests.total", v, withTags(b.baseTags, "status:"+status), nowUnix))
	}
	for status, v := range s.httpErrCounts {
		if v == 0 {
			continue
		}
		series = append(series, countSeries("srwikisync.http.errors.total", v, withTags(b.baseTags, "status:"+status), nowUnix))
	}

	if s.rowsReplaced != 0 {
		series = append(series, countSeries("srwikisync.rows.replaced.total", s.rowsReplaced, b.baseTags, nowUnix))
	}
	if s.rowsRemoved != 0 {
		series = append(series, countSeries("srwikisync.rows.removed.total", s.rowsRemoved, b.baseTags, nowUnix))
	}
	if s.pagesSaved != 0 {
		series = append(series, countSeries("srwikisync.pages.saved.total", s.pagesSaved, b.baseTags, nowUnix))
	}
	for status, v := range s.fileCounts {
		if v == 0 {
			continue
		}
		series = append(series, countSeries("srwikisync.files.total", v, withTags(b.baseTags, "status:"+status), nowUnix))
	}

	for status, samples := range s.httpReqDur {
		addPercentiles(&series, withTags(b.baseTags, "status:"+status),
			"srwikisync.http.request_duration_seconds", samples, nowUnix)
	}

	return series
}

// addPercentiles appends a fixed set of percentile gauges for a sample set.
// Sorts a copy; does nothing for an empty sample set.
func addPercentiles(series *[]datadogV2.MetricSeries, tags []string, metricPrefix string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series, gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix))
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
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
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:sync".
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
