// Package metrics is a small facade between the sync code and whatever
// metrics backend is configured. Core code calls the Record* helpers; a
// backend (see the datadog subpackage) is installed once at startup. With
// no backend installed every call is a no-op, so library code never has to
// check whether metrics are enabled.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels attach dimensions to a metric sample.
type Labels map[string]string

// Backend buffers metric samples for later submission.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

var (
	mu      sync.RWMutex
	backend Backend
)

// SetBackend installs the process-wide backend. Pass nil to disable.
func SetBackend(b Backend) {
	mu.Lock()
	backend = b
	mu.Unlock()
}

// Flush forces a submission on backends that support it.
func Flush() error {
	mu.RLock()
	b := backend
	mu.RUnlock()

	if f, ok := b.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Metric names are an operational contract; renames break dashboards.
const (
	MetricHTTPRequests   = "srwikisync_http_requests_total"
	MetricHTTPErrors     = "srwikisync_http_errors_total"
	MetricHTTPRequestDur = "srwikisync_http_request_duration_seconds"
	MetricRowsReplaced   = "srwikisync_rows_replaced_total"
	MetricRowsRemoved    = "srwikisync_rows_removed_total"
	MetricPagesSaved     = "srwikisync_pages_saved_total"
	MetricFilesProcessed = "srwikisync_files_total"
)

// RecordHTTP records one HTTP attempt: a request count, an error count when
// the attempt failed or came back non-2xx, and the request duration.
func RecordHTTP(status int, err error, dur time.Duration) {
	b := current()
	if b == nil {
		return
	}

	label := statusLabel(status)
	b.IncCounter(MetricHTTPRequests, 1, Labels{"status": label})
	if err != nil || status >= 400 || status == 0 {
		b.IncCounter(MetricHTTPErrors, 1, Labels{"status": label})
	}
	b.ObserveHistogram(MetricHTTPRequestDur, dur.Seconds(), Labels{"status": label})
}

// RecordRowReplaced counts one rewritten record row.
func RecordRowReplaced() {
	if b := current(); b != nil {
		b.IncCounter(MetricRowsReplaced, 1, nil)
	}
}

// RecordRowRemoved counts one pruned placeholder row.
func RecordRowRemoved() {
	if b := current(); b != nil {
		b.IncCounter(MetricRowsRemoved, 1, nil)
	}
}

// RecordPageSaved counts one successful page write.
func RecordPageSaved() {
	if b := current(); b != nil {
		b.IncCounter(MetricPagesSaved, 1, nil)
	}
}

// RecordFile counts one batch-mode mapping file outcome ("ok" or "failed").
func RecordFile(status string) {
	if b := current(); b != nil {
		b.IncCounter(MetricFilesProcessed, 1, Labels{"status": status})
	}
}

func statusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}
