// Package metrics is the process-wide metrics facade. Core code records
// through the package functions; cmd wires a concrete Backend.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names understood by backends.
const (
	StageTotal           = "sdmx_stage_total"
	StageDurationSeconds = "sdmx_stage_duration_seconds"
	FeaturesTotal        = "sdmx_features_total"
	RemoteRequestsTotal  = "sdmx_remote_requests_total"
	RemoteErrorsTotal    = "sdmx_remote_errors_total"
	RemoteDurationSecs   = "sdmx_remote_request_duration_seconds"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric updates. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. nil restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush submits whatever the installed backend has buffered.
func Flush() error {
	return current().Flush()
}

// RecordStage counts one pipeline stage and its duration.
func RecordStage(stage, status string, d time.Duration) {
	l := Labels{"stage": stage, "status": status}
	IncCounter(StageTotal, 1, l)
	ObserveHistogram(StageDurationSeconds, d.Seconds(), l)
}

// RecordFeatures adds n to the feature counter of kind
// (built, matched, unmatched, stored).
func RecordFeatures(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(FeaturesTotal, float64(n), Labels{"kind": kind})
}

// RecordRemote counts one call to a remote service. status is the HTTP
// status, or 0 when no response arrived.
func RecordRemote(service string, status int, d time.Duration, failed bool) {
	s := "none"
	if status > 0 {
		s = strconv.Itoa(status)
	}
	l := Labels{"service": service, "status": s}
	IncCounter(RemoteRequestsTotal, 1, l)
	ObserveHistogram(RemoteDurationSecs, d.Seconds(), l)
	if failed {
		IncCounter(RemoteErrorsTotal, 1, l)
	}
}
