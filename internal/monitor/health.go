package monitor

import (
	"time"
)

// HealthStatus summarizes how reads from one watched file are going.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// DefaultFailThreshold is the number of consecutive read failures after
// which a source is reported as failed rather than degraded.
const DefaultFailThreshold = 3

// SourceStatus is the externally visible state of one watched file.
type SourceStatus struct {
	Path        string       `json:"path"`
	Status      HealthStatus `json:"status"`
	Offset      int64        `json:"offset"`
	Failures    int          `json:"failures"`
	LastError   string       `json:"lastError,omitempty"`
	LastErrorAt *time.Time   `json:"lastErrorAt,omitempty"`
	LastReadAt  *time.Time   `json:"lastReadAt,omitempty"`
}

// sourceHealth tracks consecutive read failures for a single source.
// Guarded by the watcher's mutex.
type sourceHealth struct {
	failures int
	lastErr  string
	lastFail time.Time
	lastRead time.Time
	// reported is set once the current failure episode went to OnError.
	reported bool
}

func (h *sourceHealth) recordSuccess(now time.Time) {
	h.failures = 0
	h.reported = false
	h.lastRead = now
}

// recordFailure returns true when this failure starts a new episode and
// should be reported.
func (h *sourceHealth) recordFailure(err error, now time.Time) bool {
	h.failures++
	h.lastErr = err.Error()
	h.lastFail = now
	if h.reported {
		return false
	}
	h.reported = true
	return true
}

func (h *sourceHealth) status(threshold int) HealthStatus {
	switch {
	case h.failures >= threshold:
		return StatusFailed
	case h.failures > 0:
		return StatusDegraded
	}
	return StatusHealthy
}

func (h *sourceHealth) snapshot(path string, offset int64, threshold int) SourceStatus {
	st := SourceStatus{
		Path:     path,
		Status:   h.status(threshold),
		Offset:   offset,
		Failures: h.failures,
	}
	if h.lastErr != "" {
		st.LastError = h.lastErr
		t := h.lastFail
		st.LastErrorAt = &t
	}
	if !h.lastRead.IsZero() {
		t := h.lastRead
		st.LastReadAt = &t
	}
	return st
}
