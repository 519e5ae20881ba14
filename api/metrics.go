package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	// AlertPopFailureSpike fires when forbidden PoP resolutions exceed the
	// threshold within the window: a likely probe for bound keys.
	AlertPopFailureSpike AlertType = "pop_failure_spike"
	// AlertLockChurn fires on a burst of lock conflicts.
	AlertLockChurn AlertType = "lock_churn"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	popFailures  []time.Time
	popWindow    time.Duration
	popThreshold int

	lockConflicts []time.Time
	lockWindow    time.Duration
	lockThreshold int

	alertFn AlertFunc
}

const (
	defaultPopFailureWindow      = 1 * time.Minute
	defaultPopFailureThreshold   = 50
	defaultLockConflictWindow    = 5 * time.Minute
	defaultLockConflictThreshold = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		popWindow:     defaultPopFailureWindow,
		popThreshold:  defaultPopFailureThreshold,
		lockWindow:    defaultLockConflictWindow,
		lockThreshold: defaultLockConflictThreshold,
		alertFn:       alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditPopForbidden:
		m.recordPopFailure()
	case AuditLockConflict:
		m.recordLockConflict()
	}
}

func (m *metricsCollector) recordPopFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.popFailures = append(m.popFailures, now)
	m.popFailures = trimWindow(m.popFailures, now, m.popWindow)

	if len(m.popFailures) >= m.popThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertPopFailureSpike,
			Message:   "forbidden PoP resolution rate exceeds threshold",
			Count:     len(m.popFailures),
			Threshold: m.popThreshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		m.popFailures = m.popFailures[:0]
	}
}

func (m *metricsCollector) recordLockConflict() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.lockConflicts = append(m.lockConflicts, now)
	m.lockConflicts = trimWindow(m.lockConflicts, now, m.lockWindow)

	if len(m.lockConflicts) >= m.lockThreshold {
		m.alertFn(AlertEvent{
			Type:      AlertLockChurn,
			Message:   "lock conflict rate exceeds threshold",
			Count:     len(m.lockConflicts),
			Threshold: m.lockThreshold,
			Timestamp: now,
		})
		m.lockConflicts = m.lockConflicts[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
