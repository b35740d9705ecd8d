package events

import (
	"time"
)

// ProgressReporter lets long-running batch executions report progress.
// Reports are throttled so a fast worker pool cannot flood the bus.
type ProgressReporter struct {
	manager     *Manager
	sessionID   string
	lastReport  time.Time
	minInterval time.Duration
}

// NewProgressReporter creates a new progress reporter with throttling.
// Default throttle is 100ms (10 updates/sec max) for real-time feel.
func NewProgressReporter(m *Manager, sessionID string) *ProgressReporter {
	return &ProgressReporter{
		manager:     m,
		sessionID:   sessionID,
		minInterval: 100 * time.Millisecond,
	}
}

// Report emits a progress event (throttled to prevent flooding).
// Completion (current == total) always bypasses the throttle.
func (pr *ProgressReporter) Report(current, total int, message string) {
	if pr.manager == nil {
		return
	}

	now := time.Now()
	if now.Sub(pr.lastReport) < pr.minInterval && current != total {
		return
	}
	pr.lastReport = now

	pr.manager.EmitTyped(BatchProgress, "engine", &ProgressEventData{
		SessionID: pr.sessionID,
		Current:   current,
		Total:     total,
		Message:   message,
		Timestamp: now,
	})
}

// ReportUnthrottled emits a progress event that always bypasses the throttle.
// Use for milestones or state changes that must never be dropped.
func (pr *ProgressReporter) ReportUnthrottled(current, total int, message string) {
	if pr.manager == nil {
		return
	}

	now := time.Now()
	pr.lastReport = now

	pr.manager.EmitTyped(BatchProgress, "engine", &ProgressEventData{
		SessionID: pr.sessionID,
		Current:   current,
		Total:     total,
		Message:   message,
		Timestamp: now,
	})
}
