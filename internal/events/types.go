// Package events provides event management functionality.
package events

import (
	"time"
)

// EventType represents different event types
type EventType string

const (
	SessionCreated       EventType = "SESSION_CREATED"
	SessionStatusChanged EventType = "SESSION_STATUS_CHANGED"
	StrategyCompleted    EventType = "STRATEGY_COMPLETED"
	StrategyFailed       EventType = "STRATEGY_FAILED"
	BatchProgress        EventType = "BATCH_PROGRESS"
	BatchFinished        EventType = "BATCH_FINISHED"
	ErrorOccurred        EventType = "ERROR_OCCURRED"
)

// EventData is implemented by all typed event payloads
type EventData interface {
	EventDataType() EventType
}

// SessionEventData describes a session lifecycle change
type SessionEventData struct {
	SessionID string    `json:"session_id"`
	Mode      string    `json:"mode"`
	Status    string    `json:"status"`
	Total     int       `json:"total_strategies"`
	Timestamp time.Time `json:"timestamp"`
}

// EventDataType implements EventData
func (d *SessionEventData) EventDataType() EventType { return SessionStatusChanged }

// StrategyEventData describes the outcome of a single strategy execution
type StrategyEventData struct {
	SessionID     string    `json:"session_id"`
	StrategyID    string    `json:"strategy_id"`
	Status        string    `json:"status"`
	ExecutionSecs float64   `json:"execution_time_seconds"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// EventDataType implements EventData
func (d *StrategyEventData) EventDataType() EventType { return StrategyCompleted }

// ProgressEventData carries batch progress counters
type ProgressEventData struct {
	SessionID string    `json:"session_id"`
	Current   int       `json:"current"`
	Total     int       `json:"total"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventDataType implements EventData
func (d *ProgressEventData) EventDataType() EventType { return BatchProgress }

// ErrorEventData carries error context
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventDataType implements EventData
func (d *ErrorEventData) EventDataType() EventType { return ErrorOccurred }
