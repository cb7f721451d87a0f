package xmod

import "time"

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	OutboxSaved     EventType = "outbox_saved"
	OutboxPublished EventType = "outbox_published"
	OutboxSkipped   EventType = "outbox_skipped"
	OutboxCleaned   EventType = "outbox_cleaned"
	InboxProcessed  EventType = "inbox_processed"
	InboxDuplicate  EventType = "inbox_duplicate"
	InboxCleaned    EventType = "inbox_cleaned"
	PublishDone     EventType = "publish_done"
	SendDone        EventType = "send_done"
	Handled         EventType = "handled"
	Error           EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	Module    string
	Message   string
	MessageID string
	Path      string
	Count     int
	Duration  time.Duration
	Err       error

	// attached for async dispatch
	observers []Observer
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics is a snapshot of App counters.
type Metrics struct {
	Handled             uint64
	Published           uint64
	Sent                uint64
	OutboxSaved         uint64
	OutboxPublished     uint64
	OutboxSkipped       uint64
	InboxProcessed      uint64
	InboxDuplicates     uint64
	Errors              uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates app health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
