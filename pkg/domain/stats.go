package domain

import "time"

// AgentStats is a point-in-time snapshot of the agent's counters.
// The counters are eventually consistent with the event stream: a reader
// replaying ring events and a reader of this snapshot may briefly disagree.
type AgentStats struct {
	// Allocation accounting
	TotalAllocations uint64 `json:"total_allocations"`
	TotalFrees       uint64 `json:"total_frees"`
	CurrentMemory    uint64 `json:"current_memory"`
	LeakCount        uint64 `json:"leak_count"`

	// Live-allocation index
	LiveTracked  int64 `json:"live_tracked"`
	IndexDropped int64 `json:"index_dropped"`

	// Event publication
	EventsPublished int64 `json:"events_published"`
	EventsDropped   int64 `json:"events_dropped"`
	ErrorCount      int64 `json:"error_count"`

	Uptime        time.Duration     `json:"uptime"`
	LastEventTime time.Time         `json:"last_event_time"`
	CustomMetrics map[string]string `json:"custom_metrics,omitempty"`
}
