package audit

import "dwelltrack/internal/runtime/supervisor"

// Config controls the dwell-event pipeline.
type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	RatePerSec  int // storage appends per second
	HistorySize int
}

// Snapshot is the pipeline's operational state for health output.
type Snapshot struct {
	Enabled    bool                `json:"enabled"`
	Running    bool                `json:"running"`
	QueueLen   int                 `json:"queue_len"`
	QueueCap   int                 `json:"queue_cap"`
	Enqueued   uint64              `json:"enqueued"`
	Stored     uint64              `json:"stored"`
	Dropped    uint64              `json:"dropped"`
	History    int                 `json:"history"`
	Goroutines supervisor.Counters `json:"goroutines"`
}
