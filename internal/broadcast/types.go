package broadcast

import (
	"time"

	"broadcastd/internal/content"
	"broadcastd/internal/gateway"
)

type SendState string

const (
	SendPending    SendState = "pending"
	SendAttempting SendState = "attempting"
	SendSent       SendState = "sent"
	SendRetrying   SendState = "retrying"
	SendFailed     SendState = "failed"
)

// Terminal reports whether no further send transitions are allowed.
func (s SendState) Terminal() bool { return s == SendSent || s == SendFailed }

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
)

type ReadState string

const (
	ReadPending ReadState = "pending"
	ReadRead    ReadState = "read"
)

type RunStatus string

const (
	StatusIdle      RunStatus = "idle"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusCancelled RunStatus = "cancelled"
	StatusError     RunStatus = "error"
)

// Record is the lifecycle of one recipient within a run.
type Record struct {
	ID                string        `json:"id"`
	Recipient         string        `json:"recipient"`
	SendState         SendState     `json:"send_state"`
	DeliveryState     DeliveryState `json:"delivery_state"`
	ReadState         ReadState     `json:"read_state"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	AttemptCount      int           `json:"attempt_count"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Patch is a partial record update. Nil fields are left untouched.
type Patch struct {
	SendState         *SendState
	DeliveryState     *DeliveryState
	ReadState         *ReadState
	ProviderMessageID *string
	LastError         *string
	// AttemptCount is absolute. Lower values than the current one are ignored.
	AttemptCount *int
}

func ptr[T any](v T) *T { return &v }

// Counts aggregates record states.
type Counts struct {
	Pending    int `json:"pending"`
	Attempting int `json:"attempting"`
	Retrying   int `json:"retrying"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Delivered  int `json:"delivered"`
	Read       int `json:"read"`
}

// Summary describes a run without its records.
type Summary struct {
	RunID      string    `json:"run_id"`
	Status     RunStatus `json:"status"`
	Progress   float64   `json:"progress"`
	Processed  int       `json:"processed"`
	Total      int       `json:"total"`
	Counts     Counts    `json:"counts"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Snapshot is a consistent copy of a run. Records are in input order.
type Snapshot struct {
	Summary
	Records []Record `json:"records"`
}

// Request starts a run.
type Request struct {
	Recipients  []string
	Message     content.Message
	Credentials gateway.Credentials
}

// Config controls how runs are executed. Changes apply to the next run.
//
// Strategy values:
//   - "pool" (default): min(concurrency, n) workers pull from a shared queue
//   - "batch": records go out in batches of concurrency; each batch finishes
//     (retries included) before the next starts
type Config struct {
	Concurrency int
	Strategy    string
	// RatePerSec throttles attempts across the run. 0 disables throttling.
	RatePerSec int

	// HistorySize/HistoryTTL bound how many finished runs are retained.
	HistorySize int
	HistoryTTL  time.Duration

	// MaxImageBytes <= 0 means content.MaxImageBytes.
	MaxImageBytes int64
}

const (
	StrategyPool  = "pool"
	StrategyBatch = "batch"

	DefaultConcurrency = 5
	CancelReason       = "Cancelled by user"
)

// Event types published on the bus.
const (
	EventStarted   = "broadcast.started"
	EventRecord    = "broadcast.record"
	EventProgress  = "broadcast.progress"
	EventCancelled = "broadcast.cancelled"
	EventFinished  = "broadcast.finished"
)

// RecordEvent is the payload of EventRecord.
type RecordEvent struct {
	RunID  string `json:"run_id"`
	Record Record `json:"record"`
}

// ProgressEvent is the payload of EventProgress.
type ProgressEvent struct {
	RunID     string  `json:"run_id"`
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
	Progress  float64 `json:"progress"`
}
