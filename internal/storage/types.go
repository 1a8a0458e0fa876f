package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunEntry is the audit record of one finished run.
// Keep it compact and schema-stable.
type RunEntry struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Delivered  int       `json:"delivered"`
	Read       int       `json:"read"`
	HasImage   bool      `json:"has_image"`
	Text       string    `json:"text,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at"`
	Failures   []Failure `json:"failures,omitempty"`
}

// Failure is a recipient that did not receive the message.
type Failure struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

// MaxFailures bounds the failures kept per entry.
const MaxFailures = 200
