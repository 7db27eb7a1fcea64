// ABOUTME: Wire types for the diagnostics and event stream surfaces
// ABOUTME: JSON envelope, server hello and the status document
package protocol

import (
	"time"

	"github.com/Resonate-Protocol/playout/internal/events"
)

// Message is the top-level wrapper for everything sent on the event stream
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Message types that are not playback events
const (
	TypeServerHello = "server/hello"
	TypeStatus      = "server/status"
)

// EventMessage wraps a playback event in the envelope.
func EventMessage(e events.Event) Message {
	return Message{Type: string(e.Type()), Payload: e}
}

// ServerHello is the first message on every event stream connection
type ServerHello struct {
	ServerID     string `json:"server_id"`
	Name         string `json:"name"`
	Product      string `json:"product"`
	Manufacturer string `json:"manufacturer"`
	Version      string `json:"version"`
	SampleRate   int    `json:"sample_rate"`
}

// Status is the diagnostics document served at /status
type Status struct {
	Version        string           `json:"version"`
	SampleRate     int              `json:"sample_rate"`
	Queue          []QueueEntry     `json:"queue"`
	Chains         []ChainStatus    `json:"chains"`
	Pending        []PendingRequest `json:"pending"`
	Mixer          MixerStatus      `json:"mixer"`
	Watchdog       WatchdogStatus   `json:"watchdog"`
	Events         EventStats       `json:"events"`
	DecodeFailures int              `json:"decode_failures"`
	RecentFailures []DecodeFailure  `json:"recent_failures,omitempty"`
}

// DecodeFailure is one passage that could not be decoded
type DecodeFailure struct {
	At        time.Time `json:"timestamp"`
	EntryID   string    `json:"entry_id"`
	PassageID string    `json:"passage_id"`
	File      string    `json:"file"`
	Error     string    `json:"error"`
}

// QueueEntry is one entry of the playback queue
type QueueEntry struct {
	EntryID   string `json:"entry_id"`
	PassageID string `json:"passage_id"`
	Title     string `json:"title,omitempty"`
	Artist    string `json:"artist,omitempty"`
	File      string `json:"file"`
	Position  string `json:"position"`
	Priority  string `json:"priority"`
	ChainID   *int   `json:"chain_id,omitempty"`
	LengthMs  int64  `json:"length_ms,omitempty"`
}

// ChainStatus describes one decode chain
type ChainStatus struct {
	ID               int    `json:"id"`
	State            string `json:"state"`
	EntryID          string `json:"entry_id,omitempty"`
	Priority         string `json:"priority,omitempty"`
	SourceSampleRate int    `json:"source_sample_rate,omitempty"` // Rate of the file, not the output
	BufferedMs       int64  `json:"buffered_ms"`
	FillFrames       int    `json:"fill_frames"`
	DecodedFrames    uint64 `json:"decoded_frames"`
}

// PendingRequest is a decode request waiting for a chain
type PendingRequest struct {
	EntryID  string `json:"entry_id"`
	Priority string `json:"priority"`
}

// MixerStatus is the published playback position
type MixerStatus struct {
	State          string `json:"state"`
	Paused         bool   `json:"paused"`
	EntryID        string `json:"entry_id,omitempty"`
	NextEntryID    string `json:"next_entry_id,omitempty"`
	PositionMs     int64  `json:"position_ms"`
	PositionTicks  int64  `json:"position_ticks"`
	Volume         int    `json:"volume"`
	UnderrunFrames int64  `json:"underrun_frames"`
}

// WatchdogStatus reports interventions. Interventions never decreases.
type WatchdogStatus struct {
	Interventions uint64     `json:"interventions"`
	LastType      string     `json:"last_type,omitempty"`
	LastEntryID   string     `json:"last_entry_id,omitempty"`
	LastAt        *time.Time `json:"last_at,omitempty"`
	IntervalMs    int        `json:"interval_ms"`
	Strict        bool       `json:"strict"`
}

// EventStats mirrors the event bus counters
type EventStats struct {
	Published uint64 `json:"published"`
	Sent      uint64 `json:"sent"`
	Dropped   uint64 `json:"dropped"`
}
