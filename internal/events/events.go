// ABOUTME: Typed playback domain events
// ABOUTME: Queue, buffer, passage, failure and watchdog notifications
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names an event on the wire.
type Type string

const (
	TypeEnqueued               Type = "enqueued"
	TypeQueueAdvanced          Type = "queue_advanced"
	TypeEntryRemoved           Type = "entry_removed"
	TypeBufferThresholdReached Type = "buffer_threshold_reached"
	TypePassageStarted         Type = "passage_started"
	TypePassageCompleted       Type = "passage_completed"
	TypeDecodeFailed           Type = "decode_failed"
	TypeWatchdogIntervention   Type = "watchdog_intervention"
	TypePlaybackStateChanged   Type = "playback_state_changed"
	TypeSeeked                 Type = "seeked"
)

// Event is implemented by every event struct in this package.
type Event interface {
	Type() Type
	Time() time.Time
}

// Enqueued is published after an entry joins the queue.
type Enqueued struct {
	At        time.Time `json:"timestamp"`
	EntryID   uuid.UUID `json:"entry_id"`
	PassageID uuid.UUID `json:"passage_id"`
	Position  string    `json:"position"`
	Priority  string    `json:"priority"`
}

// QueueAdvanced is published when the current entry leaves the queue.
type QueueAdvanced struct {
	At       time.Time  `json:"timestamp"`
	Previous uuid.UUID  `json:"previous_entry_id"`
	Current  *uuid.UUID `json:"current_entry_id,omitempty"`
	Next     *uuid.UUID `json:"next_entry_id,omitempty"`
}

// EntryRemoved is published for explicit removals and skips.
type EntryRemoved struct {
	At       time.Time `json:"timestamp"`
	EntryID  uuid.UUID `json:"entry_id"`
	Position string    `json:"position"`
}

// BufferThresholdReached is published once per chain assignment when the
// buffered audio first reaches the minimum playback duration.
type BufferThresholdReached struct {
	At               time.Time     `json:"timestamp"`
	EntryID          uuid.UUID     `json:"entry_id"`
	ChainID          int           `json:"chain_id"`
	Buffered         time.Duration `json:"buffered_ns"`
	SourceSampleRate int           `json:"source_sample_rate"`
}

// PassageStarted is published when the mixer first outputs a passage.
type PassageStarted struct {
	At        time.Time     `json:"timestamp"`
	EntryID   uuid.UUID     `json:"entry_id"`
	PassageID uuid.UUID     `json:"passage_id"`
	Title     string        `json:"title,omitempty"`
	Nominal   time.Duration `json:"nominal_duration_ns"`
	Groups    []uuid.UUID   `json:"album_ids,omitempty"`
}

// PassageCompleted is published when the mixer stops outputting a passage.
// Played counts frames actually output. Completed is false for skips.
type PassageCompleted struct {
	At        time.Time     `json:"timestamp"`
	EntryID   uuid.UUID     `json:"entry_id"`
	PassageID uuid.UUID     `json:"passage_id"`
	Played    time.Duration `json:"duration_played_ns"`
	Completed bool          `json:"completed"`
	Groups    []uuid.UUID   `json:"album_ids,omitempty"`
}

// DecodeFailed is published when a chain cannot decode its passage.
type DecodeFailed struct {
	At        time.Time `json:"timestamp"`
	EntryID   uuid.UUID `json:"entry_id"`
	PassageID uuid.UUID `json:"passage_id"`
	File      string    `json:"file"`
	Error     string    `json:"error"`
}

// WatchdogIntervention is published for every corrective action the
// watchdog takes. Count is the cumulative total including this one.
type WatchdogIntervention struct {
	At      time.Time `json:"timestamp"`
	Kind    string    `json:"intervention_type"`
	EntryID uuid.UUID `json:"entry_id"`
	Count   uint64    `json:"interventions_total"`
}

// PlaybackStateChanged is published when playback is paused or resumed.
type PlaybackStateChanged struct {
	At     time.Time `json:"timestamp"`
	Paused bool      `json:"paused"`
}

// Seeked is published when the current passage is moved forward.
// Position is measured from the passage start.
type Seeked struct {
	At       time.Time     `json:"timestamp"`
	EntryID  uuid.UUID     `json:"entry_id"`
	Position time.Duration `json:"position_ns"`
}

func (e Enqueued) Type() Type               { return TypeEnqueued }
func (e QueueAdvanced) Type() Type          { return TypeQueueAdvanced }
func (e EntryRemoved) Type() Type           { return TypeEntryRemoved }
func (e BufferThresholdReached) Type() Type { return TypeBufferThresholdReached }
func (e PassageStarted) Type() Type         { return TypePassageStarted }
func (e PassageCompleted) Type() Type       { return TypePassageCompleted }
func (e DecodeFailed) Type() Type           { return TypeDecodeFailed }
func (e WatchdogIntervention) Type() Type   { return TypeWatchdogIntervention }
func (e PlaybackStateChanged) Type() Type   { return TypePlaybackStateChanged }
func (e Seeked) Type() Type                 { return TypeSeeked }

func (e Enqueued) Time() time.Time               { return e.At }
func (e QueueAdvanced) Time() time.Time          { return e.At }
func (e EntryRemoved) Time() time.Time           { return e.At }
func (e BufferThresholdReached) Time() time.Time { return e.At }
func (e PassageStarted) Time() time.Time         { return e.At }
func (e PassageCompleted) Time() time.Time       { return e.At }
func (e DecodeFailed) Time() time.Time           { return e.At }
func (e WatchdogIntervention) Time() time.Time   { return e.At }
func (e PlaybackStateChanged) Time() time.Time   { return e.At }
func (e Seeked) Time() time.Time                 { return e.At }
