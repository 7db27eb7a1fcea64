// ABOUTME: Diagnostics snapshot of the engine
// ABOUTME: Queue, chains, mixer position and watchdog counters
package engine

import (
	"github.com/Resonate-Protocol/playout/internal/mixer"
	"github.com/Resonate-Protocol/playout/internal/protocol"
	"github.com/Resonate-Protocol/playout/internal/version"
	"github.com/google/uuid"
)

// Status returns the diagnostics document.
func (e *Engine) Status() protocol.Status {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	st := protocol.Status{
		Version:        version.Version,
		SampleRate:     e.mixer.SampleRate(),
		Queue:          []protocol.QueueEntry{},
		Chains:         []protocol.ChainStatus{},
		Pending:        []protocol.PendingRequest{},
		DecodeFailures: e.failures.total,
	}
	for _, f := range e.failures.recent {
		st.RecentFailures = append(st.RecentFailures, protocol.DecodeFailure{
			At:        f.At,
			EntryID:   f.EntryID.String(),
			PassageID: f.Passage.ID.String(),
			File:      f.Passage.File,
			Error:     f.Err.Error(),
		})
	}

	for _, entry := range e.queue.Entries() {
		qe := protocol.QueueEntry{
			EntryID:   entry.ID.String(),
			PassageID: entry.Passage.ID.String(),
			Title:     entry.Passage.Title,
			Artist:    entry.Passage.Artist,
			File:      entry.Passage.File,
			Position:  entry.Position.String(),
			Priority:  entry.Position.Priority().String(),
			LengthMs:  entry.Passage.Timing.Length().Millis(),
		}
		if entry.HasChain() {
			id := entry.ChainID
			qe.ChainID = &id
		}
		st.Queue = append(st.Queue, qe)
	}

	snap := e.pool.Snapshot()
	for _, c := range snap.Chains {
		cs := protocol.ChainStatus{
			ID:               c.ID,
			State:            c.State.String(),
			SourceSampleRate: c.SourceRate,
			BufferedMs:       c.Buffered.Milliseconds(),
			FillFrames:       c.Fill,
			DecodedFrames:    c.Written,
		}
		if c.Assigned {
			cs.EntryID = c.EntryID.String()
			cs.Priority = c.Priority.String()
		}
		st.Chains = append(st.Chains, cs)
	}
	for _, p := range snap.Pending {
		st.Pending = append(st.Pending, protocol.PendingRequest{EntryID: p.EntryID.String(), Priority: p.Priority.String()})
	}

	pos := e.mixer.Position()
	st.Mixer = protocol.MixerStatus{
		State:          pos.State.String(),
		Paused:         e.mixer.Paused(),
		PositionMs:     pos.Ticks.Millis(),
		PositionTicks:  int64(pos.Ticks),
		Volume:         e.mixer.Volume(),
		UnderrunFrames: e.mixer.Underruns(),
	}
	if pos.State != mixer.StateIdle {
		st.Mixer.EntryID = pos.EntryID.String()
	}
	if pos.Next != uuid.Nil {
		st.Mixer.NextEntryID = pos.Next.String()
	}

	st.Watchdog = protocol.WatchdogStatus{
		Interventions: e.wdState.Count(),
		IntervalMs:    e.settings.Get().WatchdogIntervalMs,
		Strict:        e.strict,
	}
	if last, ok := e.wdState.Last(); ok {
		at := last.At
		st.Watchdog.LastType = string(last.Kind)
		st.Watchdog.LastEntryID = last.EntryID.String()
		st.Watchdog.LastAt = &at
	}

	bs := e.bus.Stats()
	st.Events = protocol.EventStats{Published: bs.TotalPublished, Sent: bs.TotalSent, Dropped: bs.TotalDropped}
	return st
}
