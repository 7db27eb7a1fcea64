// ABOUTME: Real-time side of the mixer, called from the output callback
// ABOUTME: Reads ring buffers, applies envelopes and hands passages over
package mixer

import (
	"encoding/binary"
	"math"

	"github.com/Resonate-Protocol/playout/pkg/audio"
)

// maxSegments bounds passage handovers within one callback.
const maxSegments = 64

// ReadFrames fills dst with interleaved stereo frames and returns the frame
// count, which is always len(dst)/2. Gaps and pauses are silent.
func (m *Mixer) ReadFrames(dst []int32) int {
	frames := len(dst) / audio.Channels
	dst = dst[:frames*audio.Channels]
	clear(dst)
	m.ensureScratch(frames)

	if m.paused.Load() {
		m.sync()
		if m.playing != nil {
			m.seek(m.playing)
		}
		m.held = true
		return frames
	}
	if m.held {
		m.held = false
		m.fadePos = 0
		m.fadeLen = m.resumeLen.Load()
		m.fadeCurve = audio.Curve(m.resumeCurve.Load())
	}

	off := 0
	for i := 0; off < frames && i < maxSegments; i++ {
		m.sync()
		if m.playing == nil {
			break
		}
		off += m.mix(dst[off*audio.Channels:])
	}
	m.sync()
	m.applyResumeFade(dst)
	m.applyVolume(dst)
	return frames
}

// Read implements io.Reader with signed 16-bit little-endian stereo so the
// mixer can feed an output device directly.
func (m *Mixer) Read(p []byte) (int, error) {
	frames := len(p) / (2 * audio.Channels)
	if cap(m.frameBuf) < frames*audio.Channels {
		m.frameBuf = make([]int32, frames*audio.Channels)
	}
	buf := m.frameBuf[:frames*audio.Channels]
	m.ReadFrames(buf)
	for i, s := range buf {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(audio.SampleToInt16(s)))
	}
	return frames * 2 * audio.Channels, nil
}

func (m *Mixer) ensureScratch(frames int) {
	if n := frames * audio.Channels; cap(m.scratchA) < n {
		m.scratchA = make([]int32, n)
		m.scratchB = make([]int32, n)
	}
}

// sync adopts changes the control plane made to the current and next
// passages since the last callback.
func (m *Mixer) sync() {
	cur := m.cur.Load()
	if m.playing != cur {
		if p := m.playing; p != nil && !p.finished {
			m.markDone(p, false)
		}
		if cur != nil && cur == m.incoming {
			m.incoming = nil
		}
		m.playing = cur
	}
	if in := m.incoming; in != nil && m.next.Load() != in {
		if in.begun.Load() && !in.finished {
			m.markDone(in, false)
		}
		m.incoming = nil
	}
	m.crossfading.Store(m.incoming != nil)
}

// mix renders the current passage (and any crossfade partner) into out up
// to the next transition point and returns the frames handled.
func (m *Mixer) mix(out []int32) int {
	t := m.playing
	m.seek(t)
	pos := t.pos.Load()
	if t.end >= 0 && pos >= t.end {
		m.finish(t)
		return 0
	}

	want := int64(len(out) / audio.Channels)
	if !t.fadeOutChecked && t.fadeOutStart >= 0 {
		if pos >= t.fadeOutStart {
			t.fadeOutChecked = true
			m.beginCrossfade()
		} else {
			want = min(want, t.fadeOutStart-pos)
		}
	}
	if t.end >= 0 {
		want = min(want, t.end-pos)
	}

	complete := t.Buffer.Complete()
	got := int64(t.Buffer.Read(m.scratchA[:want*audio.Channels]))
	m.accumulate(out, m.scratchA[:got*audio.Channels], t)

	if in := m.incoming; in != nil && got > 0 {
		inComplete := in.Buffer.Complete()
		n := int64(in.Buffer.Read(m.scratchB[:got*audio.Channels]))
		m.accumulate(out, m.scratchB[:n*audio.Channels], in)
		if n < got && !inComplete {
			m.underruns.Add(got - n)
		}
	}

	if t.end >= 0 && t.pos.Load() >= t.end {
		m.finish(t)
		return int(got)
	}
	if got < want {
		if complete {
			m.finish(t)
			return int(got)
		}
		m.underruns.Add(want - got)
		return len(out) / audio.Channels
	}
	return int(got)
}

// beginCrossfade starts mixing the next passage if its buffer is Ready.
// Otherwise the current passage fades out alone.
func (m *Mixer) beginCrossfade() {
	n := m.next.Load()
	if n == nil || n.aborted.Load() || !n.Buffer.Ready() {
		return
	}
	m.incoming = n
	m.crossfading.Store(true)
}

// finish ends t and hands over to the crossfade partner, or to a Ready
// next passage, or goes idle.
func (m *Mixer) finish(t *track) {
	m.markDone(t, true)

	successor := m.incoming
	if successor == nil {
		if n := m.next.Load(); n != nil && !n.aborted.Load() && n.Buffer.Ready() {
			successor = n
		}
	}
	m.incoming = nil
	m.crossfading.Store(false)
	if !m.cur.CompareAndSwap(t, successor) {
		return
	}
	if successor != nil {
		m.next.CompareAndSwap(successor, nil)
	}
	m.playing = successor
}

// seek applies a pending Seek to t by dropping buffered frames. It never
// moves past what the decoder has written.
func (m *Mixer) seek(t *track) {
	target := t.seekTo.Swap(-1)
	if target < 0 {
		return
	}
	pos := t.pos.Load()
	if target <= pos {
		return
	}
	n := t.Buffer.Discard(int(target - pos))
	t.pos.Store(pos + int64(n))
}

// accumulate adds src, shaped by t's envelope, into out and advances t.
func (m *Mixer) accumulate(out, src []int32, t *track) {
	frames := int64(len(src) / audio.Channels)
	if frames == 0 {
		return
	}
	if !t.begun.Load() {
		m.markBegun(t)
	}

	pos := t.pos.Load()
	inFade := t.fadeIn > 0 && pos < t.fadeIn
	outFade := t.fadeOutStart >= 0 && pos+frames > t.fadeOutStart
	for i := int64(0); i < frames; i++ {
		l, r := src[i*2], src[i*2+1]
		if inFade || outFade {
			g := t.gain(pos + i)
			l = audio.Scale(l, g)
			r = audio.Scale(r, g)
		}
		out[i*2] += l
		out[i*2+1] += r
	}
	t.pos.Store(pos + frames)
}

// gain returns the envelope at frame p.
func (t *track) gain(p int64) float64 {
	g := 1.0
	if t.fadeIn > 0 && p < t.fadeIn {
		g = t.inCurve.FadeIn(float64(p) / float64(t.fadeIn))
	}
	if t.fadeOutStart >= 0 && t.fadeOutLen > 0 && p >= t.fadeOutStart {
		g *= t.outCurve.FadeOut(float64(p-t.fadeOutStart) / float64(t.fadeOutLen))
	}
	return g
}

// applyResumeFade ramps the output in after a pause.
func (m *Mixer) applyResumeFade(dst []int32) {
	for i := 0; i+1 < len(dst) && m.fadePos < m.fadeLen; i += audio.Channels {
		g := m.fadeCurve.FadeIn(float64(m.fadePos) / float64(m.fadeLen))
		dst[i] = audio.Scale(dst[i], g)
		dst[i+1] = audio.Scale(dst[i+1], g)
		m.fadePos++
	}
}

func (m *Mixer) applyVolume(dst []int32) {
	vol := math.Float64frombits(m.volume.Load())
	for i, s := range dst {
		if vol == 1 {
			dst[i] = audio.Clamp24(int64(s))
		} else {
			dst[i] = audio.Clamp24(int64(float64(s) * vol))
		}
	}
}
