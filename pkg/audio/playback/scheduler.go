// Package playback provides a software output timeline implementing
// [audio.OutputStream]. Buffers are scheduled at absolute device times and
// mixed into whatever output blocks the device asks for through
// [Scheduler.Render]. The device clock is the number of frames rendered so
// far, so scheduling is sample-accurate regardless of how the device sizes
// its callbacks.
//
// The scheduler is device-agnostic: audio/portaudio drives Render from the
// PortAudio callback, tests drive it by hand.
package playback

import (
	"container/heap"
	"sync"
	"time"

	"github.com/MrWong99/advisorlive/pkg/audio"
)

var _ audio.OutputStream = (*Scheduler)(nil)
var _ audio.Source = (*source)(nil)

// Scheduler mixes scheduled buffers onto a monotonic frame clock.
// All methods are safe for concurrent use.
type Scheduler struct {
	format audio.Format

	mu      sync.Mutex
	frame   int64      // frames rendered so far
	waiting sourceHeap // scheduled, not yet reached
	active  []*source  // overlapping the render window
	seq     uint64
	closed  bool
}

// New creates a Scheduler for the given output format. Channels <= 0 is
// treated as mono.
func New(format audio.Format) *Scheduler {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &Scheduler{format: format}
}

// Format returns the output format the scheduler renders.
func (s *Scheduler) Format() audio.Format { return s.format }

// CurrentTime returns the device clock.
func (s *Scheduler) CurrentTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format.Duration(int(s.frame))
}

// pending returns the number of sources that have not finished or been
// stopped.
func (s *Scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting) + len(s.active)
}

// Schedule queues buf to start at device time at. Multi-channel buffers are
// folded to mono and copied to every output channel. A start time in the past
// begins at the next rendered frame.
func (s *Scheduler) Schedule(buf *audio.Buffer, at time.Duration, onEnded func(audio.Source)) (audio.Source, error) {
	if buf.SampleRate != s.format.SampleRate {
		return nil, audio.ErrFormatMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, audio.ErrPlaybackClosed
	}

	start := int64(s.format.Frames(at))
	if start < s.frame {
		start = s.frame
	}
	s.seq++
	src := &source{
		sched:   s,
		samples: buf.Mono(),
		start:   start,
		seq:     s.seq,
	}
	if onEnded != nil {
		src.onEnded = func(x *source) { onEnded(x) }
	}
	heap.Push(&s.waiting, src)
	return src, nil
}

// Render fills out with the next len(out)/channels frames of interleaved
// audio and advances the clock. Ended callbacks for sources that finished in
// this block run after the scheduler lock is released.
func (s *Scheduler) Render(out []float32) {
	clear(out)
	ch := s.format.Channels
	n := int64(len(out) / ch)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	from, to := s.frame, s.frame+n

	for len(s.waiting) > 0 && s.waiting[0].start < to {
		s.active = append(s.active, heap.Pop(&s.waiting).(*source))
	}

	var ended []*source
	kept := s.active[:0]
	for _, src := range s.active {
		lo := max(src.start, from)
		hi := min(src.end(), to)
		for f := lo; f < hi; f++ {
			v := src.samples[f-src.start]
			base := int(f-from) * ch
			for c := range ch {
				out[base+c] += v
			}
		}
		if src.end() <= to {
			src.pos = len(src.samples)
			src.stopped = true
			ended = append(ended, src)
			continue
		}
		src.pos = int(hi - src.start)
		kept = append(kept, src)
	}
	clear(s.active[len(kept):])
	s.active = kept
	s.frame = to
	s.mu.Unlock()

	for i, v := range out {
		if v > 1 {
			out[i] = 1
		} else if v < -1 {
			out[i] = -1
		}
	}
	for _, src := range ended {
		if src.onEnded != nil {
			src.onEnded(src)
		}
	}
}

// Advance renders d worth of audio into a scratch buffer and discards it.
// Useful for clocking the scheduler without a device.
func (s *Scheduler) Advance(d time.Duration) {
	s.Render(make([]float32, s.format.Frames(d)*s.format.Channels))
}

// Close stops every source and rejects further scheduling. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, src := range s.waiting {
		src.stopped = true
	}
	for _, src := range s.active {
		src.stopped = true
	}
	s.waiting = nil
	s.active = nil
	return nil
}

// Stop removes the source from the timeline without firing its ended
// callback.
func (src *source) Stop() {
	s := src.sched
	s.mu.Lock()
	defer s.mu.Unlock()
	if src.stopped {
		return
	}
	src.stopped = true
	if src.index >= 0 {
		heap.Remove(&s.waiting, src.index)
		return
	}
	for i, a := range s.active {
		if a == src {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return
		}
	}
}
