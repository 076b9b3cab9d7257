package playback

// source is one scheduled buffer on the timeline. Positions are absolute
// device frames.
type source struct {
	sched   *Scheduler
	samples []float32
	start   int64 // first device frame this source occupies
	pos     int   // next sample index to render
	seq     uint64
	stopped bool
	onEnded func(*source)
	index   int // heap index, -1 once removed
}

// end returns the device frame just past the last sample.
func (s *source) end() int64 { return s.start + int64(len(s.samples)) }

// sourceHeap implements [container/heap.Interface] as a min-heap ordered by
// start frame, with FIFO tie-breaking on seq.
type sourceHeap []*source

func (h sourceHeap) Len() int { return len(h) }

// Less reports whether source i starts before source j. Equal start frames
// fall back to scheduling order.
func (h sourceHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h sourceHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push appends x to the heap. Called by [container/heap.Push].
func (h *sourceHeap) Push(x any) {
	s := x.(*source)
	s.index = len(*h)
	*h = append(*h, s)
}

// Pop removes and returns the last element. Called by [container/heap.Pop].
func (h *sourceHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	s.index = -1
	*h = old[:n-1]
	return s
}
