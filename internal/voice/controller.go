package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/advisorlive/internal/observe"
	"github.com/MrWong99/advisorlive/pkg/audio"
	"github.com/MrWong99/advisorlive/pkg/audio/pcm"
	"github.com/MrWong99/advisorlive/pkg/provider/s2s"
)

// attempt tracks one in-flight Start call.
type attempt struct {
	ready  chan struct{} // closed by OnOpen
	failed chan error    // receives the first fatal error before Start returns
}

// fail records err for the waiting Start call. Must be called with
// Controller.mu held.
func (a *attempt) fail(err error) {
	select {
	case a.failed <- err:
	default:
	}
}

// Controller runs one realtime voice session at a time.
// All exported methods are safe for concurrent use.
type Controller struct {
	provider s2s.Provider
	capture  audio.CaptureDevice
	output   audio.OutputDevice

	onTranscript func(Transcript)
	onAlert      func(error)
	metrics      *observe.Metrics
	log          *slog.Logger

	mu          sync.Mutex
	cfg         Config
	status      Status
	gen         uint64
	attempt     *attempt
	cancelStart context.CancelFunc
	released    chan struct{} // closed when the running teardown finishes
	counted     bool          // session is included in ActiveSessions

	handle  s2s.SessionHandle
	mic     audio.CaptureStream
	out     audio.OutputStream
	outFmt  audio.Format
	cursor  time.Duration
	pending map[audio.Source]struct{}
}

// New creates an idle Controller. Nothing is opened until [Controller.Start].
func New(provider s2s.Provider, capture audio.CaptureDevice, output audio.OutputDevice, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		provider: provider,
		capture:  capture,
		output:   output,
		cfg:      cfg.withDefaults(),
		pending:  make(map[audio.Source]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Reconfigure replaces the session settings. The running session, if any,
// keeps its settings; the next Start uses cfg.
func (c *Controller) Reconfigure(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg.withDefaults()
}

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsLive reports whether the session is open.
func (c *Controller) IsLive() bool {
	return c.Status() == StatusOpen
}

// pendingSources returns the number of scheduled, unfinished playback chunks.
func (c *Controller) pendingSources() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Start opens the output device, the microphone and the remote channel, then
// blocks until the channel confirms it is open.
//
// It returns [ErrSessionActive] if a session already exists,
// [ErrPermissionDenied] if the microphone is refused, [ErrChannelOpenFailed]
// if the channel cannot be opened, and [ErrStartCancelled] if [Controller.Stop]
// runs or ctx is cancelled first. On every failure everything opened so far
// is released and the controller is idle again.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusIdle {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.gen++
	gen := c.gen
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	att := &attempt{ready: make(chan struct{}), failed: make(chan error, 1)}
	c.attempt = att
	c.cancelStart = cancel
	c.status = StatusConnecting
	cfg := c.cfg
	c.mu.Unlock()

	started := time.Now()
	caps := c.provider.Capabilities()
	inFmt, outFmt := caps.InputFormat, caps.OutputFormat
	if inFmt.SampleRate == 0 {
		inFmt = pcm.Input16K
	}
	if outFmt.SampleRate == 0 {
		outFmt = pcm.Output24K
	}

	out, err := c.output.Open(actx, outFmt)
	if err != nil {
		return c.failStart(ctx, gen, "error", fmt.Errorf("voice: open output: %w", err))
	}
	if !c.adopt(gen, func() {
		c.out = out
		c.outFmt = outFmt
		c.cursor = out.CurrentTime()
	}) {
		_ = out.Close()
		return c.cancelled(ctx)
	}

	mic, err := c.capture.Open(actx, inFmt, cfg.FrameSize, func(samples []float32) {
		c.handleCapture(gen, samples)
	})
	if err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			return c.failStart(ctx, gen, "permission_denied", fmt.Errorf("%w: %w", ErrPermissionDenied, err))
		}
		return c.failStart(ctx, gen, "error", fmt.Errorf("voice: open microphone: %w", err))
	}
	if !c.adopt(gen, func() { c.mic = mic }) {
		_ = mic.Close()
		return c.cancelled(ctx)
	}

	handle, err := c.provider.Connect(actx, s2s.SessionConfig{
		Modality:     s2s.ModalityAudio,
		Voice:        cfg.Voice,
		Instructions: cfg.Instructions,
		Transcribe:   cfg.Transcribe,
	}, s2s.Callbacks{
		OnOpen:    func() { c.handleOpen(gen) },
		OnMessage: func(m s2s.Message) { c.handleMessage(gen, m) },
		OnError:   func(err error) { c.handleError(gen, err) },
		OnClose:   func(err error) { c.handleClose(gen, err) },
	})
	if err != nil {
		return c.failStart(ctx, gen, "channel_failed", fmt.Errorf("%w: %w", ErrChannelOpenFailed, err))
	}
	if !c.adopt(gen, func() { c.handle = handle }) {
		_ = handle.Close()
		return c.cancelled(ctx)
	}

	select {
	case <-att.ready:
	case err = <-att.failed:
	case <-actx.Done():
		err = actx.Err()
	}
	if err != nil {
		if errors.Is(err, ErrChannelOpenFailed) {
			return c.failStart(ctx, gen, "channel_failed", err)
		}
		return c.failStart(ctx, gen, "error", fmt.Errorf("%w: %w", ErrChannelOpenFailed, err))
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return c.cancelled(ctx)
	}
	select {
	case err = <-att.failed:
		c.mu.Unlock()
		return c.failStart(ctx, gen, "channel_failed", err)
	default:
	}
	c.attempt = nil
	c.cancelStart = nil
	c.mu.Unlock()

	c.metrics.ConnectDuration.Record(ctx, time.Since(started).Seconds())
	c.metrics.RecordSessionStart(ctx, "ok")
	c.log.Info("voice: session open", "voice", cfg.Voice, "elapsed", time.Since(started))
	return nil
}

// adopt runs fn under the lock if gen is still the current session.
func (c *Controller) adopt(gen uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	fn()
	return true
}

func (c *Controller) cancelled(ctx context.Context) error {
	c.metrics.RecordSessionStart(ctx, "cancelled")
	return ErrStartCancelled
}

// failStart tears down the attempt identified by gen and reports err. If the
// attempt was already superseded by Stop, or ctx was cancelled by the
// caller, the start counts as cancelled and no alert is raised.
func (c *Controller) failStart(ctx context.Context, gen uint64, status string, err error) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return c.cancelled(ctx)
	}
	release := c.beginTeardownLocked()
	c.mu.Unlock()
	release()

	if errors.Is(ctx.Err(), context.Canceled) {
		c.metrics.RecordSessionStart(ctx, "cancelled")
		return fmt.Errorf("%w: %w", ErrStartCancelled, ctx.Err())
	}

	c.metrics.RecordSessionStart(ctx, status)
	c.log.Error("voice: start failed", "err", err)
	if c.onAlert != nil {
		c.onAlert(err)
	}
	return err
}

// Stop ends the session. It is idempotent, never fails and is safe to call
// before, during or after Start. When Stop returns the controller is idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	switch c.status {
	case StatusIdle:
		c.mu.Unlock()
		return
	case StatusClosed:
		done := c.released
		c.mu.Unlock()
		<-done
		return
	}
	release := c.beginTeardownLocked()
	c.mu.Unlock()
	release()
}

// Close stops the session. It always returns nil.
func (c *Controller) Close() error {
	c.Stop()
	return nil
}

// beginTeardownLocked invalidates the current session, detaches its
// resources and stops every pending source. The returned function releases
// the devices and the channel and must be called without c.mu held, since
// closing them can wait on goroutines that call back into the Controller.
func (c *Controller) beginTeardownLocked() func() {
	c.gen++
	c.status = StatusClosed
	done := make(chan struct{})
	c.released = done

	cancel := c.cancelStart
	handle, mic, out := c.handle, c.mic, c.out
	counted := c.counted
	c.attempt, c.cancelStart = nil, nil
	c.handle, c.mic, c.out = nil, nil, nil
	c.counted = false
	c.cursor = 0

	for src := range c.pending {
		src.Stop()
	}
	clear(c.pending)

	return func() {
		if cancel != nil {
			cancel()
		}
		if mic != nil {
			if err := mic.Close(); err != nil {
				c.log.Warn("voice: close microphone", "err", err)
			}
		}
		if handle != nil {
			if err := handle.Close(); err != nil {
				c.log.Warn("voice: close channel", "err", err)
			}
		}
		if out != nil {
			if err := out.Close(); err != nil {
				c.log.Warn("voice: close output", "err", err)
			}
		}
		if counted {
			c.metrics.ActiveSessions.Add(context.Background(), -1)
		}

		c.mu.Lock()
		c.status = StatusIdle
		c.mu.Unlock()
		close(done)
		c.log.Info("voice: session closed")
	}
}

// handleCapture converts one microphone window and sends it through the
// current handle. Without a handle or an open session it does nothing.
func (c *Controller) handleCapture(gen uint64, samples []float32) {
	c.mu.Lock()
	if c.gen != gen || c.status != StatusOpen || c.handle == nil {
		c.mu.Unlock()
		return
	}
	handle := c.handle
	c.mu.Unlock()

	if err := handle.SendAudio(pcm.EncodeBase64(pcm.FloatToPCM16(samples))); err != nil {
		if !errors.Is(err, s2s.ErrSessionClosed) {
			c.log.Warn("voice: send audio", "err", err)
		}
		return
	}
	c.metrics.FramesSent.Add(context.Background(), 1)
}

func (c *Controller) handleOpen(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.status != StatusConnecting {
		return
	}
	c.status = StatusOpen
	c.counted = true
	c.metrics.ActiveSessions.Add(context.Background(), 1)
	if c.attempt != nil {
		close(c.attempt.ready)
	}
}

func (c *Controller) handleMessage(gen uint64, m s2s.Message) {
	if c.onTranscript != nil && c.current(gen) {
		if m.InputTranscript != "" {
			c.onTranscript(Transcript{Speaker: SpeakerUser, Text: m.InputTranscript})
		}
		if m.OutputTranscript != "" {
			c.onTranscript(Transcript{Speaker: SpeakerModel, Text: m.OutputTranscript})
		}
	}
	if m.InputTranscript != "" {
		c.log.Debug("voice: user transcript", "text", m.InputTranscript)
	}
	if m.OutputTranscript != "" {
		c.log.Debug("voice: model transcript", "text", m.OutputTranscript)
	}

	var buf *audio.Buffer
	if m.AudioData != "" {
		c.mu.Lock()
		rate := c.outFmt.SampleRate
		c.mu.Unlock()
		var err error
		buf, err = decodeChunk(m.AudioData, rate)
		if err != nil {
			c.log.Warn("voice: dropping undecodable chunk", "err", err)
			c.metrics.RecordChunkDropped(context.Background(), observe.DropDecode)
			buf = nil
		}
	}

	c.mu.Lock()
	if c.gen != gen || c.out == nil {
		c.mu.Unlock()
		return
	}
	if buf != nil {
		c.scheduleLocked(gen, buf)
	}
	if m.Interrupted {
		c.flushLocked()
	}
	if m.TurnComplete {
		c.log.Debug("voice: turn complete")
	}
	if !m.Closed {
		c.mu.Unlock()
		return
	}
	c.endLocked(fmt.Errorf("%w: channel closed by remote", ErrChannelOpenFailed))
}

func decodeChunk(data string, rate int) (*audio.Buffer, error) {
	raw, err := pcm.DecodeBase64(data)
	if err != nil {
		return nil, err
	}
	if rate == 0 {
		rate = pcm.Output24K.SampleRate
	}
	return pcm.PCM16ToBuffer(raw, rate, 1)
}

// scheduleLocked queues buf at max(cursor, device time) and advances the
// cursor by the buffer's duration.
func (c *Controller) scheduleLocked(gen uint64, buf *audio.Buffer) {
	ctx := context.Background()
	if len(c.pending) >= c.cfg.MaxPendingSources {
		c.log.Warn("voice: playback queue full, dropping chunk", "pending", len(c.pending))
		c.metrics.RecordChunkDropped(ctx, observe.DropBackpressure)
		return
	}
	start := max(c.cursor, c.out.CurrentTime())
	src, err := c.out.Schedule(buf, start, func(src audio.Source) { c.handleEnded(gen, src) })
	if err != nil {
		c.log.Warn("voice: schedule chunk", "err", err)
		c.metrics.RecordChunkDropped(ctx, observe.DropSchedule)
		return
	}
	c.cursor = start + buf.Duration()
	c.pending[src] = struct{}{}
	c.metrics.ChunksScheduled.Add(ctx, 1)
}

// flushLocked silences every pending source and resets the cursor to the
// device clock.
func (c *Controller) flushLocked() {
	for src := range c.pending {
		src.Stop()
	}
	clear(c.pending)
	c.cursor = c.out.CurrentTime()
	c.metrics.Interruptions.Add(context.Background(), 1)
	c.log.Debug("voice: playback interrupted")
}

func (c *Controller) handleEnded(gen uint64, src audio.Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	delete(c.pending, src)
}

func (c *Controller) handleError(gen uint64, err error) {
	if !c.current(gen) {
		return
	}
	c.metrics.ChannelErrors.Add(context.Background(), 1)
	c.log.Error("voice: channel error", "err", err)
}

func (c *Controller) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if err == nil {
		err = errors.New("channel closed by remote")
	}
	c.endLocked(fmt.Errorf("%w: %w", ErrChannelOpenFailed, err))
}

// endLocked handles the remote side ending the session. While Start is
// still waiting the failure is handed to it; otherwise the session is torn
// down here. c.mu must be held and is released.
func (c *Controller) endLocked(cause error) {
	if c.attempt != nil {
		c.attempt.fail(cause)
		c.mu.Unlock()
		return
	}
	if c.status == StatusIdle || c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	release := c.beginTeardownLocked()
	c.mu.Unlock()
	release()
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}
