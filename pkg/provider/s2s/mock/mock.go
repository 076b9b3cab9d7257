// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to drive the callback stream (open, messages, errors, close)
// from the test goroutine and to inspect what the caller sent.
//
// Example:
//
//	p := &mock.Provider{AutoOpen: true}
//	handle, _ := p.Connect(ctx, cfg, callbacks)
//	sess := p.LastSession()
//	sess.Deliver(s2s.Message{AudioData: chunk})
//	sess.RemoteClose(nil)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/advisorlive/pkg/audio/pcm"
	"github.com/MrWong99/advisorlive/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// AutoOpen makes Connect fire OnOpen before it returns, the way a fast
	// server can acknowledge the setup before the dial call unwinds.
	AutoOpen bool

	// Gate, if non-nil, makes Connect block until it is closed or the
	// context passed to Connect is cancelled. In the latter case Connect
	// returns the context error.
	Gate chan struct{}

	// ProviderCapabilities is returned by Capabilities. The zero value is
	// replaced by 16 kHz input and 24 kHz output formats.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Connect records the call and returns a new Session bound to cb.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig, cb s2s.Callbacks) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	connectErr := p.ConnectErr
	autoOpen := p.AutoOpen
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}

	sess := &Session{cb: cb, Cfg: cfg}
	p.mu.Lock()
	p.sessions = append(p.sessions, sess)
	p.mu.Unlock()

	if autoOpen {
		sess.Open()
	}
	return sess, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	caps := p.ProviderCapabilities
	if caps.InputFormat.SampleRate == 0 {
		caps.InputFormat = pcm.Input16K
	}
	if caps.OutputFormat.SampleRate == 0 {
		caps.OutputFormat = pcm.Output24K
	}
	return caps
}

// ConnectCount returns how many times Connect has been called. Use it
// instead of len(ConnectCalls) while Connect may run concurrently.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Sessions returns every session created by Connect in order.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// LastSession returns the most recently created session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// Session is a mock implementation of s2s.SessionHandle. Its event methods
// invoke the callbacks synchronously on the calling goroutine.
type Session struct {
	mu sync.Mutex
	cb s2s.Callbacks

	// Cfg is the configuration the session was opened with.
	Cfg s2s.SessionConfig

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	sent       []string
	closeCount int
	closed     bool
	closeFired bool
}

// SendAudio records data and returns SendErr. After Close it returns
// s2s.ErrSessionClosed.
func (s *Session) SendAudio(data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, data)
	return nil
}

// Sent returns a copy of every chunk passed to SendAudio.
func (s *Session) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// Close marks the session closed and delivers OnClose(nil) if the session
// has not already ended. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.closed = true
	s.mu.Unlock()
	s.fireClose(nil)
	return nil
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Closed reports whether Close was called or the remote side closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Open delivers OnOpen.
func (s *Session) Open() { s.cb.EmitOpen() }

// Deliver delivers one inbound message.
func (s *Session) Deliver(m s2s.Message) { s.cb.EmitMessage(m) }

// Fail delivers a non-fatal error.
func (s *Session) Fail(err error) { s.cb.EmitError(err) }

// RemoteClose simulates the server ending the session: the session is
// marked closed and OnClose fires with err.
func (s *Session) RemoteClose(err error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.fireClose(err)
}

func (s *Session) fireClose(err error) {
	s.mu.Lock()
	if s.closeFired {
		s.mu.Unlock()
		return
	}
	s.closeFired = true
	s.mu.Unlock()
	s.cb.EmitClose(err)
}

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)
