// Package mock provides test doubles for the stt.Provider and
// stt.SessionHandle interfaces.
//
// Finals queued on a Session before Close are delivered before its channels
// close, which mirrors a real recogniser flushing on end of audio.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/tometo/pkg/provider/stt"
)

// Session is a mock implementation of stt.SessionHandle.
type Session struct {
	mu sync.Mutex

	// FinalsCh and PartialsCh are the channels returned by Finals and
	// Partials. NewSession creates them buffered.
	FinalsCh   chan stt.Transcript
	PartialsCh chan stt.Transcript

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// EndErr is returned by Err.
	EndErr error

	// OnAudio, if set, is called for every SendAudio chunk. Tests use it to
	// emit a final per chunk.
	OnAudio func(s *Session, chunk []byte)

	// SendAudioCalls records every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CloseCallCount counts Close invocations.
	CloseCallCount int

	closeOnce sync.Once
	closed    bool
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a Session with buffered channels of capacity 16.
func NewSession() *Session {
	return &Session{
		FinalsCh:   make(chan stt.Transcript, 16),
		PartialsCh: make(chan stt.Transcript, 16),
	}
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return stt.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		err := s.SendAudioErr
		s.mu.Unlock()
		return err
	}
	s.SendAudioCalls = append(s.SendAudioCalls, append([]byte(nil), chunk...))
	hook := s.OnAudio
	s.mu.Unlock()
	if hook != nil {
		hook(s, chunk)
	}
	return nil
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// Err returns EndErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EndErr
}

// Close counts the call and closes both channels once.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() {
		close(s.FinalsCh)
		close(s.PartialsCh)
	})
	return nil
}

// Closes returns CloseCallCount.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Chunks returns the number of SendAudio calls recorded.
func (s *Session) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. When nil a fresh NewSession is used.
	Session *Session

	// StartErr, if non-nil, is returned by StartStream.
	StartErr error

	// StartCalls records the config of every StartStream call.
	StartCalls []stt.StreamConfig
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records cfg and returns Session.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls = append(p.StartCalls, cfg)
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}
