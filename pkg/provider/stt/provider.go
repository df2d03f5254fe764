// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// A provider opens one [SessionHandle] per conversation. Audio is pushed with
// SendAudio; interim and final transcripts arrive on separate channels. Close
// flushes buffered audio, delivers the remaining finals, and then closes both
// channels.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio a session will receive.
type StreamConfig struct {
	// SampleRate in Hz of the PCM audio passed to SendAudio.
	SampleRate int

	// Channels is the channel count of the PCM audio.
	Channels int

	// Language is a BCP-47 code (e.g., "en-US"). Empty means provider default.
	Language string
}

// Transcript is a recognition result.
type Transcript struct {
	Text string

	// IsFinal distinguishes authoritative results from interim hypotheses.
	IsFinal bool

	// Confidence in [0, 1]. Zero if the provider does not report it.
	Confidence float64

	// Start is the offset of the utterance from the start of the session.
	Start time.Duration
}

// SessionHandle is a live recognition session.
type SessionHandle interface {
	// SendAudio queues raw PCM for recognition.
	SendAudio(chunk []byte) error

	// Partials delivers interim transcripts. Closed after Close completes or
	// the connection ends.
	Partials() <-chan Transcript

	// Finals delivers final transcripts. Closed after Close completes or the
	// connection ends.
	Finals() <-chan Transcript

	// Err reports why the session ended when it ended without Close being
	// called. It is only meaningful after Finals is closed.
	Err() error

	// Close flushes pending audio and ends the session. It is idempotent.
	Close() error
}

// Provider opens recognition sessions.
type Provider interface {
	// StartStream opens a session. ctx bounds the session's lifetime.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
