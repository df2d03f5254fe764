// Package stream provides the typed, bounded, multi-reader streams that carry
// audio and text frames between pipeline stages, together with the combinators
// (Map, FilterMap, Merge, Clone) used to wire stages without them knowing about
// each other.
//
// A [Stream] has exactly one writer. Readers are attached with [Stream.Clone]
// and observe only frames written after they were attached. Every reader owns
// a bounded buffer; a full buffer suspends the writer instead of dropping
// frames.
//
// Typical usage:
//
//	s := stream.New[stream.TextChunk](stream.DefaultCapacity)
//	r := s.Clone()
//
//	go func() {
//	    defer s.Close()
//	    _ = s.Write(ctx, stream.TextChunk{Text: "hello"})
//	}()
//
//	for chunk, err := range r.All(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(chunk.Text)
//	}
package stream

import "time"

// Frame is the set of frame kinds a stream can carry. A stream is homogeneous
// in frame kind for its whole lifetime.
type Frame interface {
	AudioFrame | TextChunk
}

// AudioFrame is a chunk of raw PCM audio.
type AudioFrame struct {
	// Data holds little-endian signed 16-bit PCM samples.
	Data []byte

	// SampleRate in Hz (e.g., 16000).
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the offset of this frame from the start of its stream.
	Timestamp time.Duration
}

// ChunkKind discriminates the role a [TextChunk] plays on a stream.
type ChunkKind int

const (
	// ChunkToken is ordinary text: a token, sentence, or transcript.
	ChunkToken ChunkKind = iota

	// ChunkEndOfTurn marks the end of one generation turn. Text is empty.
	ChunkEndOfTurn

	// ChunkError is an in-band, recoverable error. Err holds the cause and
	// Text a human-readable rendering of it.
	ChunkError

	// ChunkToolResult carries the text returned by a tool invocation. It only
	// appears on history streams.
	ChunkToolResult
)

// String returns the lower-case wire name of the kind.
func (k ChunkKind) String() string {
	switch k {
	case ChunkToken:
		return "token"
	case ChunkEndOfTurn:
		return "end_of_turn"
	case ChunkError:
		return "error"
	case ChunkToolResult:
		return "tool_result"
	default:
		return "unknown"
	}
}

// TextChunk is a unit of UTF-8 text flowing through the pipeline.
type TextChunk struct {
	// Text is the chunk content. For raw transport input it holds the
	// undecoded JSON message.
	Text string

	// Role is the conversation role that produced the text: "user",
	// "assistant", "tool", or "system". May be empty for raw input.
	Role string

	// IsFinal reports whether the text is authoritative. Speech recognisers
	// set it on final transcripts; typed input is always final.
	IsFinal bool

	// Kind discriminates tokens from control frames.
	Kind ChunkKind

	// Name is the tool name for ChunkToolResult entries.
	Name string

	// Err is set when Kind is ChunkError.
	Err error
}

// EndOfTurn returns an end-of-turn marker for role.
func EndOfTurn(role string) TextChunk {
	return TextChunk{Role: role, Kind: ChunkEndOfTurn, IsFinal: true}
}

// ErrorChunk returns an in-band error frame wrapping err.
func ErrorChunk(err error) TextChunk {
	return TextChunk{Text: err.Error(), Kind: ChunkError, Err: err, IsFinal: true}
}
