package stream

import (
	"context"
	"errors"
	"io"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the per-reader buffer size used when a capacity ≤ 0 is
// passed to [New].
const DefaultCapacity = 64

// ErrClosedStream is returned by [Stream.Write] once the stream has been
// closed, and by a blocked Write whose stream is closed underneath it.
var ErrClosedStream = errors.New("stream: write on closed stream")

// ErrReleased is returned by [Reader.Recv] after the reader was released.
var ErrReleased = errors.New("stream: reader released")

// Stream is an ordered, single-writer, multi-reader sequence of frames that
// terminates exactly once, either normally or with an error.
//
// The zero value is not usable; create streams with [New].
type Stream[T Frame] struct {
	capacity int

	mu      sync.Mutex
	readers []*Reader[T]
	closed  bool
	err     error

	// aborted is set when the stream was terminated by Abort.
	aborted atomic.Bool

	// done is closed on termination.
	done chan struct{}
}

// New returns an open stream whose readers buffer up to capacity frames.
func New[T Frame](capacity int) *Stream[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Stream[T]{
		capacity: capacity,
		done:     make(chan struct{}),
	}
}

// Write delivers v to every attached reader. It blocks while any reader's
// buffer is full and returns when v has been enqueued for all of them.
//
// Write returns [ErrClosedStream] if the stream is closed before or while it
// is blocked, and ctx.Err() if ctx is cancelled while it is blocked. A stream
// with no attached readers accepts and discards frames.
func (s *Stream[T]) Write(ctx context.Context, v T) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosedStream
	}
	readers := slices.Clone(s.readers)
	s.mu.Unlock()

	for _, r := range readers {
		select {
		case r.buf <- v:
		case <-r.released:
		case <-s.done:
			return ErrClosedStream
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close terminates the stream normally. Readers drain any buffered frames and
// then observe [io.EOF]. Close is idempotent and never blocks.
func (s *Stream[T]) Close() {
	s.CloseWithError(nil)
}

// CloseWithError terminates the stream with err. A nil err is a normal close.
// Only the first Close or CloseWithError call has an effect.
func (s *Stream[T]) CloseWithError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
}

// Abort terminates the stream with err and discards every frame still
// buffered in its readers. Readers observe err on their next Recv. A nil err
// is treated as [context.Canceled]. Abort has no effect on a stream that is
// already terminated.
func (s *Stream[T]) Abort(err error) {
	if err == nil {
		err = context.Canceled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.aborted.Store(true)
	s.closed = true
	s.err = err
	close(s.done)
}

// Closed reports whether the stream has been terminated.
func (s *Stream[T]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done returns a channel that is closed when the stream terminates.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Clone attaches a new reader that receives every frame written after this
// call. Cloning a terminated stream yields a reader that immediately observes
// the termination.
func (s *Stream[T]) Clone() *Reader[T] {
	r := &Reader[T]{
		s:        s,
		buf:      make(chan T, s.capacity),
		released: make(chan struct{}),
	}
	s.mu.Lock()
	if !s.closed {
		s.readers = append(s.readers, r)
	}
	s.mu.Unlock()
	return r
}

// terminal returns the error readers observe once the buffer is drained.
func (s *Stream[T]) terminal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return io.EOF
}

func (s *Stream[T]) detach(r *Reader[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readers = slices.DeleteFunc(s.readers, func(x *Reader[T]) bool { return x == r })
}

// Reader is one consumer's cursor over a [Stream]. A Reader must be used by a
// single goroutine.
type Reader[T Frame] struct {
	s        *Stream[T]
	buf      chan T
	released chan struct{}
	once     sync.Once

	ended  bool
	endErr error
}

// Recv returns the next frame. It blocks until a frame is available, the
// stream terminates, or ctx is cancelled.
//
// At normal end of stream Recv returns [io.EOF]; after an error close it
// returns that error. Buffered frames are delivered before the terminal
// value unless the stream was aborted, in which case they are dropped. Once
// a terminal value has been returned, every later call
// returns the same value without blocking.
func (r *Reader[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	if r.ended {
		return zero, r.endErr
	}
	if r.s.aborted.Load() {
		return zero, r.end(r.s.terminal())
	}

	select {
	case v := <-r.buf:
		return v, nil
	default:
	}

	select {
	case v := <-r.buf:
		return v, nil
	case <-r.s.done:
		if r.s.aborted.Load() {
			return zero, r.end(r.s.terminal())
		}
		select {
		case v := <-r.buf:
			return v, nil
		default:
		}
		return zero, r.end(r.s.terminal())
	case <-r.released:
		return zero, r.end(ErrReleased)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Reader[T]) end(err error) error {
	r.ended = true
	r.endErr = err
	return err
}

// All returns an iterator over the remaining frames. The sequence yields
// (frame, nil) pairs and ends after the stream terminates. If termination was
// caused by an error, or ctx is cancelled, the final pair is (zero, err).
// Normal end of stream ends the sequence without an error pair.
func (r *Reader[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			v, err := r.Recv(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Done returns a channel that is closed when the reader's stream terminates.
// Buffered frames may still be pending when it fires.
func (r *Reader[T]) Done() <-chan struct{} {
	return r.s.done
}

// Clone attaches a sibling reader to the same stream. See [Stream.Clone].
func (r *Reader[T]) Clone() *Reader[T] {
	return r.s.Clone()
}

// Release detaches the reader from its stream. The writer no longer waits on
// this reader and further Recv calls return [ErrReleased]. Release is
// idempotent.
func (r *Reader[T]) Release() {
	r.once.Do(func() {
		r.s.detach(r)
		close(r.released)
	})
}

// Drain consumes and discards frames until the stream terminates. It returns
// nil on normal end of stream.
func (r *Reader[T]) Drain(ctx context.Context) error {
	for _, err := range r.All(ctx) {
		if err != nil {
			return err
		}
	}
	return nil
}
