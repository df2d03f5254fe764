package stream_test

import (
	"context"
	"errors"
	"io"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/tometo/pkg/stream"
)

func text(s string) stream.TextChunk { return stream.TextChunk{Text: s} }

// collect reads r until termination and returns the frames plus the terminal error.
func collect(t *testing.T, r *stream.Reader[stream.TextChunk]) ([]string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []string
	for {
		v, err := r.Recv(ctx)
		if err != nil {
			return got, err
		}
		got = append(got, v.Text)
	}
}

// ─── Write / Close ───────────────────────────────────────────────────────────

func TestStream_WriteAfterClose(t *testing.T) {
	t.Parallel()

	s := stream.New[stream.TextChunk](4)
	s.Close()
	if err := s.Write(context.Background(), text("late")); !errors.Is(err, stream.ErrClosedStream) {
		t.Errorf("Write after Close: want ErrClosedStream, got %v", err)
	}
}

func TestStream_CloseIdempotent(t *testing.T) {
	t.Parallel()

	s := stream.New[stream.TextChunk](4)
	r := s.Clone()
	boom := errors.New("boom")
	s.CloseWithError(boom)
	s.Close()
	s.CloseWithError(errors.New("other"))

	_, err := collect(t, r)
	if !errors.Is(err, boom) {
		t.Errorf("terminal error: want %v, got %v", boom, err)
	}
}

func TestStream_DrainBeforeEOF(t *testing.T) {
	t.Parallel()

	s := stream.New[stream.TextChunk](4)
	r := s.Clone()
	ctx := context.Background()
	for _, w := range []string{"a", "b", "c"} {
		if err := s.Write(ctx, text(w)); err != nil {
			t.Fatalf("Write(%q): %v", w, err)
		}
	}
	s.Close()

	got, err := collect(t, r)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("terminal: want io.EOF, got %v", err)
	}
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("frames: want [a b c], got %v", got)
	}
}

func TestStream_TerminationObservedOnce(t *testing.T) {
	t.Parallel()

	s := stream.New[stream.TextChunk](4)
	r := s.Clone()
	_ = s.Write(context.Background(), text("x"))
	s.Close()

	ctx := context.Background()
	var frames, ends int
	for _, err := range r.All(ctx) {
		if err != nil {
			ends++
			continue
		}
		frames++
	}
	if frames != 1 {
		t.Errorf("frames: want 1, got %d", frames)
	}
	if ends != 0 {
		t.Errorf("error pairs on normal close: want 0, got %d", ends)
	}

	// Repeated Recv keeps returning the same terminal value.
	for range 3 {
		if _, err := r.Recv(ctx); !errors.Is(err, io.EOF) {
			t.Fatalf("Recv after end: want io.EOF, got %v", err)
		}
	}
}

func TestStream_ErrorYieldedOnce(t *testing.T) {
	t.Parallel()

	s := stream.New[stream.TextChunk](4)
	r := s.Clone()
	s.CloseWithError(errors.New("fatal"))

	var errs int
	for _, err := range r.All(context.Background()) {
		if err != nil {
			errs++
		}
	}
	if errs != 1 {
		t.Errorf("error pairs: want 1, got %d", errs)
	}
}

func TestStream_AbortDropsBuffered(t *testing.T) {
	t.Parallel()

	s := stream.New[stream.TextChunk](8)
	r := s.Clone()
	ctx := context.Background()
	for _, w := range []string{"a", "b", "c"} {
		_ = s.Write(ctx, text(w))
	}
	boom := errors.New("aborted")
	s.Abort(boom)
	s.Close()

	got, err := collect(t, r)
	if len(got) != 0 {
		t.Errorf("frames after abort: want none, got %v", got)
	}
	if !errors.Is(err, boom) {
		t.Errorf("terminal: want %v, got %v", boom, err)
	}
	if err := s.Write(ctx, text("late")); !errors.Is(err, stream.ErrClosedStream) {
		t.Errorf("Write after abort: want ErrClosedStream, got %v", err)
	}
}

func TestStream_AbortAfterCloseKeepsFrames(t *testing.T) {
	t.Parallel()

	s := stream.New[stream.TextChunk](4)
	r := s.Clone()
	_ = s.Write(context.Background(), text("kept"))
	s.Close()
	s.Abort(errors.New("too late"))

	got, err := collect(t, r)
	if !slices.Equal(got, []string{"kept"}) {
		t.Errorf("frames: want [kept], got %v", got)
	}
	if !errors.Is(err, io.EOF) {
		t.Errorf("terminal: want io.EOF, got %v", err)
	}
}

// ─── Backpressure ────────────────────────────────────────────────────────────

func TestStream_WriteBlocksWhenFull(t *testing.T) {
	t.Parallel()

	s := stream.New[stream.TextChunk](1)
	r := s.Clone()
	ctx := context.Background()

	if err := s.Write(ctx, text("1")); err != nil {
		t.Fatalf("first Write: %v", err)
	}

	written := make(chan error, 1)
	go func() { written <- s.Write(ctx, text("2")) }()

	select {
	case err := <-written:
		t.Fatalf("second Write returned early with %v; want it to block", err)
	case <-time.After(50 * time.Millisecond):
	}

	if v, err := r.Recv(ctx); err != nil || v.Text != "1" {
		t.Fatalf("Recv: want 1, got %q (%v)", v.Text, err)
	}
	select {
	case err := <-written:
		if err != nil {
			t.Fatalf("second Write: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second Write still blocked after reader drained")
	}
	if v, _ := r.Recv(ctx); v.Text != "2" {
		t.Errorf("Recv: want 2, got %q", v.Text)
	}
}

func TestStream_BlockedWriteUnblocksOnClose(t *testing.T) {
	t.Parallel()

	s := stream.New[stream.TextChunk](1)
	_ = s.Clone()
	ctx := context.Background()
	_ = s.Write(ctx, text("fill"))

	written := make(chan error, 1)
	go func() { written <- s.Write(ctx, text("blocked")) }()
	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-written:
		if !errors.Is(err, stream.ErrClosedStream) {
			t.Errorf("blocked Write: want ErrClosedStream, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Write did not return after Close")
	}
}

func TestStream_BlockedWriteHonoursContext(t *testing.T) {
	t.Parallel()

	s := stream.New[stream.TextChunk](1)
	_ = s.Clone()
	_ = s.Write(context.Background(), text("fill"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Write(ctx, text("blocked")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Write: want DeadlineExceeded, got %v", err)
	}
}

func TestStream_NoReadersDiscards(t *testing.T) {
	t.Parallel()

	s := stream.New[stream.TextChunk](1)
	for range 10 {
		if err := s.Write(context.Background(), text("x")); err != nil {
			t.Fatalf("Write with no readers: %v", err)
		}
	}
}

func TestReader_ReleaseUnblocksWriter(t *testing.T) {
	t.Parallel()

	s := stream.New[stream.TextChunk](1)
	r := s.Clone()
	ctx := context.Background()
	_ = s.Write(ctx, text("fill"))

	written := make(chan error, 1)
	go func() { written <- s.Write(ctx, text("next")) }()
	time.Sleep(20 * time.Millisecond)
	r.Release()

	select {
	case err := <-written:
		if err != nil {
			t.Errorf("Write after Release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Write still blocked after Release")
	}
	if _, err := r.Recv(ctx); err != nil && !errors.Is(err, stream.ErrReleased) {
		// A buffered frame may still be returned first; anything else is wrong.
		t.Errorf("Recv after Release: %v", err)
	}
}

// ─── Clone ───────────────────────────────────────────────────────────────────

func TestStream_CloneSeesOnlyLaterFrames(t *testing.T) {
	t.Parallel()

	s := stream.New[stream.TextChunk](8)
	primary := s.Clone()
	ctx := context.Background()

	_ = s.Write(ctx, text("before"))
	c1 := s.Clone()
	c2 := primary.Clone()
	_ = s.Write(ctx, text("after-1"))
	_ = s.Write(ctx, text("after-2"))
	s.Close()

	gotPrimary, _ := collect(t, primary)
	got1, err1 := collect(t, c1)
	got2, err2 := collect(t, c2)

	if len(gotPrimary) != 3 {
		t.Errorf("primary reader: want 3 frames, got %v", gotPrimary)
	}
	for i, got := range [][]string{got1, got2} {
		if len(got) != 2 || got[0] != "after-1" || got[1] != "after-2" {
			t.Errorf("clone %d: want [after-1 after-2], got %v", i+1, got)
		}
	}
	if !errors.Is(err1, io.EOF) || !errors.Is(err2, io.EOF) {
		t.Errorf("clone terminals: want io.EOF, got %v / %v", err1, err2)
	}
}

func TestStream_CloneAfterClose(t *testing.T) {
	t.Parallel()

	s := stream.New[stream.TextChunk](2)
	boom := errors.New("boom")
	s.CloseWithError(boom)
	r := s.Clone()
	if _, err := r.Recv(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Recv on clone of closed stream: want %v, got %v", boom, err)
	}
}
