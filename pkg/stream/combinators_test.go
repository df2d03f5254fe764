package stream_test

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/tometo/pkg/stream"
)

// ─── Map ─────────────────────────────────────────────────────────────────────

func TestMap_PreservesOrder(t *testing.T) {
	t.Parallel()

	src := stream.New[stream.TextChunk](4)
	out := stream.Map(context.Background(), src.Clone(), func(c stream.TextChunk) (stream.TextChunk, error) {
		c.Text = strings.ToUpper(c.Text)
		return c, nil
	})

	go func() {
		for _, w := range []string{"a", "b", "c", "d", "e"} {
			_ = src.Write(context.Background(), text(w))
		}
		src.Close()
	}()

	got, err := collect(t, out)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("terminal: want io.EOF, got %v", err)
	}
	if want := []string{"A", "B", "C", "D", "E"}; !slices.Equal(got, want) {
		t.Errorf("frames: want %v, got %v", want, got)
	}
}

func TestMap_ErrorTerminatesOutputOnly(t *testing.T) {
	t.Parallel()

	src := stream.New[stream.TextChunk](4)
	observer := src.Clone()
	bad := errors.New("bad frame")
	out := stream.Map(context.Background(), src.Clone(), func(c stream.TextChunk) (stream.TextChunk, error) {
		if c.Text == "poison" {
			return c, bad
		}
		return c, nil
	})

	ctx := context.Background()
	_ = src.Write(ctx, text("ok"))
	_ = src.Write(ctx, text("poison"))

	got, err := collect(t, out)
	if !errors.Is(err, bad) {
		t.Fatalf("output terminal: want %v, got %v", bad, err)
	}
	if len(got) != 1 || got[0] != "ok" {
		t.Errorf("output frames: want [ok], got %v", got)
	}

	// The source stays open and writable for the caller.
	if src.Closed() {
		t.Error("source was closed by Map; want it left open")
	}
	if err := src.Write(ctx, text("still-open")); err != nil {
		t.Errorf("Write to source after Map error: %v", err)
	}
	src.Close()
	obs, _ := collect(t, observer)
	if len(obs) != 3 {
		t.Errorf("observer frames: want 3, got %v", obs)
	}
}

func TestMap_PropagatesSourceError(t *testing.T) {
	t.Parallel()

	src := stream.New[stream.TextChunk](4)
	out := stream.Map(context.Background(), src.Clone(), func(c stream.TextChunk) (stream.TextChunk, error) { return c, nil })
	boom := errors.New("upstream")
	src.CloseWithError(boom)

	if _, err := collect(t, out); !errors.Is(err, boom) {
		t.Errorf("terminal: want %v, got %v", boom, err)
	}
}

func TestFilterMap_SkipsFrames(t *testing.T) {
	t.Parallel()

	src := stream.New[stream.TextChunk](4)
	out := stream.FilterMap(context.Background(), src.Clone(), func(c stream.TextChunk) (stream.TextChunk, bool, error) {
		return c, c.Text != "", nil
	})
	go func() {
		for _, w := range []string{"a", "", "b", ""} {
			_ = src.Write(context.Background(), text(w))
		}
		src.Close()
	}()

	got, _ := collect(t, out)
	if want := []string{"a", "b"}; !slices.Equal(got, want) {
		t.Errorf("frames: want %v, got %v", want, got)
	}
}

// ─── Merge ───────────────────────────────────────────────────────────────────

func TestMerge_EndsAfterAllInputsEnd(t *testing.T) {
	t.Parallel()

	a := stream.New[stream.TextChunk](4)
	b := stream.New[stream.TextChunk](4)
	out := stream.Merge(context.Background(), a.Clone(), b.Clone())
	ctx := context.Background()

	_ = a.Write(ctx, text("a1"))
	_ = b.Write(ctx, text("b1"))
	b.Close()

	// Output must not terminate while a is still open.
	var got []string
	for range 2 {
		v, err := out.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, v.Text)
	}
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := out.Recv(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Recv with one input open: want DeadlineExceeded, got %v", err)
	}

	_ = a.Write(ctx, text("a2"))
	a.Close()
	rest, err := collect(t, out)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("terminal: want io.EOF, got %v", err)
	}
	got = append(got, rest...)
	slices.Sort(got)
	if want := []string{"a1", "a2", "b1"}; !slices.Equal(got, want) {
		t.Errorf("frames: want %v, got %v", want, got)
	}
}

func TestMerge_TerminationOrderIrrelevant(t *testing.T) {
	t.Parallel()

	for _, firstA := range []bool{true, false} {
		a := stream.New[stream.TextChunk](4)
		b := stream.New[stream.TextChunk](4)
		out := stream.Merge(context.Background(), a.Clone(), b.Clone())
		if firstA {
			a.Close()
			b.Close()
		} else {
			b.Close()
			a.Close()
		}
		if _, err := collect(t, out); !errors.Is(err, io.EOF) {
			t.Errorf("firstA=%v: terminal want io.EOF, got %v", firstA, err)
		}
	}
}

func TestMerge_FailFast(t *testing.T) {
	t.Parallel()

	a := stream.New[stream.TextChunk](4)
	b := stream.New[stream.TextChunk](16)
	out := stream.Merge(context.Background(), a.Clone(), b.Clone())
	ctx := context.Background()

	// b holds pending frames and never terminates.
	for range 8 {
		_ = b.Write(ctx, text("pending"))
	}
	boom := errors.New("stt connection lost")
	a.CloseWithError(boom)

	select {
	case <-out.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("merged stream did not terminate after an input failed")
	}
	got, err := collect(t, out)
	if !errors.Is(err, boom) {
		t.Errorf("terminal: want %v, got %v", boom, err)
	}
	if len(got) != 0 {
		t.Errorf("frames delivered after failure: want none, got %v", got)
	}
	if b.Closed() {
		t.Error("Merge closed an input stream; inputs belong to their writers")
	}
}

func TestMerge_CancelPropagates(t *testing.T) {
	t.Parallel()

	a := stream.New[stream.TextChunk](4)
	ctx, cancel := context.WithCancel(context.Background())
	out := stream.Merge(ctx, a.Clone())
	cancel()

	if _, err := collect(t, out); !errors.Is(err, context.Canceled) {
		t.Errorf("terminal after cancel: want context.Canceled, got %v", err)
	}
}

func TestMerge_NoInputs(t *testing.T) {
	t.Parallel()

	out := stream.Merge[stream.AudioFrame](context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := out.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("Recv: want io.EOF, got %v", err)
	}
}

// ─── Tee ────────────────────────────────────────────────────────────────────

func TestTee_ReadersSeeSameSequence(t *testing.T) {
	t.Parallel()

	s := stream.New[stream.TextChunk](8)
	readers := stream.Tee(s.Clone(), 2)
	ctx := context.Background()
	for _, w := range []string{"x", "y", "z"} {
		_ = s.Write(ctx, text(w))
	}
	s.Close()

	first, _ := collect(t, readers[0])
	second, _ := collect(t, readers[1])
	if !slices.Equal(first, second) || len(first) != 3 {
		t.Errorf("tee readers diverged: %v vs %v", first, second)
	}
}
