package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Map returns a reader over a new stream whose frames are f applied to each
// frame of src, in order.
//
// If f returns an error the output terminates with that error and src is
// released but not closed; closing it remains the caller's job. Termination
// of src, including an error close, is propagated to the output. Cancelling
// ctx terminates the output with ctx.Err().
func Map[In, Out Frame](ctx context.Context, src *Reader[In], f func(In) (Out, error)) *Reader[Out] {
	return FilterMap(ctx, src, func(v In) (Out, bool, error) {
		out, err := f(v)
		return out, true, err
	})
}

// FilterMap is like [Map] but f may drop a frame by returning ok == false.
func FilterMap[In, Out Frame](ctx context.Context, src *Reader[In], f func(In) (Out, bool, error)) *Reader[Out] {
	out := New[Out](cap(src.buf))
	r := out.Clone()

	go func() {
		defer src.Release()
		for {
			v, err := src.Recv(ctx)
			if err != nil {
				closeFrom(out, err)
				return
			}
			mapped, ok, err := f(v)
			if err != nil {
				out.CloseWithError(err)
				return
			}
			if !ok {
				continue
			}
			if err := out.Write(ctx, mapped); err != nil {
				out.CloseWithError(err)
				return
			}
		}
	}()
	return r
}

// Merge interleaves the frames of all inputs into one output stream in the
// order they become available. There is no priority between inputs.
//
// The output ends normally only after every input has ended normally. The
// first input to terminate with an error terminates the output with that
// error immediately. Frames already queued in the output are discarded, and
// the remaining inputs are released. Merging zero inputs yields a stream that is
// already closed.
func Merge[T Frame](ctx context.Context, inputs ...*Reader[T]) *Reader[T] {
	capacity := DefaultCapacity
	if len(inputs) > 0 {
		capacity = cap(inputs[0].buf)
	}
	out := New[T](capacity)
	r := out.Clone()

	ctx, cancel := context.WithCancel(ctx)
	var (
		wg   sync.WaitGroup
		once sync.Once
	)
	fail := func(err error) {
		once.Do(func() {
			out.Abort(err)
			cancel()
		})
	}

	for _, in := range inputs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer in.Release()
			for {
				v, err := in.Recv(ctx)
				if errors.Is(err, io.EOF) {
					return
				}
				if err != nil {
					fail(err)
					return
				}
				if err := out.Write(ctx, v); err != nil {
					fail(err)
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		cancel()
		out.Close()
	}()
	return r
}

// Tee returns n independent readers over src's stream attached at the same
// point. Each observes every subsequent frame.
func Tee[T Frame](src *Reader[T], n int) []*Reader[T] {
	readers := make([]*Reader[T], n)
	for i := range readers {
		readers[i] = src.Clone()
	}
	return readers
}

// closeFrom terminates s according to a Recv error.
func closeFrom[T Frame](s *Stream[T], err error) {
	if errors.Is(err, io.EOF) {
		s.Close()
		return
	}
	s.CloseWithError(err)
}
