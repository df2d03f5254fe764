package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tometo/internal/observe"
	"github.com/MrWong99/tometo/internal/session"
	"github.com/MrWong99/tometo/pkg/stream"
)

// Pipeline is the session surface the adapter drives.
type Pipeline interface {
	ID() string
	Run(ctx context.Context, in session.Inputs) (session.Output, error)
	Close(ctx context.Context) error
}

// Factory builds a set-up pipeline for a new connection.
type Factory func(ctx context.Context) (Pipeline, error)

// Config tunes an [Adapter]. Zero values select the defaults.
type Config struct {
	// SampleRate and Channels are stamped onto inbound audio frames.
	SampleRate int
	Channels   int

	// Capacity is the buffer size of the input streams.
	Capacity int

	// ReadLimit caps inbound message size in bytes.
	ReadLimit int64

	// TeardownTimeout bounds session teardown after the connection ends.
	TeardownTimeout time.Duration

	// OriginPatterns are the cross-origin hosts allowed to connect.
	OriginPatterns []string
}

// Adapter connects transport connections to pipelines.
type Adapter struct {
	cfg Config
}

// NewAdapter returns an Adapter.
func NewAdapter(cfg Config) *Adapter {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 5 * time.Second
	}
	return &Adapter{cfg: cfg}
}

// outMessage is the JSON shape of an outbound text message.
type outMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// Serve runs p over conn until either side ends. The inbound and outbound
// loops run concurrently; when one ends the other is cancelled. p is closed
// exactly once before Serve returns. A normal close by the peer or a normal
// end of the pipeline output returns nil.
func (a *Adapter) Serve(ctx context.Context, conn Conn, p Pipeline) (err error) {
	ctx = observe.WithSessionID(ctx, p.ID())
	log := observe.Logger(ctx)

	var once sync.Once
	teardown := func() {
		once.Do(func() {
			tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.TeardownTimeout)
			defer cancel()
			if cerr := p.Close(tctx); cerr != nil {
				log.Warn("session teardown reported errors", "err", cerr)
			}
			reason := "session ended"
			if err != nil {
				reason = "session failed"
			}
			if cerr := conn.Close(reason); cerr != nil {
				log.Debug("close connection", "err", cerr)
			}
		})
	}
	defer teardown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	audio := stream.New[stream.AudioFrame](a.cfg.Capacity)
	text := stream.New[stream.TextChunk](a.cfg.Capacity)
	out, err := p.Run(ctx, session.Inputs{Audio: audio.Clone(), Text: text.Clone()})
	if err != nil {
		return fmt.Errorf("transport: run session: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.inbound(gctx, conn, audio, text) })
	g.Go(func() error { return a.outbound(gctx, conn, out) })

	err = g.Wait()
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		log.Warn("connection ended with error", "err", err)
	} else {
		log.Info("connection ended")
	}
	return err
}

// inbound reads messages into the input streams until the connection ends.
// It always returns a non-nil error so the outbound loop is cancelled; io.EOF
// marks a normal close.
func (a *Adapter) inbound(ctx context.Context, conn Conn, audio *stream.Stream[stream.AudioFrame], text *stream.Stream[stream.TextChunk]) (err error) {
	defer func() {
		if errors.Is(err, io.EOF) {
			audio.Close()
			text.Close()
			return
		}
		audio.CloseWithError(err)
		text.CloseWithError(err)
	}()

	bytesPerSecond := a.cfg.SampleRate * a.cfg.Channels * 2
	var offset time.Duration
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("transport: read: %w", err)
		}
		switch typ {
		case MessageBinary:
			frame := stream.AudioFrame{
				Data:       data,
				SampleRate: a.cfg.SampleRate,
				Channels:   a.cfg.Channels,
				Timestamp:  offset,
			}
			offset += time.Duration(len(data)) * time.Second / time.Duration(bytesPerSecond)
			err = audio.Write(ctx, frame)
		case MessageText:
			err = text.Write(ctx, stream.TextChunk{Text: string(data)})
		}
		if err != nil {
			return fmt.Errorf("transport: forward %s message: %w", typ, err)
		}
	}
}

// outbound writes the session output to conn. It returns io.EOF when the
// output ends normally.
func (a *Adapter) outbound(ctx context.Context, conn Conn, out session.Output) error {
	if out.Audio != nil {
		defer out.Audio.Release()
		for frame, err := range out.Audio.All(ctx) {
			if err != nil {
				return fmt.Errorf("transport: session output: %w", err)
			}
			if err := conn.Write(ctx, MessageBinary, frame.Data); err != nil {
				return fmt.Errorf("transport: write: %w", err)
			}
		}
		return io.EOF
	}
	if out.Text == nil {
		return io.EOF
	}
	defer out.Text.Release()
	for c, err := range out.Text.All(ctx) {
		if err != nil {
			return fmt.Errorf("transport: session output: %w", err)
		}
		data, err := json.Marshal(outMessage{Type: c.Kind.String(), Content: c.Text})
		if err != nil {
			return fmt.Errorf("transport: encode: %w", err)
		}
		if err := conn.Write(ctx, MessageText, data); err != nil {
			return fmt.Errorf("transport: write: %w", err)
		}
	}
	return io.EOF
}

// Handler returns an HTTP handler that upgrades each request to a
// websocket and serves a fresh pipeline from newPipeline over it.
func (a *Adapter) Handler(newPipeline Factory) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: a.cfg.OriginPatterns})
		if err != nil {
			slog.Warn("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
			return
		}
		c.SetReadLimit(a.cfg.ReadLimit)

		ctx := r.Context()
		p, err := newPipeline(ctx)
		if err != nil {
			slog.Error("session setup failed", "err", err, "remote", r.RemoteAddr)
			_ = c.Close(websocket.StatusInternalError, "session setup failed")
			return
		}
		slog.Info("connection accepted", "session_id", p.ID(), "remote", r.RemoteAddr)
		_ = a.Serve(ctx, NewWebSocket(c), p)
	})
}
