package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/tometo/pkg/provider/tts"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("want error for empty apiKey")
	}
}

func TestStreamURL(t *testing.T) {
	p, _ := New("k", WithModel("eleven_turbo_v2"), WithOutputFormat("pcm_24000"))
	got := p.streamURL("voice 1")
	want := "wss://api.elevenlabs.io/v1/text-to-speech/voice%201/stream-input?model_id=eleven_turbo_v2&output_format=pcm_24000"
	if got != want {
		t.Errorf("streamURL:\n want %s\n got  %s", want, got)
	}
}

func TestOutputMessage(t *testing.T) {
	enc := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})

	tests := []struct {
		name    string
		raw     string
		pcmLen  int
		pcmErr  bool
		failure string
	}{
		{name: "audio", raw: `{"audio":"` + enc + `"}`, pcmLen: 3},
		{name: "final", raw: `{"isFinal":true}`},
		{name: "bad base64", raw: `{"audio":"!!!"}`, pcmErr: true},
		{name: "quota", raw: `{"message":"quota exceeded","error":"quota_exceeded"}`, failure: "quota_exceeded"},
		{name: "message only", raw: `{"message":"invalid voice"}`, failure: "invalid voice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m outputMessage
			if err := json.Unmarshal([]byte(tt.raw), &m); err != nil {
				t.Fatal(err)
			}
			pcm, err := m.pcm()
			if (err != nil) != tt.pcmErr {
				t.Errorf("pcm error: want %v, got %v", tt.pcmErr, err)
			}
			if len(pcm) != tt.pcmLen {
				t.Errorf("pcm length: want %d, got %d", tt.pcmLen, len(pcm))
			}
			if got := m.failure(); got != tt.failure {
				t.Errorf("failure: want %q, got %q", tt.failure, got)
			}
		})
	}
}

func TestSynthesizeStream_EmptyVoice(t *testing.T) {
	p, _ := New("k")
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), tts.VoiceProfile{}); err == nil {
		t.Error("want error for empty voice ID")
	}
}

// TestSynthesizeStream_RoundTrip runs against a server that answers every
// text fragment with its bytes as audio and ends on the flush message.
func TestSynthesizeStream_RoundTrip(t *testing.T) {
	gotKey := make(chan string, 1)
	gotPrime := make(chan inputMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey <- r.Header.Get("xi-api-key")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		first := true
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var msg inputMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return
			}
			if first {
				gotPrime <- msg
				first = false
				continue
			}
			if msg.Text != "" && !msg.Flush {
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"error":"expected flush"}`))
				return
			}
			if msg.Text == "" {
				_ = c.Write(ctx, websocket.MessageText, []byte(`{"isFinal":true}`))
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
			audio := base64.StdEncoding.EncodeToString([]byte(strings.TrimSpace(msg.Text)))
			_ = c.Write(ctx, websocket.MessageText, fmt.Appendf(nil, `{"audio":%q}`, audio))
		}
	}))
	defer srv.Close()

	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	p, _ := New("xi-key", WithBaseURLs(wsBase, srv.URL), WithVoiceSettings(0.3, 0.9))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text := make(chan string, 2)
	text <- "Hello."
	text <- "Bye."
	close(text)

	audio, err := p.SynthesizeStream(ctx, text, tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	var got []string
	for chunk := range audio {
		got = append(got, string(chunk))
	}
	if strings.Join(got, "|") != "Hello.|Bye." {
		t.Errorf("audio: want [Hello. Bye.], got %v", got)
	}
	if key := <-gotKey; key != "xi-key" {
		t.Errorf("xi-api-key header: want xi-key, got %q", key)
	}
	prime := <-gotPrime
	if prime.Text != " " || prime.Settings == nil {
		t.Fatalf("prime message: got %+v", prime)
	}
	if prime.Settings.Stability != 0.3 || prime.Settings.SimilarityBoost != 0.9 {
		t.Errorf("voice settings: got %+v", *prime.Settings)
	}
}

func TestListVoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" || r.Header.Get("xi-api-key") != "k" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"voices":[{"voice_id":"abc","name":"Rachel","category":"premade","labels":{"accent":"american"}}]}`)
	}))
	defer srv.Close()

	p, _ := New("k", WithBaseURLs("ws://unused", srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 {
		t.Fatalf("want 1 voice, got %d", len(voices))
	}
	v := voices[0]
	if v.ID != "abc" || v.Name != "Rachel" || v.Provider != "elevenlabs" {
		t.Errorf("voice: got %+v", v)
	}
	if v.Metadata["category"] != "premade" || v.Metadata["accent"] != "american" {
		t.Errorf("metadata: got %v", v.Metadata)
	}
}

func TestSynthesizeStream_ServerErrorEndsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		if _, _, err := c.Read(r.Context()); err != nil {
			return
		}
		_ = c.Write(r.Context(), websocket.MessageText, []byte(`{"message":"quota exceeded","error":"quota_exceeded"}`))
		// Hold the connection until the client goes away.
		_, _, _ = c.Read(r.Context())
	}))
	defer srv.Close()

	p, _ := New("k", WithBaseURLs("ws"+strings.TrimPrefix(srv.URL, "http"), srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text := make(chan string)
	audio, err := p.SynthesizeStream(ctx, text, tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	for range audio {
		t.Error("want no audio after a server error")
	}
	if ctx.Err() != nil {
		t.Error("stream should end on the server error, not the deadline")
	}
}

func TestListVoices_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("k", WithBaseURLs("ws://unused", srv.URL))
	if _, err := p.ListVoices(context.Background()); err == nil {
		t.Error("want error on 401")
	}
}
