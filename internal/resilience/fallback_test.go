package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/tometo/pkg/provider/llm"
	llmmock "github.com/MrWong99/tometo/pkg/provider/llm/mock"
	"github.com/MrWong99/tometo/pkg/provider/stt"
	sttmock "github.com/MrWong99/tometo/pkg/provider/stt/mock"
)

func TestCall_PrimarySucceeds(t *testing.T) {
	g := NewGroup("a", "A", BreakerConfig{})
	g.Add("b", "B")

	got, err := Call(g, func(v string) (string, error) { return v, nil })
	if err != nil || got != "A" {
		t.Errorf("Call = (%q, %v), want (A, nil)", got, err)
	}
}

func TestCall_FallsBack(t *testing.T) {
	g := NewGroup("a", "A", BreakerConfig{})
	g.Add("b", "B")

	got, err := Call(g, func(v string) (string, error) {
		if v == "A" {
			return "", errTest
		}
		return v, nil
	})
	if err != nil || got != "B" {
		t.Errorf("Call = (%q, %v), want (B, nil)", got, err)
	}
}

func TestCall_AllFail(t *testing.T) {
	g := NewGroup("a", 1, BreakerConfig{})
	g.Add("b", 2)

	_, err := Call(g, func(int) (int, error) { return 0, errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want wrapped member error", err)
	}
}

func TestCall_SkipsOpenBreaker(t *testing.T) {
	g := NewGroup("a", "A", BreakerConfig{MaxFailures: 1})
	g.Add("b", "B")

	calls := map[string]int{}
	fn := func(v string) (string, error) {
		calls[v]++
		if v == "A" {
			return "", errTest
		}
		return v, nil
	}
	_, _ = Call(g, fn)
	_, _ = Call(g, fn)
	if calls["A"] != 1 {
		t.Errorf("primary calls = %d, want 1 (breaker should open)", calls["A"])
	}
	if calls["B"] != 2 {
		t.Errorf("fallback calls = %d, want 2", calls["B"])
	}
}

func TestLLM_FailsOverOnStreamStart(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errTest, ModelCapabilities: llm.ModelCapabilities{ContextWindow: 7}}
	backup := &llmmock.Provider{Responses: [][]llm.Chunk{{{Text: "hi"}, {FinishReason: llm.FinishStop}}}}

	g := NewGroup[llm.Provider]("primary", primary, BreakerConfig{})
	g.Add("backup", backup)
	f := LLM{g}

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "hi" {
		t.Errorf("text = %q, want hi", text)
	}
	if f.Capabilities().ContextWindow != 7 {
		t.Error("Capabilities should come from the primary")
	}
}

func TestSTT_FailsOver(t *testing.T) {
	primary := &sttmock.Provider{StartErr: errTest}
	backup := &sttmock.Provider{}

	g := NewGroup[stt.Provider]("primary", primary, BreakerConfig{})
	g.Add("backup", backup)

	sess, err := STT{g}.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if sess != backup.Session {
		t.Error("want the backup session")
	}
}
