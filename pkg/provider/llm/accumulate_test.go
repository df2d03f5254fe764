package llm_test

import (
	"testing"

	"github.com/MrWong99/tometo/pkg/provider/llm"
)

func TestToolCallAccumulator(t *testing.T) {
	t.Parallel()

	var acc llm.ToolCallAccumulator
	if got := acc.Calls(); got != nil {
		t.Fatalf("empty accumulator: want nil, got %v", got)
	}

	acc.Add(1, "call_b", "other", `{}`)
	acc.Add(0, "call_a", "search", `{"query_for`)
	acc.Add(0, "", "", `_neural_search":"Alice"}`)

	calls := acc.Calls()
	if acc.Len() != 2 || len(calls) != 2 {
		t.Fatalf("calls: want 2, got %d", len(calls))
	}
	if calls[0].ID != "call_a" || calls[0].Name != "search" {
		t.Errorf("calls[0]: want call_a/search, got %s/%s", calls[0].ID, calls[0].Name)
	}
	if want := `{"query_for_neural_search":"Alice"}`; calls[0].Arguments != want {
		t.Errorf("calls[0].Arguments: want %s, got %s", want, calls[0].Arguments)
	}
	if calls[1].ID != "call_b" {
		t.Errorf("calls[1].ID: want call_b, got %s", calls[1].ID)
	}
}
