package llm

import "sort"

// ToolCallAccumulator assembles tool calls from streamed fragments. Providers
// feed it every delta and emit [ToolCallAccumulator.Calls] on the finish
// chunk. The zero value is ready to use.
type ToolCallAccumulator struct {
	calls map[int]*ToolCall
}

// Add merges one fragment for the call at index. Non-empty id and name
// replace earlier values; args are appended.
func (a *ToolCallAccumulator) Add(index int, id, name, args string) {
	if a.calls == nil {
		a.calls = make(map[int]*ToolCall)
	}
	tc, ok := a.calls[index]
	if !ok {
		tc = &ToolCall{}
		a.calls[index] = tc
	}
	if id != "" {
		tc.ID = id
	}
	if name != "" {
		tc.Name = name
	}
	tc.Arguments += args
}

// Len returns the number of distinct calls seen so far.
func (a *ToolCallAccumulator) Len() int { return len(a.calls) }

// Calls returns the accumulated calls ordered by index.
func (a *ToolCallAccumulator) Calls() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	idx := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		out = append(out, *a.calls[i])
	}
	return out
}
