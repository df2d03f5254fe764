// Package search provides the "search" tool, which answers questions about
// the team and its work from the retrieval index.
package search

import (
	"context"
	"log/slog"

	"github.com/MrWong99/tometo/internal/tool"
)

// Name is the dispatch name of the tool.
const Name = "search"

// Description is shown to the language model.
const Description = "Reference the transcript corpus for information when the user requests context on specific employees or topics from the transcript."

// NoResults is returned as the result text when the index has no match.
const NoResults = "No relevant information was found."

// Querier answers a free-text query with retrieved context.
type Querier interface {
	Query(ctx context.Context, text string) (string, error)
}

// Query is the tool input.
type Query struct {
	QueryForNeuralSearch string `json:"query_for_neural_search" jsonschema:"a natural-language query describing the information needed"`
}

// Result is the tool output.
type Result struct {
	Result string `json:"result" jsonschema:"retrieved context"`
}

// New returns the search tool backed by q.
func New(q Querier, opts ...tool.Option) (*tool.Tool, error) {
	return tool.New(Name, Description, func(ctx context.Context, in Query) (Result, error) {
		slog.Info("searching", "query", in.QueryForNeuralSearch)
		text, err := q.Query(ctx, in.QueryForNeuralSearch)
		if err != nil {
			slog.Warn("retrieval failed", "query", in.QueryForNeuralSearch, "err", err)
			return Result{}, err
		}
		if text == "" {
			text = NoResults
		}
		slog.Info("retrieval response", "chars", len(text))
		return Result{Result: text}, nil
	}, opts...)
}
