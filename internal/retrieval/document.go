// Package retrieval builds and queries the semantic index behind the search
// tool.
//
// At startup every .txt and .md file under the data directory is split into
// word-bounded chunks, embedded in batches and stored in an [Index]. A
// [Querier] embeds a question, fetches the nearest chunks and joins their
// text into the context handed back to the language model.
package retrieval

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Document is one source file.
type Document struct {
	// Source is the path relative to the data directory.
	Source string
	Text   string
}

// Chunk is an indexed slice of a document.
type Chunk struct {
	// ID is "<source>#<seq>" and stable across rebuilds of unchanged files.
	ID        string
	Source    string
	Seq       int
	Text      string
	Embedding []float32
}

var textExts = []string{".txt", ".md"}

// LoadDir reads every .txt and .md file below dir, sorted by path. Empty files
// are skipped.
func LoadDir(dir string) ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !slices.Contains(textExts, strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		text := strings.TrimSpace(string(b))
		if text == "" {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		docs = append(docs, Document{Source: filepath.ToSlash(rel), Text: text})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: load %s: %w", dir, err)
	}
	return docs, nil
}

// Split cuts doc into chunks of at most size words, each overlapping the
// previous one by overlap words. overlap is clamped below size.
func Split(doc Document, size, overlap int) []Chunk {
	if size <= 0 {
		size = DefaultChunkWords
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	words := strings.Fields(doc.Text)
	if len(words) == 0 {
		return nil
	}

	var chunks []Chunk
	step := size - overlap
	for start := 0; start < len(words); start += step {
		end := min(start+size, len(words))
		seq := len(chunks)
		chunks = append(chunks, Chunk{
			ID:     fmt.Sprintf("%s#%d", doc.Source, seq),
			Source: doc.Source,
			Seq:    seq,
			Text:   strings.Join(words[start:end], " "),
		})
		if end == len(words) {
			break
		}
	}
	return chunks
}
