// Package localcollab provides minimal, dependency-free default
// implementations of the collab interfaces (Parser, Embedder,
// Downloader) for running the daemon without a real parsing/embedding
// backend wired in. They exist so cmd/folder-mcpd has something to
// construct out of the box; a real deployment replaces all three with
// the actual ONNX/Python/cloud-backed implementations the design notes
// (§9) call external collaborators.
package localcollab

import (
	"bufio"
	"context"
	"hash/fnv"
	"os"
	"strings"
	"sync"

	"github.com/okets/folder-mcp/internal/collab"
)

// ChunkSize is the approximate number of bytes per chunk produced by
// Parser.
const ChunkSize = 1000

// Parser reads plain-text-ish files and splits them into fixed-size
// chunks. It does not understand PDF/DOCX/XLSX/PPTX structure; it is a
// placeholder until a real document parser is wired in.
type Parser struct{}

func (Parser) Parse(_ context.Context, path string) ([]collab.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var chunks []collab.Chunk
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteByte('\n')
		if sb.Len() >= ChunkSize {
			chunks = append(chunks, collab.Chunk{Index: len(chunks), Text: sb.String()})
			sb.Reset()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if sb.Len() > 0 {
		chunks = append(chunks, collab.Chunk{Index: len(chunks), Text: sb.String()})
	}
	return chunks, nil
}

// Embedder produces deterministic, low-dimensional pseudo-embeddings
// from a hash of the input text. It is not semantically meaningful;
// it exists to exercise the pipeline end-to-end without a real model.
// Load/Unload are no-ops beyond tracking which model ID is current,
// since there is no real subprocess or runtime session to manage.
type Embedder struct {
	dims int

	mu     sync.Mutex
	loaded string
}

func NewEmbedder(dims int) *Embedder {
	if dims <= 0 {
		dims = 8
	}
	return &Embedder{dims: dims}
}

func (e *Embedder) Dimensions() int { return e.dims }

func (e *Embedder) Load(_ context.Context, modelID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = modelID
	return nil
}

func (e *Embedder) Unload(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = ""
	return nil
}

func (e *Embedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vectorFor(t)
	}
	return out, nil
}

func (e *Embedder) vectorFor(text string) []float32 {
	v := make([]float32, e.dims)
	h := fnv.New64a()
	for i := range v {
		h.Write([]byte(text))
		h.Write([]byte{byte(i)})
		sum := h.Sum64()
		v[i] = float32(sum%1000) / 1000
	}
	return v
}

// Downloader marks every model as available immediately, reporting
// synthetic progress. A real implementation fetches artefacts from a
// model hub and reports genuine transfer progress.
type Downloader struct{}

func (Downloader) Download(_ context.Context, _ string, onProgress func(percent int)) error {
	for _, p := range []int{25, 50, 75, 100} {
		onProgress(p)
	}
	return nil
}
