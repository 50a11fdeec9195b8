package stages

import (
	"context"
	"strconv"
	"strings"

	"docflow/internal/logging"
	"docflow/internal/services"
	"docflow/internal/services/vectorstore"
	"docflow/internal/stage"
)

// ArtifactChunkCount is the number of chunks written to the vector store.
const ArtifactChunkCount = "chunk_count"

const (
	chunkSizeChars    = 1500
	chunkOverlapChars = 200
	embedBatchSize    = 64
)

// Embedder is the embedding surface the embed stage needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkWriter persists a document's embedded chunks atomically.
type ChunkWriter interface {
	ReplaceDocument(ctx context.Context, documentID string, chunks []vectorstore.Chunk) error
	Ping(ctx context.Context) error
}

// EmbedStage splits the parsed text into overlapping chunks, embeds each
// batch, and replaces the document's vectors in one transaction. The replace
// keeps the stage idempotent across redeliveries.
type EmbedStage struct {
	embedder   Embedder
	writer     ChunkWriter
	stagingDir string
}

func NewEmbedStage(embedder Embedder, writer ChunkWriter, stagingDir string) *EmbedStage {
	return &EmbedStage{embedder: embedder, writer: writer, stagingDir: stagingDir}
}

func (s *EmbedStage) Name() string {
	return "embed"
}

func (s *EmbedStage) Run(ctx context.Context, exec *stage.Execution) error {
	text, err := loadStagedText(exec, s.stagingDir)
	if err != nil {
		return services.Wrap(services.ErrTransient, s.Name(), "load text", "", err)
	}

	pieces := chunkText(text, chunkSizeChars, chunkOverlapChars)
	if len(pieces) == 0 {
		return services.Wrap(services.ErrValidation, s.Name(), "chunk", "no content to embed", nil)
	}

	chunks := make([]vectorstore.Chunk, 0, len(pieces))
	for start := 0; start < len(pieces); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(pieces) {
			end = len(pieces)
		}
		vectors, err := s.embedder.Embed(ctx, pieces[start:end])
		if err != nil {
			return services.Wrap(nil, s.Name(), "embed batch", "", err)
		}
		for i, vec := range vectors {
			chunks = append(chunks, vectorstore.Chunk{
				Ordinal:   start + i,
				Content:   pieces[start+i],
				Embedding: vec,
			})
		}
	}

	if err := s.writer.ReplaceDocument(ctx, exec.DocumentID, chunks); err != nil {
		return services.Wrap(nil, s.Name(), "store vectors", "", err)
	}

	exec.SetArtifact(ArtifactChunkCount, strconv.Itoa(len(chunks)))
	exec.Logger.Debug("document embedded", logging.Int("chunks", len(chunks)))
	return nil
}

func (s *EmbedStage) HealthCheck(ctx context.Context) stage.Health {
	if err := s.writer.Ping(ctx); err != nil {
		return stage.Unhealthy(s.Name(), err.Error())
	}
	return stage.Healthy(s.Name())
}

// chunkText splits text into pieces of at most size characters with overlap
// characters of trailing context carried into each successor.
func chunkText(text string, size, overlap int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if size <= 0 {
		return []string{trimmed}
	}
	if overlap >= size {
		overlap = size / 4
	}

	runes := []rune(trimmed)
	var pieces []string
	for start := 0; start < len(runes); {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		piece := strings.TrimSpace(string(runes[start:end]))
		if piece != "" {
			pieces = append(pieces, piece)
		}
		if end == len(runes) {
			break
		}
		start = end - overlap
	}
	return pieces
}
