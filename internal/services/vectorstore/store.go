// Package vectorstore persists document chunk embeddings in Postgres with the
// pgvector extension.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"docflow/internal/services"
)

// Chunk is one embedded slice of a document.
type Chunk struct {
	Ordinal   int
	Content   string
	Embedding []float32
}

// Store wraps a pgx pool over the chunks table.
type Store struct {
	pool      *pgxpool.Pool
	dimension int
}

// Connect opens a pool against the configured Postgres URL and ensures the
// schema exists. dimension fixes the vector column width.
func Connect(ctx context.Context, url string, dimension int) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect vector store: %w", err)
	}
	store := &Store{pool: pool, dimension: dimension}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			id BIGSERIAL PRIMARY KEY,
			document_id TEXT NOT NULL,
			ordinal INT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			UNIQUE (document_id, ordinal)
		)`, s.dimension),
		`CREATE INDEX IF NOT EXISTS idx_document_chunks_document ON document_chunks (document_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure vector store schema: %w", err)
		}
	}
	return nil
}

// ReplaceDocument swaps the stored chunks for a document in one transaction,
// so a re-run of the embed stage never leaves a mix of old and new vectors.
func (s *Store) ReplaceDocument(ctx context.Context, documentID string, chunks []Chunk) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return services.Wrap(services.ErrTransient, "", "vector store", "begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
		return services.Wrap(services.ErrTransient, "", "vector store", "delete previous chunks", err)
	}
	for _, chunk := range chunks {
		_, err := tx.Exec(ctx,
			`INSERT INTO document_chunks (document_id, ordinal, content, embedding) VALUES ($1, $2, $3, $4)`,
			documentID, chunk.Ordinal, chunk.Content, pgvector.NewVector(chunk.Embedding),
		)
		if err != nil {
			return services.Wrap(services.ErrTransient, "", "vector store", "insert chunk", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return services.Wrap(services.ErrTransient, "", "vector store", "commit", err)
	}
	return nil
}

// ChunkCount reports how many chunks are stored for a document.
func (s *Store) ChunkCount(ctx context.Context, documentID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM document_chunks WHERE document_id = $1`, documentID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

// Ping verifies the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
