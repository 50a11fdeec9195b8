// Package graphstore persists per-document entity graphs in Postgres.
package graphstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"docflow/internal/services"
)

// Node is a named entity extracted from a document.
type Node struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Edge is a directed relation between two entities.
type Edge struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

// Graph is the full set of entities and relations for one document.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Store wraps a pgx pool over the graph tables.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against the configured Postgres URL and ensures the
// schema exists.
func Connect(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect graph store: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS graph_nodes (
			id BIGSERIAL PRIMARY KEY,
			document_id TEXT NOT NULL,
			name TEXT NOT NULL,
			node_type TEXT NOT NULL,
			UNIQUE (document_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS graph_edges (
			id BIGSERIAL PRIMARY KEY,
			document_id TEXT NOT NULL,
			source TEXT NOT NULL,
			target TEXT NOT NULL,
			relation TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_nodes_document ON graph_nodes (document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_graph_edges_document ON graph_edges (document_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure graph store schema: %w", err)
		}
	}
	return nil
}

// ReplaceDocumentGraph swaps the stored graph for a document in one
// transaction.
func (s *Store) ReplaceDocumentGraph(ctx context.Context, documentID string, graph Graph) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return services.Wrap(services.ErrTransient, "", "graph store", "begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM graph_edges WHERE document_id = $1`, documentID); err != nil {
		return services.Wrap(services.ErrTransient, "", "graph store", "delete previous edges", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM graph_nodes WHERE document_id = $1`, documentID); err != nil {
		return services.Wrap(services.ErrTransient, "", "graph store", "delete previous nodes", err)
	}
	for _, node := range graph.Nodes {
		_, err := tx.Exec(ctx,
			`INSERT INTO graph_nodes (document_id, name, node_type) VALUES ($1, $2, $3)`,
			documentID, node.Name, node.Type,
		)
		if err != nil {
			return services.Wrap(services.ErrTransient, "", "graph store", "insert node", err)
		}
	}
	for _, edge := range graph.Edges {
		_, err := tx.Exec(ctx,
			`INSERT INTO graph_edges (document_id, source, target, relation) VALUES ($1, $2, $3, $4)`,
			documentID, edge.Source, edge.Target, edge.Relation,
		)
		if err != nil {
			return services.Wrap(services.ErrTransient, "", "graph store", "insert edge", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return services.Wrap(services.ErrTransient, "", "graph store", "commit", err)
	}
	return nil
}

// Ping verifies the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
