package stages

import (
	"context"
	"encoding/json"
	"strings"

	"docflow/internal/logging"
	"docflow/internal/services"
	"docflow/internal/services/graphstore"
	"docflow/internal/stage"
)

const graphSystemPrompt = "You are an entity extraction service. From the document text, extract named " +
	"entities and the relations between them. Respond with a JSON object of the form " +
	`{"nodes": [{"name": "...", "type": "..."}], "edges": [{"source": "...", "target": "...", "relation": "..."}]}. ` +
	"Entity types are one of: person, organization, location, concept, date. Respond with JSON only."

const maxGraphChars = 16000

// GraphWriter persists a document's entity graph atomically.
type GraphWriter interface {
	ReplaceDocumentGraph(ctx context.Context, documentID string, graph graphstore.Graph) error
	Ping(ctx context.Context) error
}

// GraphStage extracts an entity graph from the parsed text and replaces the
// document's stored graph.
type GraphStage struct {
	completer  Completer
	writer     GraphWriter
	stagingDir string
}

func NewGraphStage(completer Completer, writer GraphWriter, stagingDir string) *GraphStage {
	return &GraphStage{completer: completer, writer: writer, stagingDir: stagingDir}
}

func (s *GraphStage) Name() string {
	return "graph"
}

func (s *GraphStage) Run(ctx context.Context, exec *stage.Execution) error {
	text, err := loadStagedText(exec, s.stagingDir)
	if err != nil {
		return services.Wrap(services.ErrTransient, s.Name(), "load text", "", err)
	}
	text = truncateRunes(text, maxGraphChars)

	raw, err := s.completer.CompleteJSON(ctx, graphSystemPrompt, text)
	if err != nil {
		return services.Wrap(nil, s.Name(), "complete", "", err)
	}

	var graph graphstore.Graph
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &graph); err != nil {
		return services.Wrap(services.ErrTransient, s.Name(), "parse response", "model returned malformed graph JSON", err)
	}

	if err := s.writer.ReplaceDocumentGraph(ctx, exec.DocumentID, graph); err != nil {
		return services.Wrap(nil, s.Name(), "store graph", "", err)
	}

	exec.Logger.Debug("entity graph stored",
		logging.Int("nodes", len(graph.Nodes)),
		logging.Int("edges", len(graph.Edges)),
	)
	return nil
}

func (s *GraphStage) HealthCheck(ctx context.Context) stage.Health {
	if err := s.writer.Ping(ctx); err != nil {
		return stage.Unhealthy(s.Name(), err.Error())
	}
	return stage.Healthy(s.Name())
}
