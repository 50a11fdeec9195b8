package stages_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"docflow/internal/services"
	"docflow/internal/services/graphstore"
	"docflow/internal/services/vectorstore"
	"docflow/internal/stage"
	"docflow/internal/stages"
	"docflow/internal/testsupport"
)

func newExecution(t *testing.T, sourceRef string) *stage.Execution {
	t.Helper()
	return stage.NewExecution("job-1", "doc-1", sourceRef, 0, testsupport.Logger())
}

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func TestValidateAcceptsTextDocument(t *testing.T) {
	source := writeSource(t, "report.txt", "hello world")
	s := stages.NewValidateStage()

	if err := s.Run(context.Background(), newExecution(t, source)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestValidateMissingFileIsFatal(t *testing.T) {
	s := stages.NewValidateStage()
	err := s.Run(context.Background(), newExecution(t, "/nonexistent/file.pdf"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if services.KindOf(err) != services.KindFatal {
		t.Fatalf("expected fatal kind, got %s", services.KindOf(err))
	}
}

func TestValidateEmptyFileIsFatal(t *testing.T) {
	source := writeSource(t, "empty.txt", "")
	s := stages.NewValidateStage()
	if err := s.Run(context.Background(), newExecution(t, source)); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateUnsupportedFormat(t *testing.T) {
	source := writeSource(t, "image.png", "not really a png")
	s := stages.NewValidateStage()
	err := s.Run(context.Background(), newExecution(t, source))
	if !errors.Is(err, services.ErrUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
	if services.IsRetryable(err) {
		t.Fatal("unsupported format must not be retryable")
	}
}

func TestParseStagesTextDocument(t *testing.T) {
	staging := t.TempDir()
	source := writeSource(t, "notes.md", "# Heading\n\nSome body text.")
	s := stages.NewParseStage(staging)

	exec := newExecution(t, source)
	if err := s.Run(context.Background(), exec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	path, ok := exec.Artifact(stages.ArtifactTextPath)
	if !ok {
		t.Fatal("expected staged text artifact")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read staged text: %v", err)
	}
	if !strings.Contains(string(data), "Some body text.") {
		t.Fatalf("staged text missing content: %q", data)
	}
}

func TestParseRejectsWhitespaceOnlyDocument(t *testing.T) {
	source := writeSource(t, "blank.txt", "   \n\t\n")
	s := stages.NewParseStage(t.TempDir())
	if err := s.Run(context.Background(), newExecution(t, source)); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

type fakeCompleter struct {
	reply    string
	jsonOnly string
	err      error
	prompts  []string
}

func (f *fakeCompleter) Complete(_ context.Context, _, user string) (string, error) {
	f.prompts = append(f.prompts, user)
	return f.reply, f.err
}

func (f *fakeCompleter) CompleteJSON(_ context.Context, _, user string) (string, error) {
	f.prompts = append(f.prompts, user)
	if f.jsonOnly != "" {
		return f.jsonOnly, f.err
	}
	return f.reply, f.err
}

func TestExtractStoresSummaryArtifact(t *testing.T) {
	staging := t.TempDir()
	source := writeSource(t, "doc.txt", "The quarterly report covers revenue.")
	parse := stages.NewParseStage(staging)
	exec := newExecution(t, source)
	if err := parse.Run(context.Background(), exec); err != nil {
		t.Fatalf("parse: %v", err)
	}

	completer := &fakeCompleter{reply: "A quarterly revenue report."}
	s := stages.NewExtractStage(completer, staging)
	if err := s.Run(context.Background(), exec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	summary, ok := exec.Artifact(stages.ArtifactSummary)
	if !ok || summary != "A quarterly revenue report." {
		t.Fatalf("unexpected summary artifact %q ok=%v", summary, ok)
	}
	if len(completer.prompts) != 1 || !strings.Contains(completer.prompts[0], "quarterly report") {
		t.Fatalf("model did not receive document text: %#v", completer.prompts)
	}
}

func TestExtractEmptySummaryIsTransient(t *testing.T) {
	staging := t.TempDir()
	source := writeSource(t, "doc.txt", "content")
	exec := newExecution(t, source)
	if err := stages.NewParseStage(staging).Run(context.Background(), exec); err != nil {
		t.Fatalf("parse: %v", err)
	}

	s := stages.NewExtractStage(&fakeCompleter{reply: "  "}, staging)
	err := s.Run(context.Background(), exec)
	if services.KindOf(err) != services.KindTransient {
		t.Fatalf("expected transient, got %v", err)
	}
}

type fakeChunkWriter struct {
	documentID string
	chunks     []vectorstore.Chunk
	err        error
}

func (f *fakeChunkWriter) ReplaceDocument(_ context.Context, documentID string, chunks []vectorstore.Chunk) error {
	f.documentID = documentID
	f.chunks = chunks
	return f.err
}

func (f *fakeChunkWriter) Ping(context.Context) error { return nil }

type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 0.5}
	}
	return out, nil
}

func TestEmbedChunksAndStores(t *testing.T) {
	staging := t.TempDir()
	source := writeSource(t, "doc.txt", strings.Repeat("densely packed words ", 200))
	exec := newExecution(t, source)
	if err := stages.NewParseStage(staging).Run(context.Background(), exec); err != nil {
		t.Fatalf("parse: %v", err)
	}

	embedder := &fakeEmbedder{}
	writer := &fakeChunkWriter{}
	s := stages.NewEmbedStage(embedder, writer, staging)
	if err := s.Run(context.Background(), exec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if writer.documentID != "doc-1" {
		t.Fatalf("unexpected document id %q", writer.documentID)
	}
	if len(writer.chunks) < 2 {
		t.Fatalf("expected multiple chunks for a long document, got %d", len(writer.chunks))
	}
	for i, chunk := range writer.chunks {
		if chunk.Ordinal != i {
			t.Fatalf("chunk %d has ordinal %d", i, chunk.Ordinal)
		}
		if len(chunk.Embedding) != 2 {
			t.Fatalf("chunk %d missing embedding", i)
		}
	}
	count, ok := exec.Artifact(stages.ArtifactChunkCount)
	if !ok || count == "0" {
		t.Fatalf("expected chunk count artifact, got %q ok=%v", count, ok)
	}
}

func TestEmbedStoreErrorPropagates(t *testing.T) {
	staging := t.TempDir()
	source := writeSource(t, "doc.txt", "short document")
	exec := newExecution(t, source)
	if err := stages.NewParseStage(staging).Run(context.Background(), exec); err != nil {
		t.Fatalf("parse: %v", err)
	}

	writer := &fakeChunkWriter{err: services.Wrap(services.ErrTransient, "", "vector store", "down", nil)}
	s := stages.NewEmbedStage(&fakeEmbedder{}, writer, staging)
	err := s.Run(context.Background(), exec)
	if services.KindOf(err) != services.KindTransient {
		t.Fatalf("expected transient, got %v", err)
	}
}

type fakeGraphWriter struct {
	documentID string
	graph      graphstore.Graph
}

func (f *fakeGraphWriter) ReplaceDocumentGraph(_ context.Context, documentID string, graph graphstore.Graph) error {
	f.documentID = documentID
	f.graph = graph
	return nil
}

func (f *fakeGraphWriter) Ping(context.Context) error { return nil }

func TestGraphParsesAndStoresEntities(t *testing.T) {
	staging := t.TempDir()
	source := writeSource(t, "doc.txt", "Ada Lovelace worked with Charles Babbage.")
	exec := newExecution(t, source)
	if err := stages.NewParseStage(staging).Run(context.Background(), exec); err != nil {
		t.Fatalf("parse: %v", err)
	}

	completer := &fakeCompleter{jsonOnly: `{
		"nodes": [
			{"name": "Ada Lovelace", "type": "person"},
			{"name": "Charles Babbage", "type": "person"}
		],
		"edges": [
			{"source": "Ada Lovelace", "target": "Charles Babbage", "relation": "worked_with"}
		]
	}`}
	writer := &fakeGraphWriter{}
	s := stages.NewGraphStage(completer, writer, staging)
	if err := s.Run(context.Background(), exec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if writer.documentID != "doc-1" {
		t.Fatalf("unexpected document id %q", writer.documentID)
	}
	if len(writer.graph.Nodes) != 2 || len(writer.graph.Edges) != 1 {
		t.Fatalf("unexpected graph %#v", writer.graph)
	}
}

func TestGraphMalformedResponseIsTransient(t *testing.T) {
	staging := t.TempDir()
	source := writeSource(t, "doc.txt", "content")
	exec := newExecution(t, source)
	if err := stages.NewParseStage(staging).Run(context.Background(), exec); err != nil {
		t.Fatalf("parse: %v", err)
	}

	s := stages.NewGraphStage(&fakeCompleter{jsonOnly: "not json"}, &fakeGraphWriter{}, staging)
	err := s.Run(context.Background(), exec)
	if services.KindOf(err) != services.KindTransient {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestStagesResolveTextAfterRedelivery(t *testing.T) {
	staging := t.TempDir()
	source := writeSource(t, "doc.txt", "survives a worker crash")
	first := newExecution(t, source)
	if err := stages.NewParseStage(staging).Run(context.Background(), first); err != nil {
		t.Fatalf("parse: %v", err)
	}

	// A fresh execution (redelivery) has no artifacts, but the staged file
	// path is derivable from the document id.
	redelivered := newExecution(t, source)
	completer := &fakeCompleter{reply: "summary"}
	if err := stages.NewExtractStage(completer, staging).Run(context.Background(), redelivered); err != nil {
		t.Fatalf("extract after redelivery failed: %v", err)
	}
	if len(completer.prompts) != 1 || !strings.Contains(completer.prompts[0], "survives a worker crash") {
		t.Fatalf("staged text not recovered: %#v", completer.prompts)
	}
}

func TestExtractTruncatesOnRuneBoundary(t *testing.T) {
	staging := t.TempDir()
	source := writeSource(t, "doc.txt", strings.Repeat("héllo wörld ", 4000))
	exec := newExecution(t, source)
	if err := stages.NewParseStage(staging).Run(context.Background(), exec); err != nil {
		t.Fatalf("parse: %v", err)
	}

	completer := &fakeCompleter{reply: "summary"}
	if err := stages.NewExtractStage(completer, staging).Run(context.Background(), exec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(completer.prompts) != 1 {
		t.Fatalf("expected one completion call, got %d", len(completer.prompts))
	}
	if !utf8.ValidString(completer.prompts[0]) {
		t.Fatal("truncated prompt is not valid UTF-8")
	}
}
