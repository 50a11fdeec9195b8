package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"docflow/internal/logging"
	"docflow/internal/services"
	"docflow/internal/stage"
)

// ParseStage converts the source document into plain text staged on disk.
// PDF sources go through page-by-page extraction; plain-text sources are
// copied through so downstream stages see one uniform artifact.
type ParseStage struct {
	stagingDir string
}

func NewParseStage(stagingDir string) *ParseStage {
	return &ParseStage{stagingDir: stagingDir}
}

func (s *ParseStage) Name() string {
	return "parse"
}

func (s *ParseStage) Run(ctx context.Context, exec *stage.Execution) error {
	var (
		text string
		err  error
	)
	switch strings.ToLower(filepath.Ext(exec.SourceRef)) {
	case ".pdf":
		text, err = extractPDFText(exec.SourceRef)
	default:
		var data []byte
		data, err = os.ReadFile(exec.SourceRef)
		text = string(data)
	}
	if err != nil {
		return services.Wrap(services.ErrFatal, s.Name(), "extract text", "", err)
	}
	if strings.TrimSpace(text) == "" {
		return services.Wrap(services.ErrValidation, s.Name(), "extract text", "document contains no extractable text", nil)
	}

	if err := os.MkdirAll(s.stagingDir, 0o755); err != nil {
		return services.Wrap(services.ErrTransient, s.Name(), "stage output", "", err)
	}
	outPath := filepath.Join(s.stagingDir, exec.DocumentID+".txt")
	if err := os.WriteFile(outPath, []byte(text), 0o644); err != nil {
		return services.Wrap(services.ErrTransient, s.Name(), "stage output", "", err)
	}

	exec.SetArtifact(ArtifactTextPath, outPath)
	exec.Logger.Debug("document parsed",
		logging.String("output", outPath),
		logging.Int("chars", len(text)),
	)
	return nil
}

func (s *ParseStage) HealthCheck(ctx context.Context) stage.Health {
	if err := os.MkdirAll(s.stagingDir, 0o755); err != nil {
		return stage.Unhealthy(s.Name(), fmt.Sprintf("staging directory unavailable: %v", err))
	}
	return stage.Healthy(s.Name())
}

func extractPDFText(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var builder strings.Builder
	for pageIndex := 1; pageIndex <= reader.NumPage(); pageIndex++ {
		page := reader.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extract page %d: %w", pageIndex, err)
		}
		builder.WriteString(text)
		builder.WriteString("\n")
	}
	return builder.String(), nil
}

// loadStagedText resolves the parse output for stages that run after a
// redelivery, where the in-memory artifact map starts empty. The staged file
// path is deterministic per document so the lookup can be reconstructed.
func loadStagedText(exec *stage.Execution, stagingDir string) (string, error) {
	path, ok := exec.Artifact(ArtifactTextPath)
	if !ok {
		path = filepath.Join(stagingDir, exec.DocumentID+".txt")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read staged text: %w", err)
	}
	return string(data), nil
}
