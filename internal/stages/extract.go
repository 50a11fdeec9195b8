package stages

import (
	"context"
	"strings"

	"docflow/internal/logging"
	"docflow/internal/services"
	"docflow/internal/stage"
)

// ArtifactSummary is the model-generated description of the document.
const ArtifactSummary = "summary"

// maxExtractChars bounds how much staged text is sent to the model in one
// request.
const maxExtractChars = 24000

const extractSystemPrompt = "You are a document analysis service. Summarize the document's content, " +
	"purpose, and key facts in a short paragraph. Respond with plain text only."

// truncateRunes cuts text to at most limit runes without splitting a
// multi-byte sequence.
func truncateRunes(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

// Completer is the chat-completion surface the extract and graph stages need.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

// ExtractStage asks the language model for a structured description of the
// parsed document.
type ExtractStage struct {
	completer  Completer
	stagingDir string
}

func NewExtractStage(completer Completer, stagingDir string) *ExtractStage {
	return &ExtractStage{completer: completer, stagingDir: stagingDir}
}

func (s *ExtractStage) Name() string {
	return "extract"
}

func (s *ExtractStage) Run(ctx context.Context, exec *stage.Execution) error {
	text, err := loadStagedText(exec, s.stagingDir)
	if err != nil {
		return services.Wrap(services.ErrTransient, s.Name(), "load text", "", err)
	}
	text = truncateRunes(text, maxExtractChars)

	summary, err := s.completer.Complete(ctx, extractSystemPrompt, text)
	if err != nil {
		return services.Wrap(nil, s.Name(), "complete", "", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return services.Wrap(services.ErrTransient, s.Name(), "complete", "model returned an empty summary", nil)
	}

	exec.SetArtifact(ArtifactSummary, summary)
	exec.Logger.Debug("content extracted", logging.Int("summary_chars", len(summary)))
	return nil
}

func (s *ExtractStage) HealthCheck(ctx context.Context) stage.Health {
	if s.completer == nil {
		return stage.Unhealthy(s.Name(), "no completion client configured")
	}
	return stage.Healthy(s.Name())
}
