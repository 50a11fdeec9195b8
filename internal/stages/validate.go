package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"docflow/internal/logging"
	"docflow/internal/services"
	"docflow/internal/stage"
)

// ArtifactTextPath is the staged plain-text output consumed by later stages.
const ArtifactTextPath = "text_path"

var supportedExtensions = map[string]struct{}{
	".pdf":  {},
	".txt":  {},
	".md":   {},
	".text": {},
}

// ValidateStage checks that the source document exists, is non-empty, and has
// a format the pipeline can parse. Failures here are never retried.
type ValidateStage struct{}

func NewValidateStage() *ValidateStage {
	return &ValidateStage{}
}

func (s *ValidateStage) Name() string {
	return "validate"
}

func (s *ValidateStage) Run(ctx context.Context, exec *stage.Execution) error {
	source := strings.TrimSpace(exec.SourceRef)
	if source == "" {
		return services.Wrap(services.ErrValidation, s.Name(), "check source", "source reference is empty", nil)
	}

	info, err := os.Stat(source)
	if err != nil {
		if os.IsNotExist(err) {
			return services.Wrap(services.ErrValidation, s.Name(), "check source",
				fmt.Sprintf("source file does not exist: %s", source), nil)
		}
		return services.Wrap(services.ErrTransient, s.Name(), "check source", "", err)
	}
	if info.IsDir() {
		return services.Wrap(services.ErrValidation, s.Name(), "check source",
			fmt.Sprintf("source is a directory: %s", source), nil)
	}
	if info.Size() == 0 {
		return services.Wrap(services.ErrValidation, s.Name(), "check source",
			fmt.Sprintf("source file is empty: %s", source), nil)
	}

	ext := strings.ToLower(filepath.Ext(source))
	if _, ok := supportedExtensions[ext]; !ok {
		return services.Wrap(services.ErrUnsupported, s.Name(), "check format",
			fmt.Sprintf("unsupported document format %q", ext), nil)
	}

	exec.Logger.Debug("document validated",
		logging.String("source", source),
		logging.Int64("size_bytes", info.Size()),
	)
	return nil
}

func (s *ValidateStage) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy(s.Name())
}
