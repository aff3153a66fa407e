package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/llm"
	"github.com/joseph-ayodele/docflow/internal/ocr"
)

// InferenceResult carries the raw fields returned by the model.
type InferenceResult struct {
	Fields         json.RawMessage `json:"fields"`
	Model          string          `json:"model,omitempty"`
	PrepConfidence float32         `json:"prep_confidence"`
}

type InferenceConfig struct {
	Model            string
	DefaultCurrency  string
	Timezone         string
	ArtifactCacheDir string
}

// InferenceStage asks a model for structured fields.
type InferenceStage struct {
	fields llm.FieldExtractor
	cfg    InferenceConfig
	logger *slog.Logger
}

func NewInferenceStage(fields llm.FieldExtractor, cfg InferenceConfig, logger *slog.Logger) *InferenceStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &InferenceStage{fields: fields, cfg: cfg, logger: logger}
}

func (s *InferenceStage) ID() StageID { return StageInference }

func (s *InferenceStage) ValidateInput(rc *entity.RunContext) bool {
	return hasOutput(rc, StagePreprocess) && hasOutput(rc, StageOCR)
}

func (s *InferenceStage) Execute(ctx context.Context, rc *entity.RunContext, tok CancelToken) (Output, error) {
	prep, err := decodeOutput[PreprocessResult](rc, StagePreprocess)
	if err != nil {
		return Output{}, err
	}
	text, err := decodeOutput[ocr.ExtractionResult](rc, StageOCR)
	if err != nil {
		return Output{}, err
	}
	if tok.Cancelled() {
		return Output{}, common.ErrCancelled
	}

	currency := s.cfg.DefaultCurrency
	if c := rc.Param("currency"); c != "" {
		currency = c
	}
	_, raw, err := s.fields.ExtractFields(ctx, llm.ExtractRequest{
		OCRText:          text.Text,
		FilenameHint:     prep.Filename,
		FolderHint:       prep.Folder,
		DocumentTypes:    constants.AsStringSlice(),
		DefaultCurrency:  currency,
		Timezone:         s.cfg.Timezone,
		PrepConfidence:   text.Confidence,
		FilePath:         prep.Path,
		ContentHashHex:   prep.SHA256,
		ArtifactCacheDir: s.cfg.ArtifactCacheDir,
	})
	if err != nil {
		return Output{}, err
	}
	if !json.Valid(raw) {
		return Output{}, common.NewValidationError("model returned invalid json")
	}
	s.logger.Debug("inference ok", "run_id", rc.RunID, "bytes", len(raw))
	return JSONOutput(InferenceResult{Fields: raw, Model: s.cfg.Model, PrepConfidence: text.Confidence})
}
