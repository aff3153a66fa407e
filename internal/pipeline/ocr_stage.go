package pipeline

import (
	"context"
	"log/slog"

	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/ocr"
)

// OCRStage extracts text from the preprocessed document.
type OCRStage struct {
	extractor ocr.TextExtractor
	logger    *slog.Logger
}

func NewOCRStage(extractor ocr.TextExtractor, logger *slog.Logger) *OCRStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &OCRStage{extractor: extractor, logger: logger}
}

func (s *OCRStage) ID() StageID { return StageOCR }

func (s *OCRStage) ValidateInput(rc *entity.RunContext) bool {
	return hasOutput(rc, StagePreprocess)
}

func (s *OCRStage) Execute(ctx context.Context, rc *entity.RunContext, tok CancelToken) (Output, error) {
	prep, err := decodeOutput[PreprocessResult](rc, StagePreprocess)
	if err != nil {
		return Output{}, err
	}
	if tok.Cancelled() {
		return Output{}, common.ErrCancelled
	}

	res, err := s.extractor.Extract(ocr.WithContentHash(ctx, prep.SHA256), prep.Path)
	if err != nil {
		return Output{}, err
	}
	if res.Text == "" {
		return Output{}, common.NewValidationError("no text extracted from %s", prep.Filename)
	}
	if res.Confidence < ocr.ImageConfidenceThreshold {
		s.logger.Warn("ocr confidence low", "run_id", rc.RunID, "confidence", res.Confidence, "method", res.Method)
	}
	return JSONOutput(res)
}
