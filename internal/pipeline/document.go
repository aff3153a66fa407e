package pipeline

import (
	"log/slog"

	"github.com/joseph-ayodele/docflow/internal/llm"
	"github.com/joseph-ayodele/docflow/internal/ocr"
)

// DocumentConfig wires the default four-stage document pipeline.
type DocumentConfig struct {
	OCR             ocr.TextExtractor
	Fields          llm.FieldExtractor
	Inference       InferenceConfig
	MaxSourceBytes  int64
	ReviewThreshold float32
}

// NewDocumentPipeline builds preprocess, ocr, inference and postprocess in DefaultOrder.
func NewDocumentPipeline(cfg DocumentConfig, logger *slog.Logger) (*Pipeline, error) {
	post, err := NewPostprocessStage(cfg.ReviewThreshold, logger)
	if err != nil {
		return nil, err
	}
	reg, err := NewRegistry(
		NewPreprocessStage(cfg.MaxSourceBytes, logger),
		NewOCRStage(cfg.OCR, logger),
		NewInferenceStage(cfg.Fields, cfg.Inference, logger),
		post,
	)
	if err != nil {
		return nil, err
	}
	return NewPipeline(reg, DefaultOrder...)
}
