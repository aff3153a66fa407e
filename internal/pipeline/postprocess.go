package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/llm"
)

// DefaultReviewThreshold is the confidence under which a result is flagged for review.
const DefaultReviewThreshold = 0.6

// DocumentResult is the final output of the document pipeline.
type DocumentResult struct {
	DocumentType string  `json:"document_type"`
	Title        string  `json:"title,omitempty"`
	Issuer       string  `json:"issuer,omitempty"`
	IssuedOn     string  `json:"issued_on,omitempty"`
	Total        string  `json:"total,omitempty"`
	CurrencyCode string  `json:"currency_code,omitempty"`
	Reference    string  `json:"reference,omitempty"`
	Summary      string  `json:"summary"`
	Confidence   float32 `json:"confidence"`
	NeedsReview  bool    `json:"needs_review"`
	SourcePath   string  `json:"source_path"`
	SHA256       string  `json:"sha256"`
	Model        string  `json:"model,omitempty"`
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"02 Jan 2006",
	"2 Jan 2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"02/01/2006",
}

// PostprocessStage canonicalizes and validates the model output.
type PostprocessStage struct {
	schema          *llm.Schema
	reviewThreshold float32
	logger          *slog.Logger
}

func NewPostprocessStage(reviewThreshold float32, logger *slog.Logger) (*PostprocessStage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if reviewThreshold <= 0 {
		reviewThreshold = DefaultReviewThreshold
	}
	schema, err := llm.CompileSchema(llm.BuildDocumentJSONSchema(constants.AsStringSlice()))
	if err != nil {
		return nil, err
	}
	return &PostprocessStage{schema: schema, reviewThreshold: reviewThreshold, logger: logger}, nil
}

func (s *PostprocessStage) ID() StageID { return StagePostprocess }

func (s *PostprocessStage) ValidateInput(rc *entity.RunContext) bool {
	return hasOutput(rc, StagePreprocess) && hasOutput(rc, StageInference)
}

func (s *PostprocessStage) Execute(_ context.Context, rc *entity.RunContext, _ CancelToken) (Output, error) {
	prep, err := decodeOutput[PreprocessResult](rc, StagePreprocess)
	if err != nil {
		return Output{}, err
	}
	inf, err := decodeOutput[InferenceResult](rc, StageInference)
	if err != nil {
		return Output{}, err
	}

	var fields map[string]any
	if err := json.Unmarshal(inf.Fields, &fields); err != nil {
		return Output{}, common.NewValidationError("inference fields are not an object: %v", err)
	}
	canonicalize(fields)
	canon, err := json.Marshal(fields)
	if err != nil {
		return Output{}, err
	}
	if err := s.schema.Validate(canon); err != nil {
		return Output{}, err
	}

	var doc llm.DocumentFields
	if err := json.Unmarshal(canon, &doc); err != nil {
		return Output{}, common.NewValidationError("decode fields: %v", err)
	}

	conf := inf.PrepConfidence
	if doc.ModelConfidence > 0 {
		conf = 0.5*conf + 0.5*doc.ModelConfidence
	}
	res := DocumentResult{
		DocumentType: doc.DocumentType,
		Title:        doc.Title,
		Issuer:       doc.Issuer,
		IssuedOn:     doc.IssuedOn,
		Total:        doc.Total,
		CurrencyCode: doc.CurrencyCode,
		Reference:    doc.Reference,
		Summary:      doc.Summary,
		Confidence:   conf,
		NeedsReview:  conf < s.reviewThreshold || doc.DocumentType == string(constants.Other),
		SourcePath:   prep.Path,
		SHA256:       prep.SHA256,
		Model:        inf.Model,
	}
	if res.NeedsReview {
		s.logger.Info("document flagged for review", "run_id", rc.RunID, "confidence", conf, "document_type", res.DocumentType)
	}
	return JSONOutput(res)
}

// canonicalize rewrites document_type, currency_code and issued_on into their canonical forms.
// Values it cannot interpret are left for schema validation to reject.
func canonicalize(fields map[string]any) {
	if v, ok := fields["document_type"].(string); ok {
		if t, known := constants.Canonicalize(v); known {
			fields["document_type"] = string(t)
		}
	}
	if v, ok := fields["currency_code"].(string); ok {
		fields["currency_code"] = strings.ToUpper(strings.TrimSpace(v))
	}
	if v, ok := fields["issued_on"].(string); ok {
		if d, ok := parseDate(strings.TrimSpace(v)); ok {
			fields["issued_on"] = d
		}
	}
}

func parseDate(s string) (string, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}
