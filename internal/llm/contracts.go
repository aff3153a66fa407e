package llm

import "context"

// DocumentFields is the normalized shape we want from the model.
type DocumentFields struct {
	DocumentType    string  `json:"document_type"`
	Title           string  `json:"title,omitempty"`
	Issuer          string  `json:"issuer,omitempty"`
	IssuedOn        string  `json:"issued_on,omitempty"` // YYYY-MM-DD
	Total           string  `json:"total,omitempty"`     // decimal
	CurrencyCode    string  `json:"currency_code,omitempty"`
	Reference       string  `json:"reference,omitempty"`
	Summary         string  `json:"summary"`
	ModelConfidence float32 `json:"confidence,omitempty"` // 0..1
}

type ExtractRequest struct {
	OCRText         string
	FilenameHint    string
	FolderHint      string
	DocumentTypes   []string
	DefaultCurrency string
	Timezone        string

	PrepConfidence   float32
	FilePath         string
	ContentHashHex   string
	ArtifactCacheDir string
}

// FieldExtractor is the interface the inference stage depends on.
type FieldExtractor interface {
	ExtractFields(ctx context.Context, req ExtractRequest) (DocumentFields, []byte /*rawJSON*/, error)
}
