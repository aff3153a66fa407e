package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/llm"
	"github.com/joseph-ayodele/docflow/internal/ocr"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeOCR struct {
	res ocr.ExtractionResult
	err error
}

func (f fakeOCR) Extract(context.Context, string) (ocr.ExtractionResult, error) {
	return f.res, f.err
}

type fakeFields struct {
	raw string
	err error
}

func (f fakeFields) ExtractFields(context.Context, llm.ExtractRequest) (llm.DocumentFields, []byte, error) {
	if f.err != nil {
		return llm.DocumentFields{}, nil, f.err
	}
	return llm.DocumentFields{}, []byte(f.raw), nil
}

type namedStage struct{ id StageID }

func (s namedStage) ID() StageID                           { return s.id }
func (s namedStage) ValidateInput(*entity.RunContext) bool { return true }
func (s namedStage) Execute(context.Context, *entity.RunContext, CancelToken) (Output, error) {
	return Output{}, nil
}

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// runAll drives p the way the orchestrator does, committing each output in turn.
func runAll(t *testing.T, p *Pipeline, rc *entity.RunContext) error {
	t.Helper()
	for i := 0; i < p.Len(); i++ {
		s, _ := p.At(i)
		if !s.ValidateInput(rc) {
			return common.NewValidationError("input not valid for %s", s.ID())
		}
		out, err := s.Execute(context.Background(), rc, NewToken())
		if err != nil {
			return err
		}
		require.NoError(t, rc.CommitStage(s.ID().String(), out.Payload, time.Now()))
	}
	return nil
}

func TestRegistryRejectsDuplicatesAndUnknown(t *testing.T) {
	_, err := NewRegistry(namedStage{"a"}, namedStage{"a"})
	require.Error(t, err)

	reg, err := NewRegistry(namedStage{"a"}, namedStage{"b"})
	require.NoError(t, err)
	_, err = NewPipeline(reg, "a", "c")
	require.Error(t, err)
	_, err = NewPipeline(reg)
	require.Error(t, err)
	_, err = NewPipeline(reg, "a", "a")
	require.Error(t, err)

	p, err := NewPipeline(reg, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, []StageID{"b", "a"}, p.IDs())
	_, ok := p.At(2)
	assert.False(t, ok)
}

func TestToken(t *testing.T) {
	tok := NewToken()
	assert.False(t, tok.Cancelled())
	tok.Cancel()
	tok.Cancel()
	assert.True(t, tok.Cancelled())
	select {
	case <-tok.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestDocumentPipelineEndToEnd(t *testing.T) {
	src := writeSource(t, "invoice.pdf", "%PDF-1.4 fake")
	p, err := NewDocumentPipeline(DocumentConfig{
		OCR: fakeOCR{res: ocr.ExtractionResult{Text: "ACME invoice", SourceType: constants.PDF, Method: "pdf-text", Confidence: 0.9}},
		Fields: fakeFields{raw: `{"document_type":"bill","issuer":"ACME","issued_on":"2025/03/04",` +
			`"total":"99.00","currency_code":"usd","summary":"Invoice from ACME.","confidence":0.8}`},
		Inference: InferenceConfig{Model: "test-model"},
	}, discard)
	require.NoError(t, err)
	assert.Equal(t, DefaultOrder, p.IDs())

	rc := entity.NewRunContext(entity.RunOptions{Source: src}, nil, p.Len(), time.Now())
	require.NoError(t, runAll(t, p, rc))
	assert.Equal(t, 4, rc.CurrentStage)

	prep, err := decodeOutput[PreprocessResult](rc, StagePreprocess)
	require.NoError(t, err)
	assert.Equal(t, constants.PDF, prep.Format)
	assert.Len(t, prep.SHA256, 64)

	res, err := decodeOutput[DocumentResult](rc, StagePostprocess)
	require.NoError(t, err)
	assert.Equal(t, "Invoice", res.DocumentType)
	assert.Equal(t, "2025-03-04", res.IssuedOn)
	assert.Equal(t, "USD", res.CurrencyCode)
	assert.Equal(t, "test-model", res.Model)
	assert.InDelta(t, 0.85, res.Confidence, 1e-5)
	assert.False(t, res.NeedsReview)
}

func TestPreprocessMissingFileIsValidationError(t *testing.T) {
	s := NewPreprocessStage(0, discard)
	rc := entity.NewRunContext(entity.RunOptions{Source: filepath.Join(t.TempDir(), "nope.png")}, nil, 1, time.Now())
	_, err := s.Execute(context.Background(), rc, NewToken())
	var vErr *common.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, common.ClassFatal, common.Classify(err))
}

func TestPreprocessRejectsUnsupportedAndOversized(t *testing.T) {
	s := NewPreprocessStage(4, discard)
	var vErr *common.ValidationError

	rc := entity.NewRunContext(entity.RunOptions{Source: writeSource(t, "a.docx", "x")}, nil, 1, time.Now())
	_, err := s.Execute(context.Background(), rc, NewToken())
	require.ErrorAs(t, err, &vErr)

	rc = entity.NewRunContext(entity.RunOptions{Source: writeSource(t, "a.txt", "too large")}, nil, 1, time.Now())
	_, err = s.Execute(context.Background(), rc, NewToken())
	require.ErrorAs(t, err, &vErr)

	assert.False(t, s.ValidateInput(entity.NewRunContext(entity.RunOptions{}, nil, 1, time.Now())))
}

func TestStagesRequireEarlierOutputs(t *testing.T) {
	rc := entity.NewRunContext(entity.RunOptions{Source: "x.png"}, nil, 4, time.Now())
	post, err := NewPostprocessStage(0, discard)
	require.NoError(t, err)

	assert.False(t, NewOCRStage(fakeOCR{}, discard).ValidateInput(rc))
	assert.False(t, NewInferenceStage(fakeFields{}, InferenceConfig{}, discard).ValidateInput(rc))
	assert.False(t, post.ValidateInput(rc))
}

func TestOCRStageEmptyTextAndCancel(t *testing.T) {
	src := writeSource(t, "a.png", "img")
	rc := entity.NewRunContext(entity.RunOptions{Source: src}, nil, 2, time.Now())
	out, err := NewPreprocessStage(0, discard).Execute(context.Background(), rc, NewToken())
	require.NoError(t, err)
	require.NoError(t, rc.CommitStage(StagePreprocess.String(), out.Payload, time.Now()))

	_, err = NewOCRStage(fakeOCR{}, discard).Execute(context.Background(), rc, NewToken())
	var vErr *common.ValidationError
	require.ErrorAs(t, err, &vErr)

	tok := NewToken()
	tok.Cancel()
	_, err = NewOCRStage(fakeOCR{res: ocr.ExtractionResult{Text: "x"}}, discard).Execute(context.Background(), rc, tok)
	require.ErrorIs(t, err, common.ErrCancelled)
}

func TestInferenceErrorsPassThrough(t *testing.T) {
	rc := entity.NewRunContext(entity.RunOptions{Source: "a.png"}, nil, 4, time.Now())
	prep, _ := json.Marshal(PreprocessResult{Path: "a.png"})
	text, _ := json.Marshal(ocr.ExtractionResult{Text: "x"})
	require.NoError(t, rc.CommitStage(StagePreprocess.String(), prep, time.Now()))
	require.NoError(t, rc.CommitStage(StageOCR.String(), text, time.Now()))

	transient := common.Retryable("openai", io.ErrUnexpectedEOF)
	_, err := NewInferenceStage(fakeFields{err: transient}, InferenceConfig{}, discard).Execute(context.Background(), rc, NewToken())
	assert.Equal(t, common.ClassRetryable, common.Classify(err))

	_, err = NewInferenceStage(fakeFields{raw: "{"}, InferenceConfig{}, discard).Execute(context.Background(), rc, NewToken())
	assert.Equal(t, common.ClassFatal, common.Classify(err))
}

func TestPostprocessSchemaViolation(t *testing.T) {
	rc := entity.NewRunContext(entity.RunOptions{Source: "a.png"}, nil, 4, time.Now())
	prep, _ := json.Marshal(PreprocessResult{Path: "a.png"})
	inf, _ := json.Marshal(InferenceResult{Fields: json.RawMessage(`{"document_type":"Receipt","issued_on":"sometime"}`)})
	require.NoError(t, rc.CommitStage(StagePreprocess.String(), prep, time.Now()))
	require.NoError(t, rc.CommitStage(StageInference.String(), inf, time.Now()))

	post, err := NewPostprocessStage(0, discard)
	require.NoError(t, err)
	_, err = post.Execute(context.Background(), rc, NewToken())
	var vErr *common.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestPostprocessFlagsLowConfidence(t *testing.T) {
	rc := entity.NewRunContext(entity.RunOptions{Source: "a.png"}, nil, 4, time.Now())
	prep, _ := json.Marshal(PreprocessResult{Path: "a.png"})
	inf, _ := json.Marshal(InferenceResult{
		Fields:         json.RawMessage(`{"document_type":"Receipt","summary":"A receipt."}`),
		PrepConfidence: 0.3,
	})
	require.NoError(t, rc.CommitStage(StagePreprocess.String(), prep, time.Now()))
	require.NoError(t, rc.CommitStage(StageInference.String(), inf, time.Now()))

	post, err := NewPostprocessStage(0, discard)
	require.NoError(t, err)
	out, err := post.Execute(context.Background(), rc, NewToken())
	require.NoError(t, err)
	var res DocumentResult
	require.NoError(t, json.Unmarshal(out.Payload, &res))
	assert.True(t, res.NeedsReview)
}
