package llm

import "strings"

// maxPromptText caps the OCR text sent to the model.
const maxPromptText = 6000

// BuildSystemPrompt composes the system message with currency defaults, allowed document
// types and formatting rules.
func BuildSystemPrompt(req ExtractRequest) string {
	typeLine := "You MUST include a 'document_type' that is a short, sensible label. "
	if len(req.DocumentTypes) > 0 {
		typeLine = "You MUST include a 'document_type' and it MUST be exactly one of: " +
			strings.Join(req.DocumentTypes, ", ") + ". If uncertain, choose 'Other'. "
	}
	defCur := strings.TrimSpace(req.DefaultCurrency)
	if defCur == "" {
		defCur = "USD"
	}

	parts := []string{
		"You are a document parser. Return ONLY JSON that matches the provided JSON Schema.",
		typeLine,
		"Use ISO-8601 dates (YYYY-MM-DD) for 'issued_on'.",
		"If the document carries a total amount, put it in 'total' as a decimal string; currency must be a 3-letter ISO 4217 code, default " + defCur + ".",
		"'summary' is one sentence describing what the document is, without personal names or addresses.",
		"'confidence' is your confidence in the extraction between 0 and 1.",
		"Never output null. If a field is not present, omit it.",
	}
	if tz := strings.TrimSpace(req.Timezone); tz != "" {
		parts = append(parts, "If dates are ambiguous, prefer timezone: "+tz+".")
	}
	return strings.Join(parts, " ")
}

// BuildUserPrompt carries the OCR text plus file name hints.
func BuildUserPrompt(req ExtractRequest) string {
	var b strings.Builder
	b.WriteString("Filename: ")
	b.WriteString(req.FilenameHint)
	b.WriteString("\nFolder path: ")
	b.WriteString(req.FolderHint)
	b.WriteString("\n\nOCR text:\n")
	text := req.OCRText
	if len(text) > maxPromptText {
		text = text[:maxPromptText]
	}
	b.WriteString(text)
	return b.String()
}
