package constants

import "strings"

// DocumentType is the label the inference stage assigns to a document.
type DocumentType string

const (
	Receipt       DocumentType = "Receipt"
	Invoice       DocumentType = "Invoice"
	BankStatement DocumentType = "BankStatement"
	Contract      DocumentType = "Contract"
	IDDocument    DocumentType = "IDDocument"
	Letter        DocumentType = "Letter"
	Form          DocumentType = "Form"
	Other         DocumentType = "Other"
)

var allDocumentTypes = []DocumentType{
	Receipt,
	Invoice,
	BankStatement,
	Contract,
	IDDocument,
	Letter,
	Form,
	Other,
}

func AsStringSlice() []string {
	result := make([]string, len(allDocumentTypes))
	for i, t := range allDocumentTypes {
		result[i] = string(t)
	}
	return result
}

func Canonicalize(input string) (DocumentType, bool) {
	if input == "" {
		return Other, false
	}

	normalized := strings.ToLower(strings.TrimSpace(input))

	synonyms := map[string]DocumentType{
		"bill":           Invoice,
		"purchase order": Invoice,
		"statement":      BankStatement,
		"agreement":      Contract,
		"passport":       IDDocument,
		"driver license": IDDocument,
		"id card":        IDDocument,
		"correspondence": Letter,
		"application":    Form,
	}

	if t, ok := synonyms[normalized]; ok {
		return t, true
	}

	for _, t := range allDocumentTypes {
		if normalized == strings.ToLower(string(t)) {
			return t, true
		}
	}

	return Other, false
}
