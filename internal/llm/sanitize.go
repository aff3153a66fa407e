package llm

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

var knownFields = map[string]struct{}{
	"document_type": {}, "title": {}, "issuer": {}, "issued_on": {}, "total": {},
	"currency_code": {}, "reference": {}, "summary": {}, "confidence": {},
}

// SanitizeOptionalFields removes or normalizes optional fields that don't meet the schema,
// so the overall document can still validate. Required fields are only trimmed.
func SanitizeOptionalFields(doc []byte) ([]byte, []string, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}

	var dropped []string
	drop := func(k, why string) {
		delete(m, k)
		dropped = append(dropped, k+"("+why+")")
	}

	for k, v := range m {
		if _, ok := knownFields[k]; !ok {
			drop(k, "unknown")
			continue
		}
		switch t := v.(type) {
		case nil:
			drop(k, "null")
		case string:
			s := strings.TrimSpace(t)
			if s == "" || strings.EqualFold(s, "null") {
				drop(k, "empty")
				continue
			}
			m[k] = s
		}
	}

	if v, ok := m["currency_code"].(string); ok {
		if s := strings.ToUpper(v); len(s) == 3 {
			m["currency_code"] = s
		} else {
			drop("currency_code", "invalid")
		}
	}

	// money may come back as a number or a loosely formatted string
	switch t := m["total"].(type) {
	case float64:
		m["total"] = strconv.FormatFloat(t, 'f', 2, 64)
	case string:
		s := strings.NewReplacer(",", "", "$", "", "€", "", "£", "").Replace(t)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			m["total"] = strconv.FormatFloat(f, 'f', 2, 64)
		} else {
			drop("total", "invalid")
		}
	case nil:
	default:
		drop("total", "type")
	}

	if c, ok := m["confidence"].(float64); ok && (c < 0 || c > 1) {
		drop("confidence", "range")
	}

	out, err := json.Marshal(m)
	if err != nil {
		return nil, dropped, fmt.Errorf("sanitize: encode: %w", err)
	}
	return out, dropped, nil
}
