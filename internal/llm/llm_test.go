package llm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
)

func TestSchemaValidation(t *testing.T) {
	s, err := CompileSchema(BuildDocumentJSONSchema(constants.AsStringSlice()))
	require.NoError(t, err)

	require.NoError(t, s.Validate([]byte(`{"document_type":"Letter","summary":"A letter."}`)))

	err = s.Validate([]byte(`{"document_type":"Poem","summary":"x"}`))
	var vErr *common.ValidationError
	require.ErrorAs(t, err, &vErr)

	err = s.Validate([]byte(`{"document_type":"Letter","summary":"x","issued_on":"01/02/2025"}`))
	require.ErrorAs(t, err, &vErr)

	err = s.Validate([]byte(`not json`))
	require.ErrorAs(t, err, &vErr)
}

func TestSanitizeOptionalFields(t *testing.T) {
	out, dropped, err := SanitizeOptionalFields([]byte(`{
		"document_type":" Invoice ","summary":"s","total":"$1,234.5","currency_code":"eur",
		"reference":"","title":null,"vendor":"x","confidence":3
	}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"document_type":"Invoice","summary":"s","total":"1234.50","currency_code":"EUR"}`, string(out))
	assert.Len(t, dropped, 4)
}

func TestPromptsCarryHints(t *testing.T) {
	req := ExtractRequest{
		OCRText:       strings.Repeat("a", maxPromptText+100),
		FilenameHint:  "scan.png",
		DocumentTypes: []string{"Receipt", "Other"},
		Timezone:      "Africa/Lagos",
	}
	sys := BuildSystemPrompt(req)
	assert.Contains(t, sys, "Receipt, Other")
	assert.Contains(t, sys, "Africa/Lagos")
	assert.Contains(t, sys, "default USD")

	user := BuildUserPrompt(req)
	assert.Contains(t, user, "Filename: scan.png")
	assert.Less(t, len(user), maxPromptText+100)
}

func TestShouldAttachImage(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "a.png")
	require.NoError(t, os.WriteFile(img, []byte("png"), 0o644))

	ok, url := ShouldAttachImage(ExtractRequest{FilePath: img, PrepConfidence: 0.3})
	assert.True(t, ok)
	assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"))

	ok, _ = ShouldAttachImage(ExtractRequest{FilePath: img, PrepConfidence: 0.9})
	assert.False(t, ok)

	ok, _ = ShouldAttachImage(ExtractRequest{FilePath: filepath.Join(dir, "a.heic"), PrepConfidence: 0.1})
	assert.False(t, ok)
}
