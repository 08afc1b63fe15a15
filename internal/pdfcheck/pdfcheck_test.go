package pdfcheck

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"invoice-harvester/internal/config"
)

const invoiceBody = "%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\n% Faktura VAT ZS/123/456/UR\n%%EOF\n"

const privacyBody = "%PDF-1.7\n% Polityka Prywatności sklepu e-urtica\n%%EOF\n"

func newInspector() *Inspector {
	return NewInspector(config.Default().Detection, zap.NewNop())
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestInspectValidInvoice(t *testing.T) {
	path := writeFile(t, "faktura_ZS_123_456_UR.pdf", invoiceBody)

	result, err := newInspector().Inspect(path)
	require.NoError(t, err)
	assert.True(t, result.IsValidPDF)
	assert.False(t, result.LooksLikeWrongDocument)
	assert.True(t, result.Verified())
	assert.Equal(t, int64(len(invoiceBody)), result.SizeBytes)
}

func TestInspectRejectsMissingSignature(t *testing.T) {
	for name, body := range map[string]string{
		"html":  "<!doctype html><html>Zaloguj się</html>",
		"empty": "",
		"short": "%PD",
	} {
		t.Run(name, func(t *testing.T) {
			result, err := newInspector().Inspect(writeFile(t, "x.pdf", body))
			require.NoError(t, err)
			assert.False(t, result.IsValidPDF)
			assert.False(t, result.Verified())
		})
	}
}

func TestInspectFlagsPrivacyPolicy(t *testing.T) {
	result, err := newInspector().Inspect(writeFile(t, "x.pdf", privacyBody))
	require.NoError(t, err)
	assert.True(t, result.IsValidPDF)
	assert.True(t, result.LooksLikeWrongDocument)
	assert.False(t, result.Verified())
}

func TestInspectOnlySniffsHead(t *testing.T) {
	cfg := config.Default().Detection
	cfg.SniffBytes = 16
	inspector := NewInspector(cfg, zap.NewNop())

	body := "%PDF-1.7\n" + string(make([]byte, 64)) + "polityka prywatności"
	result, err := inspector.Inspect(writeFile(t, "x.pdf", body))
	require.NoError(t, err)
	assert.False(t, result.LooksLikeWrongDocument, "marker beyond the sniff window is ignored")
}

func TestInspectCustomMarker(t *testing.T) {
	cfg := config.Default().Detection
	cfg.WrongDocumentMarkers = []string{"Regulamin"}
	inspector := NewInspector(cfg, zap.NewNop())

	result, err := inspector.Inspect(writeFile(t, "x.pdf", "%PDF-1.4 regulamin sklepu"))
	require.NoError(t, err)
	assert.True(t, result.LooksLikeWrongDocument)
}

func TestInspectMissingFile(t *testing.T) {
	_, err := newInspector().Inspect(filepath.Join(t.TempDir(), "nope.pdf"))
	assert.Error(t, err)
}

func TestVerifyRenamesWrongDocument(t *testing.T) {
	path := writeFile(t, "faktura_ZS_123_456_UR.pdf", privacyBody)

	result, err := newInspector().Verify(path)
	assert.ErrorIs(t, err, ErrWrongDocument)

	expected := filepath.Join(filepath.Dir(path), "faktura_ZS_123_456_UR_polityka_prywatnosci.pdf")
	assert.Equal(t, expected, result.Path)
	assert.FileExists(t, expected)
	assert.NoFileExists(t, path)
}

func TestVerifyRemovesNonPDF(t *testing.T) {
	path := writeFile(t, "faktura_ZS_1_1_UR.pdf", "<html></html>")

	_, err := newInspector().Verify(path)
	assert.ErrorIs(t, err, ErrNotPDF)
	assert.NoFileExists(t, path)
}

func TestVerifyKeepsInvoice(t *testing.T) {
	path := writeFile(t, "faktura_ZS_1_1_UR.pdf", invoiceBody)

	result, err := newInspector().Verify(path)
	require.NoError(t, err)
	assert.Equal(t, path, result.Path)
	assert.FileExists(t, path)
}

func TestMisfirePath(t *testing.T) {
	assert.Equal(t, "/a/faktura_X_polityka_prywatnosci.pdf", MisfirePath("/a/faktura_X.pdf", "_polityka_prywatnosci"))
	assert.Equal(t, "/a/doc_bad", MisfirePath("/a/doc", "_bad"))
}

func TestHasPDFSignature(t *testing.T) {
	assert.True(t, HasPDFSignature([]byte("%PDF-1.7")))
	assert.False(t, HasPDFSignature([]byte("%PD")))
	assert.False(t, HasPDFSignature(nil))
}
