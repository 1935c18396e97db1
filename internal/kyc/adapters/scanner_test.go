package adapters

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kycgate/internal/kyc/models"
	id "kycgate/pkg/domain"
)

func writeUpload(t *testing.T, root, name string, content []byte) models.DocumentRef {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(root, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, name), content, 0o600))
	return models.DocumentRef{
		DocumentID: id.NewDocumentID(),
		SessionID:  id.NewSessionID(),
		DocType:    models.DocumentPassport,
		StorageRef: name,
	}
}

func TestHeuristicScanner(t *testing.T) {
	root := t.TempDir()
	scanner := NewHeuristicScanner(NewFileSource(root), WithMaxBytes(1024))

	tests := []struct {
		name    string
		content []byte
		clean   bool
		threat  string
	}{
		{name: "pdf", content: []byte("%PDF-1.7\n1 0 obj << /Type /Catalog >>"), clean: true},
		{name: "jpeg", content: []byte{0xFF, 0xD8, 0xFF, 0xE0, 'J', 'F', 'I', 'F'}, clean: true},
		{name: "php", content: []byte("GIF89a<?PHP system($_GET['c']); ?>"), threat: ThreatScript},
		{name: "script tag", content: []byte("<html><SCRIPT>alert(1)</script>"), threat: ThreatScript},
		{name: "eval", content: []byte("%PDF-1.4 /JS (eval(atob('x')))"), threat: ThreatScript},
		{name: "windows executable", content: []byte("MZ\x90\x00\x03"), threat: ThreatExecutable},
		{name: "elf", content: []byte("\x7fELF\x02\x01\x01"), threat: ThreatExecutable},
		{name: "oversized", content: []byte(strings.Repeat("a", 1025)), threat: ThreatOversized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := writeUpload(t, root, "uploads/"+strings.ReplaceAll(tt.name, " ", "_"), tt.content)
			res, err := scanner.Scan(context.Background(), ref)
			require.NoError(t, err)
			assert.Equal(t, tt.clean, res.Clean)
			if tt.threat != "" {
				assert.Contains(t, res.Threats, tt.threat)
			} else {
				assert.Empty(t, res.Threats)
			}
		})
	}
}

func TestHeuristicScanner_UnreadableIsNotClean(t *testing.T) {
	scanner := NewHeuristicScanner(NewFileSource(t.TempDir()))

	res, err := scanner.Scan(context.Background(), models.DocumentRef{StorageRef: "uploads/missing.pdf"})
	require.NoError(t, err)
	assert.False(t, res.Clean)
	assert.Equal(t, []string{ThreatUnreadable}, res.Threats)
}

func TestHeuristicScanner_CancelledContext(t *testing.T) {
	scanner := NewHeuristicScanner(NewFileSource(t.TempDir()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := scanner.Scan(ctx, models.DocumentRef{StorageRef: "uploads/any.pdf"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileSource_RefusesEscapingReferences(t *testing.T) {
	src := NewFileSource(t.TempDir())
	for _, ref := range []string{"../etc/passwd", "/etc/passwd", "uploads/../../secret"} {
		_, _, err := src.Open(context.Background(), ref)
		assert.Error(t, err, ref)
	}
}

func TestFileSource_ReportsSize(t *testing.T) {
	root := t.TempDir()
	ref := writeUpload(t, root, "uploads/a.pdf", []byte("%PDF-1.7"))

	rc, size, err := NewFileSource(root).Open(context.Background(), ref.StorageRef)
	require.NoError(t, err)
	defer rc.Close()
	assert.EqualValues(t, 8, size)
}

func TestStubExtractor(t *testing.T) {
	ref := models.DocumentRef{DocumentID: id.NewDocumentID(), DocType: models.DocumentNationalID}
	x, err := NewStubExtractor(nil).Extract(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "national_id", x.DocumentType)
	assert.True(t, strings.HasPrefix(x.DocumentNumber, "STUB"))
	assert.Len(t, x.DocumentNumber, 13)
	assert.GreaterOrEqual(t, x.Confidence, 0.5)

	other, err := NewStubExtractor(nil).Extract(context.Background(),
		models.DocumentRef{DocumentID: id.NewDocumentID(), DocType: models.DocumentNationalID})
	require.NoError(t, err)
	assert.NotEqual(t, x.DocumentNumber, other.DocumentNumber)
}
