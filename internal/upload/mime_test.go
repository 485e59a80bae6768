package upload_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pocketcloud/pocketcloud/internal/upload"
)

func TestResolveMimeType(t *testing.T) {
	t.Run("explicit type wins", func(t *testing.T) {
		got := upload.ResolveMimeType("/tmp/photo.jpg", "image/png")
		assert.Equal(t, "image/png", got)
	})

	t.Run("derives from extension", func(t *testing.T) {
		assert.Equal(t, "image/jpeg", upload.ResolveMimeType("/tmp/photo.jpg", ""))
		assert.Equal(t, "application/pdf", upload.ResolveMimeType("/tmp/doc.pdf", ""))
	})

	t.Run("strips parameters from extension lookup", func(t *testing.T) {
		got := upload.ResolveMimeType("/tmp/notes.txt", "")
		assert.Equal(t, "text/plain", got)
	})

	t.Run("falls back to octet-stream", func(t *testing.T) {
		assert.Equal(t, upload.DefaultMimeType, upload.ResolveMimeType("/tmp/blob.zzz9", ""))
		assert.Equal(t, upload.DefaultMimeType, upload.ResolveMimeType("/tmp/noext", ""))
	})
}

func TestPatchPDFPath(t *testing.T) {
	t.Run("appends pdf extension for content-uri pdf", func(t *testing.T) {
		got := upload.PatchPDFPath("/docs/report", "application/pdf", "content://media/12345")
		assert.Equal(t, "/docs/report.pdf", got)
	})

	t.Run("appends exactly once", func(t *testing.T) {
		once := upload.PatchPDFPath("/docs/report", "application/pdf", "content://media/12345")
		twice := upload.PatchPDFPath(once, "application/pdf", "content://media/12345")
		assert.Equal(t, "/docs/report.pdf", twice)
	})

	t.Run("case-insensitive extension check", func(t *testing.T) {
		got := upload.PatchPDFPath("/docs/REPORT.PDF", "application/pdf", "content://media/12345")
		assert.Equal(t, "/docs/REPORT.PDF", got)
	})

	t.Run("leaves filesystem paths alone", func(t *testing.T) {
		got := upload.PatchPDFPath("/docs/report", "application/pdf", "/tmp/report")
		assert.Equal(t, "/docs/report", got)
	})

	t.Run("leaves non-pdf types alone", func(t *testing.T) {
		got := upload.PatchPDFPath("/photos/cat", "image/jpeg", "content://media/777")
		assert.Equal(t, "/photos/cat", got)
	})
}

func TestChunkedUploadSupported(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"4.5", true},
		{"4.5.1", true},
		{"v4.5.0", true},
		{"10.0.2", true},
		{"5.0", true},
		{"4.4.9", false},
		{"4.0", false},
		{"3.9", false},
		{"", false},
		{"garbage", false},
		{"4.x", false},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			assert.Equal(t, tt.want, upload.ChunkedUploadSupported(tt.version))
		})
	}
}
