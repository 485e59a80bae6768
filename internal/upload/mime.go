package upload

import (
	"mime"
	"path"
	"strconv"
	"strings"
)

// DefaultMimeType is used when extension lookup yields nothing.
const DefaultMimeType = "application/octet-stream"

// mimeTypePDF is special-cased for content-URI sources, see PatchPDFPath.
const mimeTypePDF = "application/pdf"

// contentURIPrefix marks local paths handed over by a platform content
// resolver rather than the filesystem. Such paths often lack an extension.
const contentURIPrefix = "content://"

// ResolveMimeType returns the explicit mime type when given, otherwise the
// type derived from the local path's extension, otherwise DefaultMimeType.
func ResolveMimeType(localPath, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if ext := path.Ext(localPath); ext != "" {
		if t := mime.TypeByExtension(ext); t != "" {
			// TypeByExtension may include parameters ("text/plain; charset=utf-8").
			if idx := strings.IndexByte(t, ';'); idx >= 0 {
				t = strings.TrimSpace(t[:idx])
			}
			return t
		}
	}
	return DefaultMimeType
}

// PatchPDFPath appends ".pdf" to the remote path when a PDF arrives through a
// content URI without an extension. Applied at most once per path.
func PatchPDFPath(remotePath, mimeType, localPath string) string {
	if mimeType != mimeTypePDF {
		return remotePath
	}
	if !strings.HasPrefix(localPath, contentURIPrefix) {
		return remotePath
	}
	if strings.HasSuffix(strings.ToLower(remotePath), ".pdf") {
		return remotePath
	}
	return remotePath + ".pdf"
}

// Minimum server version advertising chunked upload support.
const (
	chunkedMinMajor = 4
	chunkedMinMinor = 5
)

// ChunkedUploadSupported reports whether the server version string ("4.5.1",
// "10.0.2", optionally with a leading "v") is recent enough for the chunked
// transport. Unparseable versions disable chunking.
func ChunkedUploadSupported(version string) bool {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if version == "" {
		return false
	}

	parts := strings.SplitN(version, ".", 3)
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	minor := 0
	if len(parts) > 1 {
		if minor, err = strconv.Atoi(parts[1]); err != nil {
			return false
		}
	}

	if major != chunkedMinMajor {
		return major > chunkedMinMajor
	}
	return minor >= chunkedMinMinor
}
