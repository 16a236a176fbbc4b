package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/m-mizutani/goerr/v2"
)

// File is a candidate for the knowledge base. Content is reopened for
// every attempt so a failed upload can be retried with the same File.
type File struct {
	Name string
	Size int64
	// MediaType is the declared type. When empty it is sniffed from the
	// content.
	MediaType string
	open      func() (io.ReadCloser, error)
}

// NewFile wraps in-memory content.
func NewFile(name string, data []byte, mediaType string) File {
	return File{
		Name:      name,
		Size:      int64(len(data)),
		MediaType: mediaType,
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// OpenFile describes a file on disk without reading it.
func OpenFile(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, goerr.Wrap(err, "failed to stat file", goerr.V("path", path))
	}
	if info.IsDir() {
		return File{}, goerr.New("not a regular file", goerr.V("path", path))
	}
	return File{
		Name: filepath.Base(path),
		Size: info.Size(),
		open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// Open returns a fresh reader over the file content.
func (f File) Open() (io.ReadCloser, error) {
	if f.open == nil {
		return nil, goerr.New("file has no content", goerr.V("name", f.Name))
	}
	return f.open()
}

// ErrInvalidFile matches every validation failure.
var ErrInvalidFile = errors.New("invalid file")

// InvalidFileError is returned before any network call when a file is
// not acceptable for upload.
type InvalidFileError struct {
	Name   string
	Reason string
}

func (e *InvalidFileError) Error() string {
	return fmt.Sprintf("invalid file %q: %s", e.Name, e.Reason)
}

func (e *InvalidFileError) Is(target error) bool { return target == ErrInvalidFile }

// declared media types accepted as-is
var acceptedTypes = map[string]bool{
	"application/pdf":              true,
	"text/plain":                   true,
	"application/zip":              true,
	"application/x-zip-compressed": true,
}

// validate checks size and type and returns the media type to send.
func validate(f File, maxBytes int64) (string, error) {
	if f.Name == "" {
		return "", &InvalidFileError{Name: f.Name, Reason: "file has no name"}
	}
	if f.Size > maxBytes {
		return "", &InvalidFileError{
			Name:   f.Name,
			Reason: fmt.Sprintf("file size %s exceeds the %s limit", humanize.IBytes(uint64(f.Size)), humanize.IBytes(uint64(maxBytes))),
		}
	}

	if f.MediaType != "" {
		base, _, err := mime.ParseMediaType(f.MediaType)
		if err != nil || !acceptedTypes[base] {
			return "", &InvalidFileError{Name: f.Name, Reason: "only PDF, TXT and ZIP files are allowed"}
		}
		return base, nil
	}

	detected, err := sniff(f)
	if err != nil {
		return "", &InvalidFileError{Name: f.Name, Reason: "file could not be read"}
	}
	mediaType, ok := accepted(detected)
	if !ok {
		return "", &InvalidFileError{Name: f.Name, Reason: fmt.Sprintf("only PDF, TXT and ZIP files are allowed, got %s", detected.String())}
	}
	return mediaType, nil
}

func sniff(f File) (*mimetype.MIME, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return mimetype.DetectReader(rc)
}

// accepted maps a detected type onto the upload type. Anything detected
// as text (csv, json, markdown...) is sent as text/plain.
func accepted(m *mimetype.MIME) (string, bool) {
	switch {
	case m.Is("application/pdf"):
		return "application/pdf", true
	case m.Is("application/zip"):
		return "application/zip", true
	}
	for p := m; p != nil; p = p.Parent() {
		if p.Is("text/plain") {
			return "text/plain", true
		}
	}
	return "", false
}
