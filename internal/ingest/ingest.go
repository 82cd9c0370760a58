// Package ingest turns user supplied file handles into document text.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"unicode/utf8"

	"despatchflow/internal/models"
)

const defaultMaxBytes = 10 * 1024 * 1024

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Handle is anything that can be re-read as a file: a picker selection, a
// dropped file or a path on disk.
type Handle interface {
	Name() string
	Size() int64
	Open() (io.ReadCloser, error)
}

// Adapter reads handles as text.
type Adapter struct {
	maxBytes int64
}

func NewAdapter(maxBytes int64) *Adapter {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Adapter{maxBytes: maxBytes}
}

// Ingest reads h completely. Any content that is valid UTF-8 text is
// accepted, XML or not. Binary content, oversized files and read failures
// return an ingestion error.
func (a *Adapter) Ingest(ctx context.Context, h Handle) (models.DocumentText, models.SourceFile, error) {
	src := models.SourceFile{Name: filepath.Base(h.Name()), Size: h.Size()}

	if err := ctx.Err(); err != nil {
		return "", src, models.IngestionError("file read cancelled", err)
	}
	if h.Size() > a.maxBytes {
		return "", src, models.IngestionError(fmt.Sprintf("file is larger than %d bytes", a.maxBytes), nil)
	}

	rc, err := h.Open()
	if err != nil {
		return "", src, models.IngestionError("could not open file", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(readerWithContext(ctx, rc), a.maxBytes+1))
	if err != nil {
		return "", src, models.IngestionError("could not read file", err)
	}
	if int64(len(data)) > a.maxBytes {
		return "", src, models.IngestionError(fmt.Sprintf("file is larger than %d bytes", a.maxBytes), nil)
	}
	if src.Size <= 0 {
		src.Size = int64(len(data))
	}

	data = bytes.TrimPrefix(data, utf8BOM)
	if !isText(data) {
		return "", src, models.IngestionError("file is not a text document", nil)
	}
	return models.DocumentText(data), src, nil
}

func isText(data []byte) bool {
	return utf8.Valid(data) && bytes.IndexByte(data, 0) < 0
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}

// FileHandle wraps a multipart upload from the file picker or a drop zone.
type FileHandle struct {
	header *multipart.FileHeader
}

func NewFileHandle(header *multipart.FileHeader) FileHandle {
	return FileHandle{header: header}
}

func (f FileHandle) Name() string { return f.header.Filename }
func (f FileHandle) Size() int64  { return f.header.Size }

func (f FileHandle) Open() (io.ReadCloser, error) {
	return f.header.Open()
}

// PathHandle is a file on the local filesystem.
type PathHandle struct {
	path string
	size int64
}

// NewPathHandle stats path so the size is known before reading.
func NewPathHandle(path string) (PathHandle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return PathHandle{}, models.IngestionError("could not stat file", err)
	}
	if info.IsDir() {
		return PathHandle{}, models.IngestionError(path+" is a directory", nil)
	}
	return PathHandle{path: path, size: info.Size()}, nil
}

func (p PathHandle) Name() string { return p.path }
func (p PathHandle) Size() int64  { return p.size }

func (p PathHandle) Open() (io.ReadCloser, error) {
	return os.Open(p.path)
}
