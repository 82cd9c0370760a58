package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"despatchflow/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memHandle struct {
	name    string
	data    []byte
	openErr error
	readErr error
}

func (m memHandle) Name() string { return m.name }
func (m memHandle) Size() int64  { return int64(len(m.data)) }

func (m memHandle) Open() (io.ReadCloser, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	if m.readErr != nil {
		return io.NopCloser(io.MultiReader(bytes.NewReader(m.data), errReader{m.readErr})), nil
	}
	return io.NopCloser(bytes.NewReader(m.data)), nil
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func TestAdapter_Ingest(t *testing.T) {
	a := NewAdapter(0)
	doc, src, err := a.Ingest(context.Background(), memHandle{name: "dir/invoice.xml", data: []byte("<Invoice><ID>INV-1</ID></Invoice>")})

	require.NoError(t, err)
	assert.Equal(t, models.DocumentText("<Invoice><ID>INV-1</ID></Invoice>"), doc)
	assert.Equal(t, models.SourceFile{Name: "invoice.xml", Size: 33}, src)
}

func TestAdapter_Ingest_AcceptsNonXMLText(t *testing.T) {
	doc, _, err := NewAdapter(0).Ingest(context.Background(), memHandle{name: "notes.txt", data: []byte("Größe: 10 — ok")})
	require.NoError(t, err)
	assert.Equal(t, models.DocumentText("Größe: 10 — ok"), doc)
}

func TestAdapter_Ingest_StripsBOM(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("<a/>")...)
	doc, _, err := NewAdapter(0).Ingest(context.Background(), memHandle{name: "a.xml", data: data})
	require.NoError(t, err)
	assert.Equal(t, models.DocumentText("<a/>"), doc)
}

func TestAdapter_Ingest_Failures(t *testing.T) {
	tests := []struct {
		name   string
		handle memHandle
	}{
		{name: "binary", handle: memHandle{name: "logo.png", data: []byte{0x89, 'P', 'N', 'G', 0x00, 0xFF, 0xFE}}},
		{name: "nul byte", handle: memHandle{name: "x.xml", data: []byte("<a>\x00</a>")}},
		{name: "open error", handle: memHandle{name: "x.xml", openErr: os.ErrPermission}},
		{name: "read error", handle: memHandle{name: "x.xml", data: []byte("<a>"), readErr: errors.New("stream reset")}},
		{name: "too large", handle: memHandle{name: "x.xml", data: []byte(strings.Repeat("a", 65))}},
	}

	a := NewAdapter(64)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, _, err := a.Ingest(context.Background(), tt.handle)
			require.Error(t, err)
			assert.Equal(t, models.KindIngestion, models.KindOf(err))
			assert.Empty(t, doc)
		})
	}
}

func TestAdapter_Ingest_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := NewAdapter(0).Ingest(ctx, memHandle{name: "a.xml", data: []byte("<a/>")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPathHandle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invoice.xml")
	require.NoError(t, os.WriteFile(path, []byte("<Invoice/>"), 0o644))

	h, err := NewPathHandle(path)
	require.NoError(t, err)
	assert.Equal(t, int64(10), h.Size())

	doc, src, err := NewAdapter(0).Ingest(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentText("<Invoice/>"), doc)
	assert.Equal(t, "invoice.xml", src.Name)

	_, err = NewPathHandle(dir)
	assert.Equal(t, models.KindIngestion, models.KindOf(err))

	_, err = NewPathHandle(filepath.Join(dir, "missing.xml"))
	assert.Equal(t, models.KindIngestion, models.KindOf(err))
}

func TestFileHandle(t *testing.T) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "dropped.xml")
	require.NoError(t, err)
	_, err = fw.Write([]byte("<Invoice/>"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/document", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))
	_, header, err := req.FormFile("file")
	require.NoError(t, err)

	doc, src, err := NewAdapter(0).Ingest(context.Background(), NewFileHandle(header))
	require.NoError(t, err)
	assert.Equal(t, models.DocumentText("<Invoice/>"), doc)
	assert.Equal(t, "dropped.xml", src.Name)
}

func TestNewWatcher_LeavesExtensionsUntouched(t *testing.T) {
	exts := []string{".XML", ".Txt"}
	w, err := NewWatcher(zerolog.Nop(), exts...)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, []string{".XML", ".Txt"}, exts)
	assert.Equal(t, []string{".xml", ".txt"}, w.extensions)
}

func TestWatcher_EmitsDroppedFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(zerolog.Nop(), ".XML")
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handles, err := w.Watch(ctx, dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "invoice.xml"), []byte("<Invoice/>"), 0o644))

	select {
	case h := <-handles:
		assert.Equal(t, "invoice.xml", filepath.Base(h.Name()))
	case <-time.After(5 * time.Second):
		t.Fatal("no handle received")
	}
}
