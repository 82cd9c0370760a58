package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"despatchflow/cmd/despatchctl/ui"
	"despatchflow/internal/ingest"
	"despatchflow/internal/mailer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const despatchXML = `<DespatchAdvice><cbc:ID>D42</cbc:ID><cbc:IssueDate>2025-02-03</cbc:IssueDate></DespatchAdvice>`

type services struct {
	mu       sync.Mutex
	converts int
	emails   []mailer.Request
}

func startServices(t *testing.T) *services {
	t.Helper()
	s := &services{}

	conv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.converts++
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"despatch_xml": despatchXML})
	}))
	t.Cleanup(conv.Close)

	mail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mailer.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.emails = append(s.emails, req)
		s.mu.Unlock()
		_, _ = w.Write([]byte(`{"message":"sent"}`))
	}))
	t.Cleanup(mail.Close)

	t.Setenv("DESPATCH_ENDPOINTS_CONVERSION_URL", conv.URL)
	t.Setenv("DESPATCH_ENDPOINTS_EMAIL_URL", mail.URL)
	return s
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	ui.SetOutput(&buf, &buf)
	rootCmd.SetArgs(append(args, "--no-color"))
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExtractCommand(t *testing.T) {
	path := writeFile(t, t.TempDir(), "advice.xml", despatchXML)

	out, err := execute(t, "extract", path)
	require.NoError(t, err)
	assert.Contains(t, out, "D42")
	assert.Contains(t, out, "2025-02-03")
	assert.Contains(t, out, "Despatch Advice - D42")

	_, err = execute(t, "extract", filepath.Join(t.TempDir(), "missing.xml"))
	assert.Error(t, err)
}

func TestConvertCommand(t *testing.T) {
	svc := startServices(t)
	in := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "out")
	a := writeFile(t, in, "a.xml", "<Invoice>a</Invoice>")
	b := writeFile(t, in, "b.xml", "<Invoice>b</Invoice>")

	out, err := execute(t, "convert", a, b, "--out", outDir, "--email", "")
	require.NoError(t, err, out)

	for _, name := range []string{"a.despatch.xml", "b.despatch.xml"} {
		data, err := os.ReadFile(filepath.Join(outDir, name))
		require.NoError(t, err)
		assert.Equal(t, despatchXML, string(data))
	}
	assert.Equal(t, 2, svc.converts)
	assert.Empty(t, svc.emails)
	assert.Contains(t, out, "Converted 2 file(s)")
}

func TestConvertCommand_ReportsFailures(t *testing.T) {
	startServices(t)
	in := t.TempDir()
	good := writeFile(t, in, "good.xml", "<Invoice/>")
	bad := writeFile(t, in, "bad.bin", "\x00\x01")

	out, err := execute(t, "convert", good, bad, "--out", "", "--email", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 files failed")
	assert.Contains(t, out, "file is not a text document")
	assert.FileExists(t, filepath.Join(in, "good.despatch.xml"))
}

func TestSendCommand(t *testing.T) {
	svc := startServices(t)
	path := writeFile(t, t.TempDir(), "invoice.xml", "<Invoice/>")

	out, err := execute(t, "send", path, "--to", "ops@example.com", "--convert")
	require.NoError(t, err, out)

	require.Len(t, svc.emails, 1)
	got := svc.emails[0]
	assert.Equal(t, "ops@example.com", got.RecipientEmail)
	assert.Equal(t, mailer.DespatchInfo{ID: "D42", IssueDate: "2025-02-03"}, got.DespatchInfo)
	assert.Equal(t, mailer.EncodeDocument(despatchXML), got.DespatchXML)
	assert.Contains(t, out, "Sent D42 to ops@example.com")
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, filepath.Join("in", "inv.despatch.xml"), outputPath(filepath.Join("in", "inv.xml"), ""))
	assert.Equal(t, filepath.Join("out", "inv.despatch.xml"), outputPath(filepath.Join("in", "inv.xml"), "out"))
}

func TestSettled(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "inv.xml", "<Invoice/>")
	own := writeFile(t, dir, "inv"+outputSuffix, despatchXML)

	h, err := ingest.NewPathHandle(path)
	require.NoError(t, err)
	ownHandle, err := ingest.NewPathHandle(own)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handles := make(chan ingest.PathHandle, 4)
	handles <- h
	handles <- ownHandle
	handles <- h
	handles <- h

	out := settled(ctx, handles, 20*time.Millisecond)

	select {
	case got := <-out:
		assert.Equal(t, path, got)
	case <-time.After(time.Second):
		t.Fatal("no settled path")
	}

	select {
	case got := <-out:
		t.Fatalf("unexpected second path %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQuietTimers_IgnoresReplacedTimer(t *testing.T) {
	q := newQuietTimers()
	defer q.stop()
	noop := func(firing) {}

	q.reset("a.xml", time.Hour, noop)
	q.reset("a.xml", time.Hour, noop)
	q.reset("b.xml", time.Hour, noop)

	assert.False(t, q.done(firing{path: "a.xml", seq: 1}), "replaced timer must not emit")
	assert.True(t, q.done(firing{path: "a.xml", seq: 2}))
	assert.False(t, q.done(firing{path: "a.xml", seq: 2}), "emitted once")
	assert.True(t, q.done(firing{path: "b.xml", seq: 3}))
}

func TestSettled_RestartsQuietPeriod(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "inv.xml", "<Invoice/>")
	h, err := ingest.NewPathHandle(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handles := make(chan ingest.PathHandle)
	out := settled(ctx, handles, 50*time.Millisecond)

	for i := 0; i < 5; i++ {
		handles <- h
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case got := <-out:
		assert.Equal(t, path, got)
	case <-time.After(time.Second):
		t.Fatal("no settled path")
	}
	select {
	case got := <-out:
		t.Fatalf("unexpected second path %s", got)
	case <-time.After(150 * time.Millisecond):
	}
}
