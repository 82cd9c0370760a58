package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"despatchflow/internal/extractor"
	"despatchflow/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(Config{Endpoint: url}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestEncodeDocument_RoundTrip(t *testing.T) {
	docs := []models.DocumentText{
		"",
		"<Despatch/>",
		"<Despatch><cbc:Note>Lieferung für Zürich — 東京 ✓ 🚚</cbc:Note></Despatch>",
		"line1\r\nline2\ttab\x7f",
		models.DocumentText([]byte{0xE2, 0x82, 0xAC, 0x0A}),
	}
	for _, doc := range docs {
		decoded, err := DecodeDocument(EncodeDocument(doc))
		require.NoError(t, err)
		assert.Equal(t, doc, decoded)
	}
}

func TestClient_Send(t *testing.T) {
	const doc = "<Despatch><cbc:ID>D1</cbc:ID></Despatch>"

	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"message":"Email sent successfully"}`))
	}))
	defer server.Close()

	err := newTestClient(t, server.URL).Send(context.Background(), "a@b.com", doc, extractor.Extract(doc))
	require.NoError(t, err)

	assert.Equal(t, "a@b.com", got.RecipientEmail)
	assert.Equal(t, "D1", got.DespatchInfo.ID)
	assert.Equal(t, models.UnknownMarker, got.DespatchInfo.IssueDate)

	decoded, err := DecodeDocument(got.DespatchXML)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentText(doc), decoded)
}

func TestClient_Send_RequestShape(t *testing.T) {
	var raw map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	err := newTestClient(t, server.URL).Send(context.Background(), "ops@example.com", "<D/>", models.Metadata{ID: "D9", IssueDate: "2025-04-01"})
	require.NoError(t, err)

	assert.Equal(t, "ops@example.com", raw["recipient_email"])
	assert.Equal(t, map[string]any{"ID": "D9", "IssueDate": "2025-04-01"}, raw["despatch_info"])
	assert.Equal(t, "PEQvPg==", raw["despatch_xml"])
}

func TestClient_Send_ValidationMakesNoRequest(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	cases := []struct {
		recipient string
		doc       models.DocumentText
	}{
		{recipient: "", doc: "<D/>"},
		{recipient: "   ", doc: "<D/>"},
		{recipient: "not-an-address", doc: "<D/>"},
		{recipient: "Bob <bob@example.com>", doc: "<D/>"},
		{recipient: "a@b.com", doc: ""},
	}
	for _, tc := range cases {
		err := c.Send(context.Background(), tc.recipient, tc.doc, models.Metadata{})
		require.Error(t, err, tc.recipient)
		assert.Equal(t, models.KindValidation, models.KindOf(err))
	}
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestClient_Send_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		reason string
	}{
		{name: "structured", status: http.StatusBadRequest, body: `{"error":"Missing recipient email"}`, reason: "Missing recipient email"},
		{name: "bare status", status: http.StatusInternalServerError, body: ``, reason: "email service returned status 500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := newTestClient(t, server.URL).Send(context.Background(), "a@b.com", "<D/>", models.Metadata{})
			require.Error(t, err)
			assert.Equal(t, models.KindServiceRejected, models.KindOf(err))
			assert.Equal(t, tt.reason, models.ReasonOf(err))
		})
	}
}

func TestClient_Send_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	err := newTestClient(t, url).Send(context.Background(), "a@b.com", "<D/>", models.Metadata{})
	assert.Equal(t, models.KindNetwork, models.KindOf(err))
}

func TestNewRequest_FillsUnknownMetadata(t *testing.T) {
	req, err := NewRequest(" a@b.com ", "<D/>", models.Metadata{ID: "", IssueDate: " "})
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", req.RecipientEmail)
	assert.Equal(t, DespatchInfo{ID: models.UnknownMarker, IssueDate: models.UnknownMarker}, req.DespatchInfo)
}
