// Package mailer sends a despatch advice to the remote email service.
package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"despatchflow/internal/models"
	"github.com/rs/zerolog"
)

const maxResponseBytes = 1 << 20

// DespatchInfo is the metadata block of the email request.
type DespatchInfo struct {
	ID        string `json:"ID"`
	IssueDate string `json:"IssueDate"`
}

// Request is the email endpoint payload. DespatchXML is base64 encoded.
type Request struct {
	RecipientEmail string       `json:"recipient_email"`
	DespatchInfo   DespatchInfo `json:"despatch_info"`
	DespatchXML    string       `json:"despatch_xml"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Config holds email client settings.
type Config struct {
	Endpoint   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client posts documents to the email endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	logger     zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("email endpoint is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   cfg.Endpoint,
		logger:     logger.With().Str("component", "mailer").Logger(),
	}, nil
}

// EncodeDocument encodes the UTF-8 bytes of text as standard base64.
func EncodeDocument(text models.DocumentText) string {
	return base64.StdEncoding.EncodeToString([]byte(text))
}

// DecodeDocument reverses EncodeDocument.
func DecodeDocument(encoded string) (models.DocumentText, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return models.DocumentText(raw), nil
}

// NewRequest validates the inputs and builds the request body.
func NewRequest(recipient string, text models.DocumentText, meta models.Metadata) (Request, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return Request{}, models.ValidationError("recipient email is required")
	}
	if addr, err := mail.ParseAddress(recipient); err != nil || addr.Address != recipient {
		return Request{}, models.ValidationError(fmt.Sprintf("%q is not a valid email address", recipient))
	}
	if strings.TrimSpace(string(text)) == "" {
		return Request{}, models.ValidationError("no document to send")
	}
	return Request{
		RecipientEmail: recipient,
		DespatchInfo:   DespatchInfo{ID: orUnknown(meta.ID), IssueDate: orUnknown(meta.IssueDate)},
		DespatchXML:    EncodeDocument(text),
	}, nil
}

// Send emails text to recipient. Invalid input is rejected before any request is made.
func (c *Client) Send(ctx context.Context, recipient string, text models.DocumentText, meta models.Metadata) error {
	body, err := NewRequest(recipient, text, meta)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.NetworkError("email service unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return models.NetworkError("email response interrupted", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Info().Str("recipient", body.RecipientEmail).Str("despatch_id", body.DespatchInfo.ID).Msg("despatch advice emailed")
		return nil
	}

	var errResp errorResponse
	if err := json.Unmarshal(respBody, &errResp); err == nil && strings.TrimSpace(errResp.Error) != "" {
		return models.ServiceRejected(errResp.Error)
	}
	return models.ServiceRejected(fmt.Sprintf("email service returned status %d", resp.StatusCode))
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return models.UnknownMarker
	}
	return v
}
