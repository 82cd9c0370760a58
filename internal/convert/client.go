// Package convert calls the remote invoice to despatch advice conversion service.
package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"despatchflow/internal/models"
	"github.com/rs/zerolog"
)

const maxResponseBytes = 20 * 1024 * 1024

// Request is the conversion endpoint payload.
type Request struct {
	XMLDoc string `json:"xmlDoc"`
}

// Response is the conversion endpoint reply. Exactly one field is expected.
type Response struct {
	DespatchXML string `json:"despatch_xml,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Config holds conversion client settings.
type Config struct {
	Endpoint string
	Timeout  time.Duration
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client sends documents to the conversion endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	logger     zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("conversion endpoint is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   cfg.Endpoint,
		logger:     logger.With().Str("component", "convert").Logger(),
	}, nil
}

// Convert sends text to the service and returns the despatch advice it
// produced. Failures are a validation error (nothing sent), a network
// error (no response) or a service rejection.
func (c *Client) Convert(ctx context.Context, text models.DocumentText) (models.DocumentText, error) {
	if strings.TrimSpace(string(text)) == "" {
		return "", models.ValidationError("no document to convert")
	}

	payload, err := json.Marshal(Request{XMLDoc: string(text)})
	if err != nil {
		return "", fmt.Errorf("marshal conversion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create conversion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", models.NetworkError("conversion service unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", models.NetworkError("conversion response interrupted", err)
	}

	c.logger.Debug().
		Int("status", resp.StatusCode).
		Int("request_bytes", len(payload)).
		Int("response_bytes", len(body)).
		Dur("elapsed", time.Since(start)).
		Msg("conversion response")

	var out Response
	decodeErr := json.Unmarshal(body, &out)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && decodeErr == nil && out.DespatchXML != "" {
		return models.DocumentText(out.DespatchXML), nil
	}
	return "", models.ServiceRejected(rejectionMessage(resp.StatusCode, out.Error, decodeErr))
}

func rejectionMessage(status int, serviceMsg string, decodeErr error) string {
	if msg := strings.TrimSpace(serviceMsg); msg != "" {
		return msg
	}
	var syntaxErr *json.SyntaxError
	if errors.As(decodeErr, &syntaxErr) {
		return fmt.Sprintf("conversion service returned an unreadable response (status %d)", status)
	}
	if status >= 200 && status < 300 {
		return "conversion service returned no document"
	}
	return fmt.Sprintf("conversion service returned status %d", status)
}
