// Package remote talks to the hosted image-inference API used for leaf
// validation and remote disease classification.
package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Defaults for the Roboflow serverless deployment.
const (
	DefaultBaseURL      = "https://serverless.roboflow.com"
	DefaultDiseaseModel = "pagdurusa/1"
	DefaultLeafModel    = "my-first-project-mxrml/1"
	DefaultTimeout      = 30 * time.Second

	maxResponseBytes = 4 << 20
	maxErrorExcerpt  = 512
)

// ErrMissingAPIKey is returned by Infer when no API key is configured.
var ErrMissingAPIKey = errors.New("remote inference API key not configured")

// Inferer sends one image to a hosted model and returns the raw response body.
type Inferer interface {
	Infer(ctx context.Context, modelID string, image []byte) ([]byte, error)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client is a minimal Roboflow serverless inference client.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	logger  *slog.Logger
}

// NewClient creates a client. Empty fields fall back to the package defaults.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpc:   httpc,
		logger:  logger,
	}
}

// UpstreamError reports a failed call to the hosted API.
type UpstreamError struct {
	Model      string
	StatusCode int // 0 for transport failures
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("remote model %s: %v", e.Model, e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("remote model %s returned %d", e.Model, e.StatusCode)
	}
	return fmt.Sprintf("remote model %s returned %d: %s", e.Model, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Infer posts the base64 encoded image to {base}/{model}?api_key=... and
// returns the response body of a 200 reply.
func (c *Client) Infer(ctx context.Context, modelID string, image []byte) ([]byte, error) {
	if c.apiKey == "" {
		return nil, &UpstreamError{Model: modelID, Err: ErrMissingAPIKey}
	}
	if len(image) == 0 {
		return nil, errors.New("empty image")
	}

	endpoint := c.baseURL + "/" + strings.TrimLeft(modelID, "/") + "?" + url.Values{"api_key": {c.apiKey}}.Encode()
	body := base64.StdEncoding.EncodeToString(image)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, &UpstreamError{Model: modelID, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &UpstreamError{Model: modelID, Err: redact(err, c.apiKey)}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &UpstreamError{Model: modelID, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	c.logger.Debug("remote inference",
		"model", modelID,
		"status", resp.StatusCode,
		"bytes", len(data),
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{
			Model:      modelID,
			StatusCode: resp.StatusCode,
			Body:       excerpt(data),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	return data, nil
}

func excerpt(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorExcerpt {
		return s[:maxErrorExcerpt] + "..."
	}
	return s
}

// redact strips the API key from transport errors, which embed the request URL.
func redact(err error, key string) error {
	if key == "" || !strings.Contains(err.Error(), key) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), key, "REDACTED"))
}
