// Package upload sends rendered images to the uploader service.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	formField     = "image"
	formFilename  = "preview.png"
	statusOK      = "ok"
	maxRespBody   = 1 << 20 // 1 MB
	clientTimeout = 30 * time.Second
)

// ErrRejected is returned when the uploader answers with a non-ok status.
var ErrRejected = errors.New("upload rejected")

type uploadResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Files  []struct {
		Path string `json:"path"`
	} `json:"files"`
}

// Client uploads PNG images with retries on transient failures.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retries    uint64
	logger     *slog.Logger

	// newBackOff is swapped in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

// NewClient creates an uploader client for baseURL. retries is the number of
// additional attempts after a transient failure.
func NewClient(baseURL string, retries int, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: clientTimeout},
		retries:    uint64(max(retries, 0)),
		logger:     logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

// Upload posts image to <baseURL>/upload and returns the stored file path.
// Network errors and 5xx responses are retried; a non-ok status in the
// response body is not.
func (c *Client) Upload(ctx context.Context, image []byte) (string, error) {
	body, contentType, err := encodeForm(image)
	if err != nil {
		return "", err
	}

	var path string
	attempt := 0
	op := func() error {
		attempt++
		p, err := c.post(ctx, body, contentType)
		if err != nil {
			c.logger.Debug("upload attempt failed", "attempt", attempt, "error", err)
			return err
		}
		path = p
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.retries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	return path, nil
}

func encodeForm(image []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(formField, formFilename)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (c *Client) post(ctx context.Context, body []byte, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRespBody))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return "", fmt.Errorf("uploader returned %d", resp.StatusCode)
	}

	var out uploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err))
	}
	if out.Status != statusOK {
		return "", backoff.Permanent(fmt.Errorf("%w: %s", ErrRejected, out.Error))
	}
	if len(out.Files) == 0 || out.Files[0].Path == "" {
		return "", backoff.Permanent(fmt.Errorf("%w: response lists no files", ErrRejected))
	}
	return out.Files[0].Path, nil
}
