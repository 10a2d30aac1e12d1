// Package remote is the HTTP client for the sync coordinator.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/legacyguard/stronghold/backend/internal/models"
)

// maxResponseBytes bounds a coordinator reply, matching the decompression limit.
var maxResponseBytes int64 = maxDecompressedBytes

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Client talks to the coordinator. It is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client

	mu       sync.RWMutex
	deviceID string
}

// New creates a client. timeout bounds every individual request.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		timeout: timeout,
		http:    &http.Client{},
	}
}

// SetDeviceID sets the id sent in the X-Device-ID header.
func (c *Client) SetDeviceID(id string) {
	c.mu.Lock()
	c.deviceID = id
	c.mu.Unlock()
}

// DeviceID returns the id sent in the X-Device-ID header.
func (c *Client) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// Token returns the bearer credential.
func (c *Client) Token() string {
	return c.token
}

// RegisterDevice sends the device profile to POST /devices/register.
func (c *Client) RegisterDevice(ctx context.Context, device *models.DeviceInfo) error {
	body, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("marshal device: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, "/devices/register", bytes.NewReader(body), nil, nil)
	return err
}

// Upload posts one batch to POST /sync/upload. It returns the coordinator
// reply and the number of request body bytes sent.
func (c *Client) Upload(ctx context.Context, entities []*models.SyncEntity, compress bool) (*UploadResponse, int64, error) {
	body, err := EncodeEntities(entities, compress)
	if err != nil {
		return nil, 0, err
	}

	headers := http.Header{}
	if compress {
		headers.Set(HeaderCompression, CompressionGzip)
		headers.Set("Content-Encoding", CompressionGzip)
	} else {
		headers.Set(HeaderCompression, CompressionNone)
	}

	var resp UploadResponse
	if _, err := c.do(ctx, http.MethodPost, "/sync/upload", bytes.NewReader(body), headers, &resp); err != nil {
		return nil, int64(len(body)), err
	}
	return &resp, int64(len(body)), nil
}

// Download fetches every entity the coordinator received after the cursor
// since from GET /sync/download, decompressing the response when needed. It
// returns the page and the number of response bytes read.
func (c *Client) Download(ctx context.Context, since time.Time, compress bool) (*DownloadPage, int64, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	path := "/sync/download"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	headers := http.Header{}
	if compress {
		headers.Set(HeaderCompression, CompressionGzip)
	}

	var resp DownloadResponse
	n, err := c.do(ctx, http.MethodGet, path, nil, headers, &resp)
	if err != nil {
		return nil, n, err
	}
	page := &DownloadPage{Entities: resp.Entities}
	if resp.Cursor != nil {
		page.Cursor = resp.Cursor.UTC()
	}
	if resp.Compressed {
		if page.Entities, err = DecodeEntities(resp.Data, true); err != nil {
			return nil, n, err
		}
	}
	return page, n, nil
}

// ReportSession posts a finalized session to POST /sync/sessions.
func (c *Client) ReportSession(ctx context.Context, session *models.SyncSession) error {
	body, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, "/sync/sessions", bytes.NewReader(body), nil, nil)
	return err
}

// do issues one request bounded by the client timeout and decodes a JSON
// reply into result. It returns the response body size.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, headers http.Header, result interface{}) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if id := c.DeviceID(); id != "" {
		req.Header.Set(HeaderDeviceID, id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}
	if int64(len(respBody)) > maxResponseBytes {
		return int64(len(respBody)), fmt.Errorf("response exceeds %d bytes", maxResponseBytes)
	}
	n := int64(len(respBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(respBody))
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return n, fmt.Errorf("%w: %s", ErrUnauthorized, msg)
		case http.StatusForbidden:
			return n, fmt.Errorf("%w: %s", ErrForbidden, msg)
		case http.StatusNotFound:
			return n, fmt.Errorf("%w: %s", ErrNotFound, msg)
		default:
			return n, &StatusError{Code: resp.StatusCode, Body: msg}
		}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return n, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return n, nil
}
