// Package remote uploads batch items to a FruitSalade-compatible content API.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/dropzone/internal/logging"
	"github.com/fruitsalade/dropzone/internal/metrics"
)

// ErrUnauthorized is returned when the server rejects the bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

// Config holds client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Tokens  TokenSource
}

// Client implements the upload target over HTTP. Every request is a single
// attempt; failures are reported to the caller.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource

	mu     sync.RWMutex
	online bool
}

// UploadResponse is the server's reply to a content upload.
type UploadResponse struct {
	Path    string `json:"path"`
	Version int    `json:"version"`
	Hash    string `json:"hash"`
	Size    int64  `json:"size"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		tokens: cfg.Tokens,
		online: true,
	}
}

func (c *Client) applyAuth(req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// IsOnline returns true if the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("upload server is back online", zap.String("url", c.baseURL))
		} else {
			logging.Warn("upload server is offline", zap.String("url", c.baseURL))
		}
	}
	c.online = online
}

func escapePath(key string) string {
	parts := strings.Split(strings.Trim(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// Ping checks that the server answers its health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.setOnline(false)
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	c.setOnline(true)
	return nil
}

// PutObject uploads body to key.
func (c *Client) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := c.Upload(ctx, key, body, size)
	return err
}

// Upload posts content to /api/v1/content/{key}.
func (c *Client) Upload(ctx context.Context, key string, body io.Reader, size int64) (*UploadResponse, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/content/"+escapePath(key), body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	if err := c.applyAuth(req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		metrics.RecordStorageOperation("remote", "upload", time.Since(start), false)
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}
	defer resp.Body.Close()
	c.setOnline(true)

	if err := checkStatus(resp, "upload"); err != nil {
		metrics.RecordStorageOperation("remote", "upload", time.Since(start), false)
		return nil, err
	}
	metrics.RecordStorageOperation("remote", "upload", time.Since(start), true)

	result := &UploadResponse{Path: key, Size: size}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse upload response: %w", err)
	}
	return result, nil
}

// MakeDir creates a directory via PUT /api/v1/tree/{key}?type=dir.
func (c *Client) MakeDir(ctx context.Context, key string) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/v1/tree/"+escapePath(key)+"?type=dir", nil)
	if err != nil {
		return err
	}
	if err := c.applyAuth(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		metrics.RecordStorageOperation("remote", "mkdir", time.Since(start), false)
		return fmt.Errorf("mkdir %s: %w", key, err)
	}
	defer resp.Body.Close()
	c.setOnline(true)

	err = checkStatus(resp, "mkdir")
	metrics.RecordStorageOperation("remote", "mkdir", time.Since(start), err == nil)
	return err
}

func checkStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	}
	var errResp errorResponse
	if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("%s failed (%d): %s", op, resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("%s failed: %d", op, resp.StatusCode)
}

// Type returns "remote".
func (c *Client) Type() string { return "remote" }
