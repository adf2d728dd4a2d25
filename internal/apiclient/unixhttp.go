//go:build unix

// Package apiclient talks JSON to the reaper daemon over its unix socket.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/gurisko/reaper/internal/limits"
	"github.com/gurisko/reaper/internal/paths"
)

// ErrDaemonUnavailable wraps dial failures that mean nothing is listening.
var ErrDaemonUnavailable = errors.New("reaper daemon is not running")

type Client struct {
	http       *http.Client
	baseURL    string
	socketPath string
}

// New returns a client for the daemon at the default socket path.
func New() *Client {
	return NewWithSocket(paths.DefaultSocketPath())
}

func NewWithSocket(socketPath string) *Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &Client{
		http: &http.Client{Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", socketPath)
			},
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       60 * time.Second,
		}},
		baseURL:    "http://reaper",
		socketPath: socketPath,
	}
}

// APIError is a non-2xx daemon response.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(bytes.TrimSpace(e.Body))
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, msg)
}

// StatusCode extracts the HTTP status from an *APIError anywhere in err's chain.
func StatusCode(err error) (int, bool) {
	var api *APIError
	if !errors.As(err, &api) {
		return 0, false
	}
	return api.StatusCode, true
}

func IsNotFound(err error) bool {
	code, ok := StatusCode(err)
	return ok && code == http.StatusNotFound
}

// IsConflict reports a request the project's current status does not allow.
func IsConflict(err error) bool {
	code, ok := StatusCode(err)
	return ok && code == http.StatusConflict
}

// Reason is the daemon's error message, or err's text for anything else.
func Reason(err error) string {
	var api *APIError
	if errors.As(err, &api) && api.Message != "" {
		return api.Message
	}
	return err.Error()
}

func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) PostJSON(ctx context.Context, path string, in any, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) PutJSON(ctx context.Context, path string, in any, out any) error {
	return c.do(ctx, http.MethodPut, path, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	body := io.Reader(http.NoBody)
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.dialError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, limits.JSON)).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func readAPIError(resp *http.Response) *APIError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, limits.ErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(b, &payload)
	return &APIError{StatusCode: resp.StatusCode, Message: payload.Error, Body: b}
}

func (c *Client) dialError(err error) error {
	if errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w at %s (start it with `reaper daemon start`): %w", ErrDaemonUnavailable, c.socketPath, err)
	}
	return err
}
