// Package controlapi is a client for the engine's REST control API, served
// over a unix socket or a Windows named pipe.
package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/containerd/errdefs/pkg/errhttp"

	"github.com/spin-stack/corevisor/internal/paths"
	"github.com/spin-stack/corevisor/internal/version"
)

// baseURL is a placeholder host; the transport always dials the endpoint.
const baseURL = "http://engine"

const defaultRequestTimeout = 5 * time.Second

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Unwrap maps the status code to an errdefs class.
func (e *StatusError) Unwrap() error {
	return errhttp.ToNative(e.Code)
}

// Client talks to one engine instance.
type Client struct {
	endpoint string
	secret   string
	http     *http.Client
}

// New returns a client for the engine listening on endpoint. secret is the
// profile's API secret and may be empty.
func New(endpoint, secret string) *Client {
	c := &Client{endpoint: endpoint, secret: secret}
	c.http = &http.Client{
		Timeout: defaultRequestTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return c.Dial(ctx)
			},
			DisableKeepAlives: true,
		},
	}
	return c
}

// Endpoint returns the control endpoint.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Secret returns the bearer secret.
func (c *Client) Secret() string {
	return c.secret
}

// Dial opens a raw connection to the control endpoint.
func (c *Client) Dial(ctx context.Context) (net.Conn, error) {
	if paths.IsNamedPipe(c.endpoint) {
		return dialPipe(ctx, c.endpoint)
	}
	var d net.Dialer
	return d.DialContext(ctx, "unix", c.endpoint)
}

// Version returns the engine version. It doubles as the liveness probe.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
		Meta    bool   `json:"meta"`
	}
	if err := c.do(ctx, http.MethodGet, "/version", nil, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// Ping reports whether an engine answers on the endpoint.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Version(ctx)
	return err
}

// Groups lists proxy groups. A successful listing means the engine finished
// loading its profile.
func (c *Client) Groups(ctx context.Context) error {
	var out struct {
		Proxies []json.RawMessage `json:"proxies"`
	}
	return c.do(ctx, http.MethodGet, "/group", nil, &out)
}

// PatchConfig applies fields in place on the running engine.
func (c *Client) PatchConfig(ctx context.Context, fields map[string]any) error {
	return c.do(ctx, http.MethodPatch, "/configs", fields, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", version.UserAgent())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
