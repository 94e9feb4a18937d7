// Package extensions provides the client for the Lambda Extensions API.
package extensions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Sentinel-Gate/runtimegate/internal/port/outbound"
)

const (
	apiVersion = "2020-01-01"

	headerName       = "Lambda-Extension-Name"
	headerIdentifier = "Lambda-Extension-Identifier"

	// maxErrorBody bounds how much of an error reply is kept for the message.
	maxErrorBody = 4096
	maxEventBody = 64 * 1024
)

// ErrUnexpectedStatus is returned when the Extensions API answers with a non-2xx status.
var ErrUnexpectedStatus = errors.New("extensions api returned an error")

// ErrNoIdentifier is returned when registration succeeds without an identifier header.
var ErrNoIdentifier = errors.New("registration reply has no extension identifier")

// Client talks to the Lambda Extensions API. It implements outbound.ExtensionsAPI.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ outbound.ExtensionsAPI = (*Client)(nil)

// ClientOption is a functional option for configuring Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. It must not set a Timeout:
// event/next blocks until the next lifecycle event.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the Extensions API at address (host:port).
func NewClient(address string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    "http://" + address + "/" + apiVersion + "/extension",
		httpClient: &http.Client{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register announces the extension under name and subscribes to events.
func (c *Client) Register(ctx context.Context, name string, events []string) (string, error) {
	if events == nil {
		events = []string{}
	}
	body, err := json.Marshal(struct {
		Events []string `json:"events"`
	}{Events: events})
	if err != nil {
		return "", fmt.Errorf("encode registration: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerName, name)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("register extension: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return "", fmt.Errorf("register extension %q: %w", name, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxEventBody))

	id := resp.Header.Get(headerIdentifier)
	if id == "" {
		return "", ErrNoIdentifier
	}
	c.logger.Debug("extension registered", "name", name, "events", events)
	return id, nil
}

// NextEvent blocks until the next lifecycle event.
func (c *Client) NextEvent(ctx context.Context, extensionID string) (*outbound.ExtensionEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event/next", nil)
	if err != nil {
		return nil, fmt.Errorf("build event request: %w", err)
	}
	req.Header.Set(headerIdentifier, extensionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("next extension event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("next extension event: %w", err)
	}

	var ev outbound.ExtensionEvent
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxEventBody)).Decode(&ev); err != nil {
		return nil, fmt.Errorf("decode extension event: %w", err)
	}
	return &ev, nil
}

// checkStatus returns ErrUnexpectedStatus with a bounded excerpt of the body
// for non-2xx replies.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return fmt.Errorf("%w: status %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return fmt.Errorf("%w: status %d: %s", ErrUnexpectedStatus, resp.StatusCode, msg)
}
