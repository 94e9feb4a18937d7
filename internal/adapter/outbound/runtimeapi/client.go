// Package runtimeapi provides the client for the real Lambda Runtime API.
package runtimeapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/Sentinel-Gate/runtimegate/internal/domain/invocation"
	"github.com/Sentinel-Gate/runtimegate/internal/port/outbound"
)

const (
	// maxPayloadSize bounds a polled event. Lambda caps synchronous payloads
	// at 6MB; the margin covers asynchronous and future limits.
	maxPayloadSize = 32 * 1024 * 1024 // 32MB
)

// ErrUnavailable wraps every failure to get an HTTP response from the control plane.
var ErrUnavailable = errors.New("runtime api unavailable")

// ErrPayloadTooLarge is returned when a polled event or a buffered
// pass-through body exceeds maxPayloadSize.
var ErrPayloadTooLarge = invocation.ErrPayloadTooLarge

// Client talks to the Lambda Runtime API over plain HTTP on the sandbox loopback.
// It implements outbound.RuntimeAPI.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retries    int
	backoff    time.Duration
	maxPayload int64
	logger     *slog.Logger
}

var _ outbound.RuntimeAPI = (*Client)(nil)

// ClientOption is a functional option for configuring Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client. It must not set a Timeout:
// next-invocation is a long poll.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRetries retries response submissions and pass-throughs up to n times
// after a network error, pausing backoff between attempts. Requests that got
// any HTTP response are never retried.
func WithRetries(n int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.retries = n
		c.backoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the Runtime API at address (host:port).
func NewClient(address string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: "http://" + address,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		maxPayload: maxPayloadSize,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NextInvocation polls for the next event.
func (c *Client) NextInvocation(ctx context.Context, version string) (*invocation.PendingInvocation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+version+"/runtime/invocation/next", nil)
	if err != nil {
		return nil, fmt.Errorf("build next request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: poll next invocation: %w", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxPayload+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read next invocation: %w", ErrUnavailable, err)
	}
	if int64(len(body)) > c.maxPayload {
		// The control plane has already handed the event out.
		return nil, &invocation.OversizedError{
			RequestID: resp.Header.Get(invocation.HeaderRequestID),
			Limit:     c.maxPayload,
		}
	}

	RemoveHopByHopHeaders(resp.Header)
	return invocation.New(resp.StatusCode, resp.Header, body), nil
}

// PostResponse submits body as the response for requestID.
func (c *Client) PostResponse(ctx context.Context, version, requestID string, body []byte) (int, error) {
	u := c.baseURL + "/" + version + "/runtime/invocation/" + url.PathEscape(requestID) + "/response"

	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: post response for %s: %w", ErrUnavailable, requestID, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPayloadSize))
	_ = resp.Body.Close()

	return resp.StatusCode, nil
}

// Forward relays req to the control plane unchanged apart from hop-by-hop headers.
func (c *Client) Forward(ctx context.Context, fr *outbound.ForwardRequest) (*http.Response, error) {
	u := c.baseURL + fr.Path
	if fr.RawQuery != "" {
		u += "?" + fr.RawQuery
	}

	body := fr.Body
	contentLength := fr.ContentLength
	// A streamed body can be sent once; buffer it only when it may be resent.
	if c.retries > 0 && body != nil {
		buf, err := io.ReadAll(io.LimitReader(body, c.maxPayload+1))
		if err != nil {
			return nil, fmt.Errorf("read forwarded body: %w", err)
		}
		if int64(len(buf)) > c.maxPayload {
			return nil, ErrPayloadTooLarge
		}
		contentLength = int64(len(buf))
		if len(fr.Trailer) > 0 {
			// Trailers force chunked encoding upstream.
			contentLength = -1
		}
		newBody := func() io.Reader { return bytes.NewReader(buf) }
		return c.forward(ctx, fr, u, newBody, contentLength)
	}

	return c.forward(ctx, fr, u, func() io.Reader { return body }, contentLength)
}

func (c *Client) forward(ctx context.Context, fr *outbound.ForwardRequest, u string, newBody func() io.Reader, contentLength int64) (*http.Response, error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, fr.Method, u, newBody())
		if err != nil {
			return nil, err
		}
		if fr.Header != nil {
			req.Header = fr.Header.Clone()
		}
		RemoveHopByHopHeaders(req.Header)
		req.ContentLength = contentLength
		if contentLength == 0 {
			req.Body = http.NoBody
		}
		if len(fr.Trailer) > 0 {
			req.Trailer = fr.Trailer
		}
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: forward %s %s: %w", ErrUnavailable, fr.Method, fr.Path, err)
	}
	RemoveHopByHopHeaders(resp.Header)
	return resp, nil
}

// doWithRetry sends the request built by newReq, retrying network errors
// up to c.retries times.
func (c *Client) doWithRetry(ctx context.Context, newReq func() (*http.Request, error)) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			return resp, nil
		}
		if attempt >= c.retries || ctx.Err() != nil {
			return nil, err
		}

		c.logger.Warn("runtime api request failed, retrying",
			"method", req.Method,
			"path", req.URL.Path,
			"attempt", attempt+1,
			"error", err,
		)

		timer := time.NewTimer(c.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// CloseIdleConnections releases pooled connections to the control plane.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}
