package registration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

const (
	// DefaultTimeout bounds a single submission call.
	DefaultTimeout = 10 * time.Second
	// UserPath is appended to the base URL.
	UserPath = "/api/user"

	maxResponseBody = 64 << 10
)

// Receipt is the service's answer to a successful submission.
type Receipt struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"`
}

// Client posts registration requests to the user API.
type Client struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	keyStyle   KeyStyle
	tracer     trace.Tracer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithKeyStyle selects the JSON field names of the request body.
func WithKeyStyle(style KeyStyle) ClientOption {
	return func(c *Client) { c.keyStyle = style }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient validates baseURL and returns a Client posting to {baseURL}/api/user.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid registration API URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid registration API URL %q: need http(s)://host", baseURL)
	}

	c := &Client{
		endpoint:   strings.TrimRight(u.String(), "/") + UserPath,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		keyStyle:   KeyStyleStandard,
		tracer:     otel.Tracer("github.com/BTreeMap/IntakePipe/internal/registration"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	slog.Debug("registration.NewClient: client configured", "endpoint", c.endpoint, "timeout", c.timeout, "keyStyle", c.keyStyle)
	return c, nil
}

// Endpoint returns the URL requests are posted to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Submit posts req once. Non-2xx answers and transport failures are
// returned as *Error.
func (c *Client) Submit(ctx context.Context, req models.RegistrationRequest) (*Receipt, error) {
	ctx, span := c.tracer.Start(ctx, "registration.Submit", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.Int("registration.cycle", req.Cycle),
	))
	defer span.End()

	body, err := Encode(req, c.keyStyle)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return nil, fmt.Errorf("failed to encode registration: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build registration request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		regErr := classifyTransportError(ctx, err)
		span.RecordError(regErr)
		span.SetStatus(codes.Error, string(regErr.Category))
		slog.Error("registration.Submit: request failed", "conversationID", req.ConversationID,
			"category", regErr.Category, "error", err, "elapsed", time.Since(start))
		return nil, regErr
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	text := strings.TrimSpace(string(raw))
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		slog.Info("registration.Submit: registration accepted", "conversationID", req.ConversationID,
			"cycle", req.Cycle, "status", resp.StatusCode, "body", text)
		return &Receipt{StatusCode: resp.StatusCode, Body: text}, nil
	}

	category := CategoryServer
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		category = CategoryRejected
	}
	regErr := &Error{Category: category, StatusCode: resp.StatusCode, Body: text}
	span.RecordError(regErr)
	span.SetStatus(codes.Error, string(category))
	slog.Warn("registration.Submit: registration not accepted", "conversationID", req.ConversationID,
		"status", resp.StatusCode, "category", category, "body", text)
	return nil, regErr
}

func classifyTransportError(ctx context.Context, err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Category: CategoryTimeout, Err: err}
	}
	return &Error{Category: CategoryUnreachable, Err: err}
}
