package cart

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
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultTokenHeader = "X-CSRFToken"
	idempotencyHeader  = "Idempotency-Key"
	maxBodySize        = 1 << 20
)

var tracer = otel.Tracer("finitefield.org/storefront/internal/cart")

// API is the server side of the cart. Every method is a single round-trip.
type API interface {
	FetchCart(ctx context.Context) (State, error)
	AddItem(ctx context.Context, req AddRequest) error
	UpdateItem(ctx context.Context, lineID string, quantity int) error
	RemoveItem(ctx context.Context, lineID string) error
	Checkout(ctx context.Context, data CustomerData) (Order, error)
}

// Doer matches the subset of http.Client used by HTTPClient.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// TokenSource yields the token the environment provides for the current call.
type TokenSource func(ctx context.Context) string

// HTTPClient implements API against the storefront's JSON endpoints.
type HTTPClient struct {
	base        *url.URL
	client      Doer
	tokenHeader string
	token       TokenSource
	headers     http.Header
	newKey      func() string
}

// ClientOption customises an HTTPClient.
type ClientOption func(*HTTPClient)

// WithDoer swaps the transport, e.g. httptest.Server.Client().
func WithDoer(d Doer) ClientOption {
	return func(c *HTTPClient) {
		if d != nil {
			c.client = d
		}
	}
}

// WithTimeout sets the request timeout of the default transport.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		if d > 0 {
			c.client = &http.Client{Timeout: d}
		}
	}
}

// WithToken forwards src's value on every request under header.
func WithToken(header string, src TokenSource) ClientOption {
	return func(c *HTTPClient) {
		if h := strings.TrimSpace(header); h != "" {
			c.tokenHeader = h
		}
		c.token = src
	}
}

// WithHeader adds a fixed header to every request, e.g. the upstream cart
// session the client acts for.
func WithHeader(name, value string) ClientOption {
	return func(c *HTTPClient) {
		if strings.TrimSpace(name) != "" && value != "" {
			c.headers.Set(name, value)
		}
	}
}

// WithIdempotencyKeys overrides the checkout idempotency key generator.
func WithIdempotencyKeys(gen func() string) ClientOption {
	return func(c *HTTPClient) {
		if gen != nil {
			c.newKey = gen
		}
	}
}

// NewHTTPClient constructs a client rooted at baseURL.
func NewHTTPClient(baseURL string, opts ...ClientOption) (*HTTPClient, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("cart: base URL is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("cart: parse base URL: %w", err)
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	c := &HTTPClient{
		base:        parsed,
		client:      &http.Client{Timeout: defaultTimeout},
		tokenHeader: defaultTokenHeader,
		headers:     http.Header{},
		newKey:      func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchCart loads the current cart.
func (c *HTTPClient) FetchCart(ctx context.Context) (State, error) {
	ctx, span := c.startSpan(ctx, "load", http.MethodGet)
	defer span.End()

	status, body, err := c.send(ctx, http.MethodGet, "api/cart/", nil, nil)
	if err != nil {
		return State{}, recordErr(span, err)
	}
	if status != http.StatusOK {
		return State{}, recordErr(span, statusError("load", status, body))
	}
	state, err := decodeState(body)
	if err != nil {
		return State{}, recordErr(span, err)
	}
	span.SetAttributes(attribute.Int("cart.lines", len(state.Lines)))
	return state, nil
}

// AddItem posts a new line (or merges into an existing one server-side).
func (c *HTTPClient) AddItem(ctx context.Context, req AddRequest) error {
	ctx, span := c.startSpan(ctx, "add", http.MethodPost)
	defer span.End()

	var size *string
	if s := strings.TrimSpace(req.Size); s != "" {
		size = &s
	}
	payload := struct {
		ProductID string  `json:"product_id"`
		Quantity  int     `json:"quantity"`
		Size      *string `json:"size"`
	}{ProductID: strings.TrimSpace(req.ProductID), Quantity: req.Quantity, Size: size}

	_, err := c.mutate(ctx, "add", http.MethodPost, "api/cart/add/", payload, nil)
	return recordErr(span, err)
}

// UpdateItem sets the quantity of a line.
func (c *HTTPClient) UpdateItem(ctx context.Context, lineID string, quantity int) error {
	ctx, span := c.startSpan(ctx, "update", http.MethodPut)
	defer span.End()
	span.SetAttributes(attribute.String("cart.line_id", lineID))

	payload := map[string]int{"quantity": quantity}
	_, err := c.mutate(ctx, "update", http.MethodPut, "api/cart/update/"+url.PathEscape(lineID)+"/", payload, nil)
	return recordErr(span, err)
}

// RemoveItem deletes a line.
func (c *HTTPClient) RemoveItem(ctx context.Context, lineID string) error {
	ctx, span := c.startSpan(ctx, "remove", http.MethodDelete)
	defer span.End()
	span.SetAttributes(attribute.String("cart.line_id", lineID))

	_, err := c.mutate(ctx, "remove", http.MethodDelete, "api/cart/remove/"+url.PathEscape(lineID)+"/", nil, nil)
	return recordErr(span, err)
}

// Checkout submits the customer payload and returns the created order.
func (c *HTTPClient) Checkout(ctx context.Context, data CustomerData) (Order, error) {
	ctx, span := c.startSpan(ctx, "checkout", http.MethodPost)
	defer span.End()

	headers := http.Header{}
	headers.Set(idempotencyHeader, c.newKey())
	env, err := c.mutate(ctx, "checkout", http.MethodPost, "api/checkout/", data, headers)
	if err != nil {
		return Order{}, recordErr(span, err)
	}
	if env.OrderID == "" {
		return Order{}, recordErr(span, malformed("checkout: missing order_id"))
	}
	span.SetAttributes(attribute.String("cart.order_id", string(env.OrderID)))
	return Order{ID: string(env.OrderID)}, nil
}

func (c *HTTPClient) mutate(ctx context.Context, op, method, endpoint string, payload any, headers http.Header) (envelopePayload, error) {
	status, body, err := c.send(ctx, method, endpoint, payload, headers)
	if err != nil {
		return envelopePayload{}, err
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		if status >= http.StatusBadRequest {
			return envelopePayload{}, statusError(op, status, body)
		}
		return envelopePayload{}, err
	}
	if !*env.Success {
		return envelopePayload{}, &ServerError{Op: op, Status: status, Message: strings.TrimSpace(env.Error)}
	}
	if status >= http.StatusBadRequest {
		return envelopePayload{}, statusError(op, status, body)
	}
	return env, nil
}

func (c *HTTPClient) send(ctx context.Context, method, endpoint string, payload any, headers http.Header) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(payload); err != nil {
			return 0, nil, fmt.Errorf("cart: encode payload: %w", err)
		}
		body = &buf
	}

	target, err := c.resolve(endpoint)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, fmt.Errorf("cart: build request: %w", err)
	}
	for k, vals := range c.headers {
		req.Header[k] = append([]string(nil), vals...)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if c.token != nil {
		if tok := c.token(ctx); tok != "" {
			req.Header.Set(c.tokenHeader, tok)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("cart: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("cart: read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// resolve joins an already escaped endpoint onto the base URL.
func (c *HTTPClient) resolve(endpoint string) (string, error) {
	ref, err := url.Parse(strings.TrimPrefix(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("cart: resolve %q: %w", endpoint, err)
	}
	return c.base.ResolveReference(ref).String(), nil
}

func (c *HTTPClient) startSpan(ctx context.Context, op, method string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "cart."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("server.address", c.base.Host),
		),
	)
}

func recordErr(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// statusError maps a non-2xx reply to a ServerError when the body carries the
// usual {success:false,error} envelope, and to a transport-level error otherwise.
func statusError(op string, status int, body []byte) error {
	var env envelopePayload
	if err := json.Unmarshal(body, &env); err == nil && env.Success != nil && !*env.Success {
		return &ServerError{Op: op, Status: status, Message: strings.TrimSpace(env.Error)}
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	if snippet == "" {
		snippet = http.StatusText(status)
	}
	return fmt.Errorf("cart: %s status %d: %s", op, status, snippet)
}
