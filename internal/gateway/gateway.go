// Package gateway wraps every outbound call to the question-answering
// backend: credential attachment, a per-phase timeout, envelope decoding
// and uniform error classification into Kind.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/oauth2"

	"github.com/comigor/ragchat-go/internal/logger"
)

const (
	RequestIDHeader = "X-Request-ID"

	// DefaultMaxResponseBytes caps a response body unless Request.MaxResponseBytes overrides it.
	DefaultMaxResponseBytes int64 = 16 << 20
)

// Request describes one outbound call.
type Request struct {
	Method   string
	Endpoint string
	// Route is the metrics label; defaults to Endpoint. Set it when the
	// endpoint embeds an identifier.
	Route string
	// Body is JSON encoded when non-nil. Ignored when Form is set.
	Body    any
	Form    *Multipart
	Timeout time.Duration
	// MaxResponseBytes overrides DefaultMaxResponseBytes when positive.
	MaxResponseBytes int64
}

// Multipart is a single-file multipart/form-data body.
type Multipart struct {
	Field       string
	FileName    string
	ContentType string
	Content     io.Reader
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Gateway sends requests to the backend. It is safe for concurrent use.
type Gateway struct {
	baseURL string
	client  *http.Client
	tokens  oauth2.TokenSource
	metrics *Metrics
}

type Option func(*Gateway)

func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithTokenSource sets the credential provider. Without one every request
// is sent unauthenticated.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(g *Gateway) { g.tokens = ts }
}

func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New creates a Gateway for the backend rooted at baseURL.
func New(baseURL string, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Send performs req and decodes the envelope's data into out (when out is
// not nil). Any returned error is a *Error.
func (g *Gateway) Send(ctx context.Context, req Request, out any) error {
	start := time.Now()
	gwErr := g.send(ctx, req, out)
	g.metrics.observe(req, gwErr, time.Since(start))

	if gwErr != nil {
		logger.L.Warn("gateway request failed",
			"endpoint", req.Endpoint,
			"kind", gwErr.Kind,
			"status", gwErr.Status,
			"error", gwErr.Unwrap(),
		)
		return gwErr
	}
	return nil
}

func (g *Gateway) send(ctx context.Context, req Request, out any) *Error {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := g.newRequest(ctx, req)
	if err != nil {
		return rejected(req.Endpoint, 0, "", err)
	}
	g.authorize(httpReq)

	logger.L.Debug("gateway request",
		"method", httpReq.Method,
		"endpoint", req.Endpoint,
		"request_id", httpReq.Header.Get(RequestIDHeader),
		"timeout", req.Timeout,
	)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return unavailable(req.Endpoint, goerr.Wrap(err, "request failed", goerr.V("endpoint", req.Endpoint)))
	}
	defer resp.Body.Close()

	// 401 wins over whatever the body holds, even an unreadable one.
	if resp.StatusCode == http.StatusUnauthorized {
		return authRequired(req.Endpoint)
	}

	limit := req.MaxResponseBytes
	if limit <= 0 {
		limit = DefaultMaxResponseBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return unavailable(req.Endpoint, goerr.Wrap(err, "failed to read response", goerr.V("endpoint", req.Endpoint)))
	}
	if int64(len(body)) > limit {
		return rejected(req.Endpoint, resp.StatusCode, tooLargeMessage(limit),
			goerr.New("response too large", goerr.V("endpoint", req.Endpoint), goerr.V("limit", limit)))
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := ""
		if decodeErr == nil {
			msg = env.Message
		}
		return rejected(req.Endpoint, resp.StatusCode, msg, nil)
	}
	if decodeErr != nil {
		return rejected(req.Endpoint, resp.StatusCode, "unexpected response from server",
			goerr.Wrap(decodeErr, "failed to decode envelope", goerr.V("endpoint", req.Endpoint)))
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "request was rejected by server"
		}
		return rejected(req.Endpoint, resp.StatusCode, msg, nil)
	}

	if out != nil && len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return rejected(req.Endpoint, resp.StatusCode, "unexpected response from server",
				goerr.Wrap(err, "failed to decode data", goerr.V("endpoint", req.Endpoint)))
		}
	}
	return nil
}

func (g *Gateway) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)

	switch {
	case req.Form != nil:
		buf, ct, err := encodeMultipart(req.Form)
		if err != nil {
			return nil, err
		}
		body, contentType = buf, ct
	case req.Body != nil:
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to encode request body", goerr.V("endpoint", req.Endpoint))
		}
		body, contentType = bytes.NewReader(raw), "application/json"
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
		if body != nil {
			method = http.MethodPost
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, g.baseURL+req.Endpoint, body)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build request", goerr.V("endpoint", req.Endpoint))
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(RequestIDHeader, uuid.NewString())
	return httpReq, nil
}

// authorize attaches the current bearer credential. A missing credential
// is not an error here; the server decides whether the call needs one.
func (g *Gateway) authorize(r *http.Request) {
	if g.tokens == nil {
		return
	}
	tok, err := g.tokens.Token()
	if err != nil {
		logger.L.Debug("no credential, sending unauthenticated", "error", err)
		return
	}
	if tok == nil || tok.AccessToken == "" {
		return
	}
	tok.SetAuthHeader(r)
}

func encodeMultipart(form *Multipart) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	ct := form.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, form.Field, form.FileName))
	h.Set("Content-Type", ct)

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", goerr.Wrap(err, "failed to create multipart part")
	}
	if _, err := io.Copy(part, form.Content); err != nil {
		return nil, "", goerr.Wrap(err, "failed to copy file into multipart body", goerr.V("file", form.FileName))
	}
	if err := w.Close(); err != nil {
		return nil, "", goerr.Wrap(err, "failed to close multipart body")
	}
	return buf, w.FormDataContentType(), nil
}
