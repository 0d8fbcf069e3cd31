package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/BTreeMap/wadispatch/internal/models"
)

const (
	EncodingJSON      = "json"
	EncodingMultipart = "multipart"

	// DefaultCorrelationHeader carries the per-attempt correlation id.
	DefaultCorrelationHeader = "X-Correlation-ID"
)

// HTTPOpts holds configuration for the bearer-authenticated HTTP gateway.
type HTTPOpts struct {
	TextURL           string
	DocumentURL       string
	InteractiveURL    string
	Token             string
	CorrelationHeader string
	Client            *http.Client
}

// HTTPOption configures an HTTPWire.
type HTTPOption func(*HTTPOpts)

func WithTextURL(u string) HTTPOption {
	return func(o *HTTPOpts) { o.TextURL = u }
}

func WithDocumentURL(u string) HTTPOption {
	return func(o *HTTPOpts) { o.DocumentURL = u }
}

func WithInteractiveURL(u string) HTTPOption {
	return func(o *HTTPOpts) { o.InteractiveURL = u }
}

func WithToken(token string) HTTPOption {
	return func(o *HTTPOpts) { o.Token = token }
}

func WithCorrelationHeader(h string) HTTPOption {
	return func(o *HTTPOpts) { o.CorrelationHeader = h }
}

// WithHTTPClient overrides the http.Client used for requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(o *HTTPOpts) { o.Client = c }
}

// HTTPWire sends messages to a JSON/multipart gateway.
type HTTPWire struct {
	opts HTTPOpts
}

// NewHTTPWire creates an HTTPWire. Text and document URLs and the token are
// required; the interactive URL defaults to the text URL.
func NewHTTPWire(opts ...HTTPOption) (*HTTPWire, error) {
	var cfg HTTPOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TextURL == "" || cfg.DocumentURL == "" {
		return nil, fmt.Errorf("text and document gateway URLs must be provided")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("gateway token must be provided")
	}
	if cfg.InteractiveURL == "" {
		cfg.InteractiveURL = cfg.TextURL
	}
	if cfg.CorrelationHeader == "" {
		cfg.CorrelationHeader = DefaultCorrelationHeader
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &HTTPWire{opts: cfg}, nil
}

// Encodings returns JSON then multipart for documents, JSON otherwise.
func (w *HTTPWire) Encodings(kind models.Kind) []string {
	if kind == models.KindDocument {
		return []string{EncodingJSON, EncodingMultipart}
	}
	return []string{EncodingJSON}
}

// Endpoint returns the URL used for kind.
func (w *HTTPWire) Endpoint(kind models.Kind) string {
	switch kind {
	case models.KindDocument:
		return w.opts.DocumentURL
	case models.KindInteractive:
		return w.opts.InteractiveURL
	default:
		return w.opts.TextURL
	}
}

type textBody struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type documentBody struct {
	To       string `json:"to"`
	Media    string `json:"media"`
	Filename string `json:"filename"`
	Caption  string `json:"caption,omitempty"`
	Type     string `json:"type"`
}

type interactiveBody struct {
	To      string   `json:"to"`
	Body    string   `json:"body"`
	Type    string   `json:"type"`
	Options []string `json:"options"`
}

func jsonBody(req Request) any {
	switch req.Kind {
	case models.KindDocument:
		return documentBody{To: req.Recipient, Media: req.Payload.Media, Filename: req.Payload.Filename, Caption: req.Payload.Caption, Type: "document"}
	case models.KindInteractive:
		return interactiveBody{To: req.Recipient, Body: req.Payload.Body, Type: "interactive", Options: req.Payload.Options}
	default:
		return textBody{To: req.Recipient, Body: req.Payload.Body}
	}
}

// multipartBody encodes a document with the same field names as the JSON body.
func multipartBody(req Request) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"to", req.Recipient},
		{"media", req.Payload.Media},
		{"filename", req.Payload.Filename},
		{"type", "document"},
	}
	if req.Payload.Caption != "" {
		fields = append(fields, [2]string{"caption", req.Payload.Caption})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write multipart field %s: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart body: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

// Deliver performs one HTTP request in the given encoding.
func (w *HTTPWire) Deliver(ctx context.Context, req Request, encoding string) (int, error) {
	var (
		body        io.Reader
		contentType string
	)
	switch encoding {
	case EncodingJSON:
		b, err := json.Marshal(jsonBody(req))
		if err != nil {
			return 0, fmt.Errorf("%w: failed to marshal request: %w", ErrFatal, err)
		}
		body, contentType = bytes.NewReader(b), "application/json"
	case EncodingMultipart:
		buf, ct, err := multipartBody(req)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrFatal, err)
		}
		body, contentType = buf, ct
	default:
		return 0, fmt.Errorf("%w: unsupported encoding %q", ErrFatal, encoding)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint(req.Kind), body)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to build request: %w", ErrFatal, err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+w.opts.Token)
	httpReq.Header.Set(w.opts.CorrelationHeader, req.CorrelationID)

	resp, err := w.opts.Client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody+1))
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, &StatusError{
		StatusCode: resp.StatusCode,
		Body:       truncate(strings.TrimSpace(string(snippet)), maxErrorBody),
	}
}
