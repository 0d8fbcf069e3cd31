// Package testutil provides common test utilities for wadispatch tests: a
// scripted fake gateway and JSON response assertions.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// CorrelationHeader is the header the fake gateway reads correlation ids from.
const CorrelationHeader = "X-Correlation-ID"

// CapturedRequest is one request received by a FakeGateway.
type CapturedRequest struct {
	Path        string
	ContentType string
	Auth        string
	Correlation string
	JSON        map[string]any
	Form        map[string]string
	At          time.Time
}

// FakeGateway is an HTTP handler standing in for a WhatsApp gateway. It
// answers with scripted status codes and then 200 once the script runs out.
// Error responses carry a long body so truncation can be checked.
type FakeGateway struct {
	mu       sync.Mutex
	requests []CapturedRequest
	statuses []int
	notify   chan struct{}
}

// NewFakeGateway starts an httptest server around a FakeGateway that
// answers with statuses in order. The server is closed on test cleanup.
func NewFakeGateway(t *testing.T, statuses ...int) (*FakeGateway, *httptest.Server) {
	t.Helper()
	g := &FakeGateway{statuses: statuses, notify: make(chan struct{}, 64)}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, srv
}

func (g *FakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cr := CapturedRequest{
		Path:        r.URL.Path,
		ContentType: r.Header.Get("Content-Type"),
		Auth:        r.Header.Get("Authorization"),
		Correlation: r.Header.Get(CorrelationHeader),
		At:          time.Now(),
	}
	if strings.HasPrefix(cr.ContentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			cr.Form = map[string]string{}
			for k, v := range r.MultipartForm.Value {
				cr.Form[k] = v[0]
			}
		}
	} else {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &cr.JSON)
	}

	g.mu.Lock()
	g.requests = append(g.requests, cr)
	status := http.StatusOK
	if len(g.statuses) > 0 {
		status = g.statuses[0]
		g.statuses = g.statuses[1:]
	}
	g.mu.Unlock()

	select {
	case g.notify <- struct{}{}:
	default:
	}

	w.WriteHeader(status)
	if status >= 300 {
		_, _ = w.Write([]byte(strings.Repeat("x", 2000)))
	} else {
		_, _ = w.Write([]byte(`{"id":"msg-1"}`))
	}
}

// Requests returns a copy of everything received so far.
func (g *FakeGateway) Requests() []CapturedRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]CapturedRequest(nil), g.requests...)
}

// WaitForRequests blocks until at least n requests arrived or timeout passes.
func (g *FakeGateway) WaitForRequests(t *testing.T, n int, timeout time.Duration) []CapturedRequest {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if reqs := g.Requests(); len(reqs) >= n {
			return reqs
		}
		select {
		case <-g.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d gateway requests, got %d", n, len(g.Requests()))
			return nil
		}
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes a JSON envelope and validates its status field.
func AssertJSONResponse(t *testing.T, body io.Reader, expectedStatus string) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}
	return response
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
