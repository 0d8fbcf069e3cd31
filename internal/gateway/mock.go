package gateway

import (
	"context"
	"sync"

	"github.com/BTreeMap/wadispatch/internal/models"
)

// MockWire is an in-memory Wire for tests. Responses are consumed in order;
// once the script runs out every request succeeds.
type MockWire struct {
	mu        sync.Mutex
	script    []MockResponse
	Requests  []MockRequest
	encodings map[models.Kind][]string
	// OnDeliver, if set, runs inside Deliver before the response is chosen.
	OnDeliver func(req Request)
}

// MockResponse is one scripted outcome.
type MockResponse struct {
	StatusCode int
	Err        error
}

// MockRequest records a Deliver call.
type MockRequest struct {
	Request
	Encoding string
}

// NewMockWire creates a MockWire that uses JSON for every kind, plus the
// multipart fallback for documents.
func NewMockWire(script ...MockResponse) *MockWire {
	return &MockWire{
		script: script,
		encodings: map[models.Kind][]string{
			models.KindDocument: {EncodingJSON, EncodingMultipart},
		},
	}
}

// Respond appends responses to the script.
func (m *MockWire) Respond(rs ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, rs...)
}

// Calls returns the number of Deliver calls so far.
func (m *MockWire) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// Snapshot returns a copy of the recorded requests.
func (m *MockWire) Snapshot() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.Requests...)
}

func (m *MockWire) Encodings(kind models.Kind) []string {
	if encs, ok := m.encodings[kind]; ok {
		return encs
	}
	return []string{EncodingJSON}
}

func (m *MockWire) Endpoint(kind models.Kind) string {
	return "mock://" + string(kind)
}

func (m *MockWire) Deliver(ctx context.Context, req Request, encoding string) (int, error) {
	if m.OnDeliver != nil {
		m.OnDeliver(req)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, MockRequest{Request: req, Encoding: encoding})
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(m.script) == 0 {
		return 200, nil
	}
	r := m.script[0]
	m.script = m.script[1:]
	if r.StatusCode >= 300 && r.Err == nil {
		return r.StatusCode, &StatusError{StatusCode: r.StatusCode}
	}
	if r.StatusCode == 0 && r.Err == nil {
		return 200, nil
	}
	return r.StatusCode, r.Err
}
