package helpers

import (
	"bufio"
	"bytes"
	"net/http"
	"sync"
)

// MockHTTP is http.RoundTripper for client tests.
// Fun takes priority, then Err, then canned Header+Body.
type MockHTTP struct {
	Fun    func(*http.Request) (*http.Response, error)
	Header []byte
	Body   []byte
	Err    error

	mu    sync.Mutex
	calls []string
}

func (m *MockHTTP) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req.Method+" "+req.URL.Path)
	m.mu.Unlock()

	if m.Fun != nil {
		return m.Fun(req)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	header := m.Header
	if header == nil {
		header = []byte("HTTP/1.0 200 OK\r\n\r\n")
	}
	rb := make([]byte, 0, len(header)+len(m.Body))
	rb = append(rb, header...)
	rb = append(rb, m.Body...)
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(rb)), req)
}

// Calls returns "METHOD /path" of every request seen so far.
func (m *MockHTTP) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *MockHTTP) Client() *http.Client { return &http.Client{Transport: m} }

// MockResponse builds raw response bytes for MockHTTP.Fun implementations.
func MockResponse(req *http.Request, status string, body string) (*http.Response, error) {
	raw := "HTTP/1.0 " + status + "\r\nContent-Type: application/json\r\n\r\n" + body
	return http.ReadResponse(bufio.NewReader(bytes.NewReader([]byte(raw))), req)
}
