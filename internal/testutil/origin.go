// Package testutil provides an in-process media origin for tests.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Resource is a file served by MockOrigin.
type Resource struct {
	Body        []byte
	ContentType string

	// IgnoreRange answers every GET with 200 and the full body.
	IgnoreRange bool

	// HideLength reports the total as "*" and omits Content-Length.
	HideLength bool

	// Disposition is sent as Content-Disposition when set.
	Disposition string

	// Delay is applied before every response.
	Delay time.Duration
}

// RecordedRequest is one request seen by MockOrigin.
type RecordedRequest struct {
	Method    string
	Path      string
	Range     string
	UserAgent string
}

// MockOrigin is a configurable HTTP origin supporting HEAD and byte ranges.
type MockOrigin struct {
	server *httptest.Server

	mu        sync.RWMutex
	resources map[string]*Resource
	handlers  map[string]http.HandlerFunc
	failures  map[string][]int
	holds     map[string]chan struct{}
	releases  []func()
	requests  []RecordedRequest
}

// NewMockOrigin starts a new origin server.
func NewMockOrigin() *MockOrigin {
	m := &MockOrigin{
		resources: make(map[string]*Resource),
		handlers:  make(map[string]http.HandlerFunc),
		failures:  make(map[string][]int),
		holds:     make(map[string]chan struct{}),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the server base URL.
func (m *MockOrigin) URL() string {
	return m.server.URL
}

// ResourceURL returns the absolute URL of path.
func (m *MockOrigin) ResourceURL(path string) string {
	return m.server.URL + path
}

// Close shuts down the server.
func (m *MockOrigin) Close() {
	m.mu.Lock()
	releases := m.releases
	m.releases = nil
	m.mu.Unlock()
	for _, release := range releases {
		release()
	}
	m.server.Close()
}

// SetResource registers res under path.
func (m *MockOrigin) SetResource(path string, res Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[path] = &res
}

// SetHandler sets a custom handler for a specific path.
func (m *MockOrigin) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// FailNext makes the next requests to path answer with the given statuses,
// one per request, before normal serving resumes.
func (m *MockOrigin) FailNext(path string, statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[path] = append(m.failures[path], statuses...)
}

// Hold blocks requests to path until the returned release func is called or
// the client goes away.
func (m *MockOrigin) Hold(path string) (release func()) {
	ch := make(chan struct{})
	var once sync.Once
	release = func() {
		once.Do(func() {
			m.mu.Lock()
			if m.holds[path] == ch {
				delete(m.holds, path)
			}
			m.mu.Unlock()
			close(ch)
		})
	}

	m.mu.Lock()
	m.holds[path] = ch
	m.releases = append(m.releases, release)
	m.mu.Unlock()
	return release
}

// Requests returns a copy of all recorded requests.
func (m *MockOrigin) Requests() []RecordedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestCount returns the number of requests made to the server.
func (m *MockOrigin) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// CountMethod returns the number of requests with the given method.
func (m *MockOrigin) CountMethod(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requests {
		if r.Method == method {
			n++
		}
	}
	return n
}

// Reset clears the request log.
func (m *MockOrigin) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

func (m *MockOrigin) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method:    r.Method,
		Path:      r.URL.Path,
		Range:     r.Header.Get("Range"),
		UserAgent: r.Header.Get("User-Agent"),
	})
	var failStatus int
	if queued := m.failures[r.URL.Path]; len(queued) > 0 {
		failStatus = queued[0]
		m.failures[r.URL.Path] = queued[1:]
	}
	hold := m.holds[r.URL.Path]
	handler := m.handlers[r.URL.Path]
	res := m.resources[r.URL.Path]
	m.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	if failStatus != 0 {
		http.Error(w, http.StatusText(failStatus), failStatus)
		return
	}
	if handler != nil {
		handler(w, r)
		return
	}
	if res == nil {
		http.NotFound(w, r)
		return
	}
	serveResource(w, r, res)
}

func serveResource(w http.ResponseWriter, r *http.Request, res *Resource) {
	if res.Delay > 0 {
		select {
		case <-time.After(res.Delay):
		case <-r.Context().Done():
			return
		}
	}

	size := int64(len(res.Body))
	total := strconv.FormatInt(size, 10)
	if res.HideLength {
		total = "*"
	}

	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	if res.Disposition != "" {
		w.Header().Set("Content-Disposition", res.Disposition)
	}
	if !res.IgnoreRange {
		w.Header().Set("Accept-Ranges", "bytes")
	}

	if r.Method == http.MethodHead {
		if !res.HideLength {
			w.Header().Set("Content-Length", total)
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	rangeValue := r.Header.Get("Range")
	if rangeValue == "" || res.IgnoreRange {
		if !res.HideLength {
			w.Header().Set("Content-Length", total)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Body)
		return
	}

	start, end, ok := ParseRange(rangeValue, size)
	if !ok {
		w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	part := res.Body[start : end+1]
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%s", start, end, total))
	if !res.HideLength {
		w.Header().Set("Content-Length", strconv.Itoa(len(part)))
	}
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(part)
}

// ParseRange resolves a single "bytes=" range against size and returns the
// inclusive bounds.
func ParseRange(value string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(value, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	first, last, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 || size == 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	end = size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, false
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return start, end, true
}

// Pattern returns n deterministic bytes; byte i is i mod 251.
func Pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}
