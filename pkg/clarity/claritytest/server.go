// Package claritytest provides an in-process fake of the Clarity REST API
// for tests.
//
// Routes are registered per method and path. GET routes can serve a fixed
// document or a scripted sequence of documents, which is how step state
// progressions and automation polling are simulated. Every request is
// recorded so tests can assert on what was sent.
package claritytest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/clarity"
)

// APIPath is the path of the API root on the fake server.
const APIPath = "/api/v2"

// Request is one request received by the server.
type Request struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

// Reply is a status and body returned by a handler.
type Reply struct {
	Status int
	Body   string
}

// HandlerFunc answers a request.
type HandlerFunc func(r *Request) Reply

// Server is a fake LIMS.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	routes   map[string]HandlerFunc
	requests []*Request
}

// NewServer starts a fake LIMS that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{routes: make(map[string]HandlerFunc)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func routeKey(method, path string) string { return method + " " + path }

func (s *Server) serve(w http.ResponseWriter, hr *http.Request) {
	body, _ := io.ReadAll(hr.Body)
	req := &Request{Method: hr.Method, Path: hr.URL.Path, Query: hr.URL.RawQuery, Body: body}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	h, ok := s.routes[routeKey(hr.Method, hr.URL.Path)]
	s.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, Exception(fmt.Sprintf("No route for %s %s", hr.Method, hr.URL.Path)))
		return
	}
	reply := h(req)
	if reply.Status == 0 {
		reply.Status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(reply.Status)
	_, _ = io.WriteString(w, reply.Body)
}

// Root returns the API root URI.
func (s *Server) Root() string { return s.URL + APIPath }

// URI returns the absolute URI of a path below the API root.
func (s *Server) URI(path string) string {
	return s.Root() + "/" + strings.TrimPrefix(path, "/")
}

func (s *Server) path(p string) string {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		p = strings.TrimPrefix(p, s.URL)
		return p
	}
	return APIPath + "/" + strings.TrimPrefix(p, "/")
}

// Handle registers h for method and path. The path is relative to the API
// root unless it is an absolute URI on this server.
func (s *Server) Handle(method, path string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[routeKey(method, s.path(path))] = h
}

// Doc serves body for GET path. The document's uri placeholder "{root}" is
// replaced by the API root.
func (s *Server) Doc(path, body string) {
	body = s.Expand(body)
	s.Handle(http.MethodGet, path, func(*Request) Reply { return Reply{Body: body} })
}

// Sequence serves bodies for method and path in order, repeating the last
// one once the sequence is exhausted.
func (s *Server) Sequence(method, path string, bodies ...string) {
	expanded := make([]string, len(bodies))
	for i, b := range bodies {
		expanded[i] = s.Expand(b)
	}
	var n int
	var mu sync.Mutex
	s.Handle(method, path, func(*Request) Reply {
		mu.Lock()
		defer mu.Unlock()
		i := n
		if i >= len(expanded) {
			i = len(expanded) - 1
		}
		n++
		return Reply{Body: expanded[i]}
	})
}

// Echo answers method and path with the request body.
func (s *Server) Echo(method, path string) {
	s.Handle(method, path, func(r *Request) Reply { return Reply{Body: string(r.Body)} })
}

// Fail answers method and path with status and an exception document.
func (s *Server) Fail(method, path string, status int, message string) {
	body := Exception(message)
	s.Handle(method, path, func(*Request) Reply { return Reply{Status: status, Body: body} })
}

// Expand replaces "{root}" with the API root.
func (s *Server) Expand(body string) string {
	return strings.ReplaceAll(body, "{root}", s.Root())
}

// Requests returns a copy of the request log.
func (s *Server) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.requests...)
}

// Matching returns the logged requests for method and path.
func (s *Server) Matching(method, path string) []*Request {
	p := s.path(path)
	var out []*Request
	for _, r := range s.Requests() {
		if r.Method == method && r.Path == p {
			out = append(out, r)
		}
	}
	return out
}

// Count returns how many times method and path were requested.
func (s *Server) Count(method, path string) int { return len(s.Matching(method, path)) }

// Last returns the most recent request for method and path, or nil.
func (s *Server) Last(method, path string) *Request {
	m := s.Matching(method, path)
	if len(m) == 0 {
		return nil
	}
	return m[len(m)-1]
}

// Reset clears the request log.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// Session returns a session against the server. opts may adjust the
// defaults; RootURI is always the server.
func (s *Server) Session(t testing.TB, opts ...func(*clarity.Options)) *clarity.Session {
	t.Helper()
	o := clarity.Options{
		Username: "apiuser",
		Password: "secret",
		Logger:   zerolog.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	o.RootURI = s.Root()
	sess, err := clarity.NewSession(o)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return sess
}

// Exception returns an exception document with message.
func Exception(message string) string {
	return `<exc:exception xmlns:exc="http://genologics.com/ri/exception"><message>` +
		message + `</message></exc:exception>`
}
