package upstream

import (
	"net/http"
	"strings"
	"sync"
)

const sessionIDHeaderName = "Mcp-Session-Id"

// sseEndpoint derives the SSE endpoint from a stream URL, stripping a
// caller-supplied /sse suffix so it is never doubled.
func sseEndpoint(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	base = strings.TrimSuffix(base, "/sse")
	return base + "/sse"
}

func preferSSE(p *StreamProfile) bool {
	return strings.HasSuffix(strings.TrimRight(strings.TrimSpace(p.URL), "/"), "/sse")
}

// streamableEndpoint is the URL used for streamable HTTP. A trailing /sse is
// kept as given; auto mode only reaches here when the URL does not end in it.
func streamableEndpoint(raw string) string {
	return strings.TrimSpace(raw)
}

func profileHeaders(p *StreamProfile) http.Header {
	if len(p.Headers) == 0 && p.BearerToken == "" {
		return nil
	}
	h := make(http.Header, len(p.Headers)+1)
	for k, v := range p.Headers {
		h.Set(k, v)
	}
	if p.BearerToken != "" {
		h.Set("Authorization", "Bearer "+p.BearerToken)
	}
	return h
}

func decorateHTTPClient(base *http.Client, headers http.Header, tracker *sessionIDTracker) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:    defaultRoundTripper(base.Transport),
		headers: cloneHeader(headers),
		tracker: tracker,
	}
	return &clone
}

type headerDecorator struct {
	next    http.RoundTripper
	headers http.Header
	tracker *sessionIDTracker
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if d.tracker != nil && req.Header.Get(sessionIDHeaderName) == "" {
		if sessionID := d.tracker.Value(); sessionID != "" {
			req.Header.Set(sessionIDHeaderName, sessionID)
		}
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	clone := make(http.Header, len(h))
	for k, values := range h {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}

type sessionIDTracker struct {
	mu    sync.RWMutex
	value string
}

func (s *sessionIDTracker) Set(value string) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
}

func (s *sessionIDTracker) Value() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}
