package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// endpointMetrics accumulates per-route request counts and cumulative
// latency for the stats endpoint.
type endpointMetrics struct {
	mu     sync.Mutex
	byPath map[string]*endpointStat
}

type endpointStat struct {
	Count   int64 `json:"count"`
	TotalMs int64 `json:"total_ms"`
}

func newEndpointMetrics() *endpointMetrics {
	return &endpointMetrics{byPath: make(map[string]*endpointStat)}
}

func (m *endpointMetrics) record(pattern string, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.byPath[pattern]
	if !ok {
		st = &endpointStat{}
		m.byPath[pattern] = st
	}
	st.Count++
	st.TotalMs += elapsed.Milliseconds()
}

func (m *endpointMetrics) snapshot() map[string]endpointStat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]endpointStat, len(m.byPath))
	for k, v := range m.byPath {
		out[k] = *v
	}
	return out
}

// middleware times each request and records it under the chi route pattern.
func (m *endpointMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		m.record(pattern, time.Since(start))
	})
}
