package diagnostics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/mysqlwire/mysqlwire/config"
	"github.com/mysqlwire/mysqlwire/pool"
)

func newTestServer() (*Server, *mux.Router) {
	p := pool.New(pool.Config{MaxConns: 5, AcquireTimeout: time.Second})

	s := NewServer(p, nil, config.ListenConfig{APIBind: "127.0.0.1"})

	mr := mux.NewRouter()
	mr.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	mr.HandleFunc("/readyz", s.readyzHandler).Methods("GET")
	mr.HandleFunc("/stats", s.statsHandler).Methods("GET")
	mr.HandleFunc("/status", s.statusHandler).Methods("GET")

	return s, mr
}

func TestHealthzAlwaysOK(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

// TestReadyzFailsWhenPoolClosed covers the readiness probe's failure
// path: Acquire on a closed pool fails at once, so /readyz reports 503.
func TestReadyzFailsWhenPoolClosed(t *testing.T) {
	p := pool.New(pool.Config{MaxConns: 1, AcquireTimeout: 50 * time.Millisecond})
	s := NewServer(p, nil, config.ListenConfig{})

	// Close the pool so every Acquire is rejected.
	p.Close()

	mr := mux.NewRouter()
	mr.HandleFunc("/readyz", s.readyzHandler).Methods("GET")

	req := httptest.NewRequest("GET", "/readyz", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for a closed pool, got %d", rr.Code)
	}
}

func TestStatsReturnsPoolSnapshot(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/stats", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var stats pool.Stats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if stats.MaxConns != 5 {
		t.Errorf("expected max_connections=5, got %d", stats.MaxConns)
	}
}

func TestStatusIncludesUptimeAndGoVersion(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if _, ok := body["go_version"]; !ok {
		t.Error("expected go_version field in /status response")
	}
	if _, ok := body["pool"]; !ok {
		t.Error("expected pool field in /status response")
	}
}
