package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bonanza/internal/task"
)

type fakeWorkers struct {
	mu       sync.Mutex
	statuses []task.Status
	stopped  []string
}

func (f *fakeWorkers) Statuses() []task.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]task.Status(nil), f.statuses...)
}

func (f *fakeWorkers) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.statuses {
		if s.State == task.StateRunning.String() {
			n++
		}
	}
	return n
}

func (f *fakeWorkers) Stop(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.statuses {
		if s.Name == name {
			f.stopped = append(f.stopped, name)
			f.statuses[i].State = task.StateStopped.String()
			return true
		}
	}
	return false
}

func newTestServer(statuses ...task.Status) (*Server, *fakeWorkers) {
	workers := &fakeWorkers{statuses: statuses}
	return NewServer(workers, zap.NewNop()), workers
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer()
	rec := serve(s, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	s, workers := newTestServer(task.Status{Name: "ingest-0", Task: "ingest", State: task.StateRunning.String()})
	rec := serve(s, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ready","running":1}`, rec.Body.String())

	require.True(t, workers.Stop("ingest-0"))
	rec = serve(s, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer()
	rec := serve(s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestServer_ListWorkers(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(
		task.Status{Name: "search-0", Task: "craigslist-search", State: "running"},
		task.Status{Name: "search-1", Task: "craigslist-search", State: "failed", Error: "boom"},
	)
	rec := serve(s, http.MethodGet, "/v1/workers")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Workers []task.Status `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Workers, 2)
	require.Equal(t, "boom", body.Workers[1].Error)
}

func TestServer_StopWorker(t *testing.T) {
	t.Parallel()

	s, workers := newTestServer(task.Status{Name: "search-0", Task: "craigslist-search", State: "running"})
	rec := serve(s, http.MethodPost, "/v1/workers/search-0/stop")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []string{"search-0"}, workers.stopped)

	rec = serve(s, http.MethodPost, "/v1/workers/nope/stop")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"error":"worker not found"}`, rec.Body.String())
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer()
	s.router.Get("/panic", func(http.ResponseWriter, *http.Request) { panic("kaboom") })
	rec := serve(s, http.MethodGet, "/panic")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
