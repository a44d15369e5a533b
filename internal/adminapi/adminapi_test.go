package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rocketspeed-go/core/internal/lg"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeStats struct{ value int }

func (f fakeStats) Snapshot() interface{} { return map[string]int{"value": f.value} }

func newTestServer(stats StatsProvider) (*Server, *gin.Engine) {
	s := &Server{addr: "unused", logf: lg.Discard, stats: stats}
	r := gin.New()
	r.Use(s.requestLogger())
	r.Use(s.recovery())
	r.GET("/health", s.health)
	r.GET("/stats", s.getStats)
	s.http = &http.Server{Handler: r}
	return s, r
}

func TestHealthReturnsOK(t *testing.T) {
	_, r := newTestServer(nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestStatsReturnsProviderSnapshot(t *testing.T) {
	_, r := newTestServer(fakeStats{value: 7})
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["value"] != 7 {
		t.Fatalf("value = %d, want 7", body["value"])
	}
}

func TestStatsWithNilProviderReturnsEmptyObject(t *testing.T) {
	_, r := newTestServer(nil)
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRunShutsDownOnContextCancel(t *testing.T) {
	s := New("127.0.0.1:0", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}
