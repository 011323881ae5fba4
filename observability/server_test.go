package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthzBeforeFirstCollection(t *testing.T) {
	collector, _ := setupCollector(t)
	server := NewServer("127.0.0.1:0", collector, zap.NewNop())

	rec := httptest.NewRecorder()
	server.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthzReportsChecks(t *testing.T) {
	collector, _ := setupCollector(t)
	collector.CollectOnce(context.Background())
	server := NewServer("127.0.0.1:0", collector, zap.NewNop())

	rec := httptest.NewRecorder()
	server.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Checks    []HealthCheckResult `json:"checks"`
		Timestamp int64               `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Checks, 6)
	assert.Greater(t, body.Timestamp, int64(0))
}

func TestHealthzFailsOnFailedCheck(t *testing.T) {
	collector, _ := setupCollector(t)
	collector.cache.store(&StatusSnapshot{
		Timestamp: time.Now().Unix(),
		Health: []HealthCheckResult{
			{Name: "sqlite_writable", Status: HealthPass},
			{Name: "notifier_alive", Status: HealthFail},
		},
	})
	server := NewServer("127.0.0.1:0", collector, zap.NewNop())

	rec := httptest.NewRecorder()
	server.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatuszServesSnapshot(t *testing.T) {
	collector, _ := setupCollector(t)
	collector.CollectOnce(context.Background())
	server := NewServer("127.0.0.1:0", collector, zap.NewNop())

	rec := httptest.NewRecorder()
	server.handleStatusz(rec, httptest.NewRequest(http.MethodGet, "/statusz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Greater(t, snapshot.Process.PID, 0)
	assert.Equal(t, "N/A (scheduler not yet implemented)", snapshot.Scheduler.LastTickLocal)
}
