package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	registry = &healthRegistry{
		components: make(map[string]componentState),
		startTime:  time.Now(),
	}
}

func registerCritical() {
	RegisterComponent("wal", true, "")
	RegisterComponent("applier", true, "")
	RegisterComponent("api", true, "")
}

func TestGetHealth(t *testing.T) {
	resetHealth(t)
	SetVersion("1.0.0")

	registerCritical()
	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Components, 3)
	assert.Equal(t, "1.0.0", health.Version)
	assert.NotEmpty(t, health.Uptime)

	UpdateComponent("wal", false, "stream disconnected")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: stream disconnected", health.Components["wal"])
}

func TestGetReadiness(t *testing.T) {
	resetHealth(t)

	// Nothing registered yet.
	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Contains(t, readiness.Message, "waiting for")

	registerCritical()
	readiness = GetReadiness()
	assert.Equal(t, "ready", readiness.Status)

	UpdateComponent("applier", false, "crash looping")
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not ready: crash looping", readiness.Components["applier"])
}

func TestReadinessIgnoresOptionalComponents(t *testing.T) {
	resetHealth(t)
	registerCritical()
	RegisterComponent("archiver", false, "bucket unreachable")

	readiness := GetReadiness()
	assert.Equal(t, "ready", readiness.Status, "optional components never gate readiness")

	health := GetHealth()
	assert.Equal(t, "unhealthy", health.Status, "but they do surface in liveness detail")
}

func TestHealthHandler(t *testing.T) {
	resetHealth(t)
	SetVersion("test")
	RegisterComponent("api", true, "")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)

	UpdateComponent("api", false, "listener closed")
	w = httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadyHandler(t *testing.T) {
	resetHealth(t)

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	registerCritical()
	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var readiness HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&readiness))
	assert.Equal(t, "ready", readiness.Status)
}

func TestLivenessHandler(t *testing.T) {
	resetHealth(t)

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])
}
