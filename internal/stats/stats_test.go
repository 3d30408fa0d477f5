package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/npezzotti/softtalk/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(testutil.TestLogger(t), mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")

	// a second updater must not clash with the first
	assert.NotPanics(t, func() { NewStatsUpdater(testutil.TestLogger(t), http.NewServeMux()) })
}

func TestStatsUpdater_Counters(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(testutil.TestLogger(t), mux)
	su.RegisterMetric("NumActiveClients")
	su.RegisterMetric("MessagesRouted")
	su.Run()

	su.Incr("NumActiveClients")
	su.Incr("NumActiveClients")
	su.Decr("NumActiveClients")
	su.Incr("MessagesRouted")
	su.Incr("NotRegistered")
	su.Stop()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["NumActiveClients"])
	assert.Equal(t, float64(1), body["MessagesRouted"])
	assert.Contains(t, body, "Uptime")
	assert.NotContains(t, body, "NotRegistered")
}
