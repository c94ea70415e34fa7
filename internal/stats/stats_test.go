package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")

	assert.NotPanics(t, func() { NewStatsUpdater(http.NewServeMux()) }, "expected a second updater to reuse the published map")
}

func TestStatsUpdater_IncrDecr(t *testing.T) {
	su := NewStatsUpdater(http.NewServeMux())
	su.RegisterMetric("TestCounter")
	su.Run()
	defer su.Stop()

	su.Incr("TestCounter")
	su.Incr("TestCounter")
	su.Decr("TestCounter")
	su.Incr("NotRegistered")

	assert.Eventually(t, func() bool {
		return su.Value("TestCounter") == 1
	}, time.Second, 10*time.Millisecond, "expected counter to settle at 1")
	assert.Zero(t, su.Value("NotRegistered"), "expected unknown metrics to be ignored")
}

func TestStatsUpdater_IncrDoesNotBlock(t *testing.T) {
	su := NewStatsUpdater(http.NewServeMux())
	su.RegisterMetric("Burst")

	done := make(chan struct{})
	go func() {
		for i := 0; i < cap(su.updateChan)*2; i++ {
			su.Incr("Burst")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Incr not to block on a full queue")
	}
}

func TestStatsUpdater_fullQueueKeepsGauges(t *testing.T) {
	su := NewStatsUpdater(http.NewServeMux())
	su.RegisterMetric("Gauge")

	n := cap(su.updateChan) + 100
	for i := 0; i < n; i++ {
		su.Incr("Gauge")
	}
	for i := 0; i < 40; i++ {
		su.Decr("Gauge")
	}
	assert.EqualValues(t, 60, su.Value("Gauge"), "expected overflow updates to be applied in place")

	su.Run()
	defer su.Stop()
	assert.Eventually(t, func() bool {
		return su.Value("Gauge") == int64(n-40)
	}, time.Second, 10*time.Millisecond, "expected no update to be lost")
}

func Test_expvarHandler(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	su.RegisterMetric("HandlerCounter")
	su.Run()
	defer su.Stop()

	su.Incr("HandlerCounter")
	require.Eventually(t, func() bool {
		return su.Value("HandlerCounter") == 1
	}, time.Second, 10*time.Millisecond)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json; charset=utf-8", rr.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.EqualValues(t, 1, body["HandlerCounter"], "expected counter in response")
	assert.Contains(t, body, "Uptime", "expected uptime in response")
}
