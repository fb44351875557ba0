package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RelayAttempt("a", "ok")
	m.RelayHealth("a", true)
	m.ProofRequest("consolidate", "ok", time.Second)
	m.Step("final", "ok")
	m.StaleRoot()
	m.LeavesSynced(3)
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.RelayAttempt("relay-a", "unavailable")
	m.RelayAttempt("relay-a", "unavailable")
	m.RelayAttempt("relay-b", "ok")
	m.RelayHealth("relay-a", false)
	m.StaleRoot()
	m.LeavesSynced(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RelaySubmissions.WithLabelValues("relay-a", "unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelaySubmissions.WithLabelValues("relay-b", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RelayHealthy.WithLabelValues("relay-a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleRoots))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SyncedLeaves))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "shieldpool_relayer_submissions_total")
}
