package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/quizdeck/accountsync/internal/usersync"
)

var _ usersync.Recorder = (*Metrics)(nil)

func TestRecorderCounts(t *testing.T) {
	m := New()
	m.ObserveRun("all", "success", 2*time.Second)
	m.ObserveRun("all", "success", time.Second)
	m.ObserveRun("batch", "already_running", 0)
	m.ObserveBatch()
	m.ObserveBatch()
	m.ObserveRecords("created", 3)
	m.ObserveRecords("created", 0)
	m.ObserveLeaseContention()
	m.ObserveHTTP("sync", 409)

	require.Equal(t, 2.0, testutil.ToFloat64(m.Runs.WithLabelValues("all", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("batch", "already_running")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.Batches))
	require.Equal(t, 3.0, testutil.ToFloat64(m.Records.WithLabelValues("created")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.LeaseContention))
	require.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("sync", "409")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRun("all", "success", time.Second)
	m.ObserveBatch()
	m.ObserveRecords("created", 1)
	m.ObserveLeaseContention()
	m.ObserveHTTP("health", 200)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 404, rec.Code)
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveBatch()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "accountsync_batches_total 1"), string(body))
}
