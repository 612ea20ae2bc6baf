package metrics_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotline/internal/metrics"
)

func TestRecordersUpdateCounters(t *testing.T) {
	m, err := metrics.NewTaskMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordRequest(true)
	m.RecordRequest(false)
	m.RecordRequest(false)
	m.RecordTransition("committed")
	m.RecordLeaseError("commit", "expired_lease")
	m.RecordAnnotations(3)
	m.RecordRecovery("startup", 2, 1, 5*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("granted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LeaseErrors.WithLabelValues("commit", "expired_lease")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.AnnotationsStored))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecoveryReleased))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoverySkipped))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *metrics.TaskMetrics
	m.RecordRequest(true)
	m.RecordTransition("leased")
	m.RecordRecovery("manual", 1, 0, time.Millisecond)
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.NewTaskMetrics(reg)
	require.NoError(t, err)
	_, err = metrics.NewTaskMetrics(reg)
	assert.Error(t, err)
}

func TestWriteTextfile(t *testing.T) {
	m, err := metrics.NewTaskMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	m.RecordTransition("leased")
	path := filepath.Join(t.TempDir(), "annotline.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `annotline_task_transitions_total{transition="leased"} 1`)
}
