package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	m := New()

	m.ObserveSync(CycleOK, 20*time.Millisecond)
	m.ObserveSync(CycleOffline, 0)
	m.ObserveOperation("clip_vote", OpAcked)
	m.ObserveOperation("clip_vote", OpAcked)
	m.SetPending(3)
	m.ObserveCacheRead("clip", ReadStale)
	m.SetOnline(true)
	m.AddPurged(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncCycles.WithLabelValues(CycleOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncCycles.WithLabelValues(CycleOffline)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("clip_vote", OpAcked)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheReads.WithLabelValues("clip", ReadStale)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.online))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.purged))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSync(CycleError, time.Second)
		m.ObserveOperation("comment", OpRejected)
		m.SetPending(1)
		m.ObserveCacheRead("clip", ReadMiss)
		m.SetOnline(false)
		m.AddPurged(1)
	})
	assert.Nil(t, m.Registry())
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetPending(2)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), "clipsync_pending_operations 2"))
}
