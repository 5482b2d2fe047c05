package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := reapedJobsTotal
	Init()
	require.NotNil(t, first)
	require.Same(t, first, reapedJobsTotal)
}

func TestObserversRecord(t *testing.T) {
	Init()

	before := testutil.ToFloat64(reapedJobsTotal.WithLabelValues("pending"))
	ObserveReapedJob("pending")
	require.InDelta(t, before+1, testutil.ToFloat64(reapedJobsTotal.WithLabelValues("pending")), 1e-9)

	before = testutil.ToFloat64(providerRequestsTotal.WithLabelValues("live", "ok"))
	ObserveProviderRequest("live", "ok", 20*time.Millisecond)
	require.InDelta(t, before+1, testutil.ToFloat64(providerRequestsTotal.WithLabelValues("live", "ok")), 1e-9)

	before = testutil.ToFloat64(refreshDomainsTotal.WithLabelValues("daily", "error"))
	ObserveRefreshDomain("daily", "error")
	require.InDelta(t, before+1, testutil.ToFloat64(refreshDomainsTotal.WithLabelValues("daily", "error")), 1e-9)

	IncActiveProcessors()
	DecActiveProcessors()
	require.InDelta(t, 0.0, testutil.ToFloat64(activeProcessors), 1e-9)
}
