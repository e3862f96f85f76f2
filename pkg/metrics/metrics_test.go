package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	before := testutil.ToFloat64(RPCRequests.WithLabelValues("eth_getProof", "ok"))
	RPCRequests.WithLabelValues("eth_getProof", "ok").Inc()
	require.Equal(t, before+1, testutil.ToFloat64(RPCRequests.WithLabelValues("eth_getProof", "ok")))

	done := ObserveStage("verify")
	done()
	require.Equal(t, 1, testutil.CollectAndCount(StageDuration))
}

func TestHandler(t *testing.T) {
	CacheLookups.WithLabelValues("hit").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `ethwitness_cache_lookups_total{result="hit"}`)
}
