package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesCollectors(t *testing.T) {
	SharesSubmitted.WithLabelValues(ResultForwarded).Inc()
	JobsBroadcast.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"tproxy_downstream_shares_total",
		"tproxy_jobs_broadcast_total",
		"tproxy_channel_nominal_hashrate",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestCounterVecLabels(t *testing.T) {
	before := testutil.ToFloat64(UpstreamShares.WithLabelValues(ResultRejected))
	UpstreamShares.WithLabelValues(ResultRejected).Add(3)
	after := testutil.ToFloat64(UpstreamShares.WithLabelValues(ResultRejected))

	if after-before != 3 {
		t.Errorf("rejected shares delta = %v, want 3", after-before)
	}
}
