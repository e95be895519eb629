package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		IncStalled("actor")
		ObservePass(time.Millisecond)
		IncPoll("no_updates")
		IncRemote("deltas", "2xx")
	})

	before := testutil.ToFloat64(operationsProcessed.WithLabelValues("parcel", "success"))
	IncOperation("parcel", "success")
	assert.Equal(t, before+1, testutil.ToFloat64(operationsProcessed.WithLabelValues("parcel", "success")))

	SetPending(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(operationsPending))
}
