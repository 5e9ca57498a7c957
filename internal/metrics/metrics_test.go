package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestResult(t *testing.T) {
	assert.Equal(t, "success", Result(true))
	assert.Equal(t, "failed", Result(false))
}

func TestCountersAreLabelled(t *testing.T) {
	before := testutil.ToFloat64(TriggerExecutions.WithLabelValues("leads", Result(true)))
	TriggerExecutions.WithLabelValues("leads", Result(true)).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(TriggerExecutions.WithLabelValues("leads", "success")))

	EnrollmentEvents.WithLabelValues("enrolled").Add(2)
	assert.GreaterOrEqual(t, testutil.ToFloat64(EnrollmentEvents.WithLabelValues("enrolled")), float64(2))
}
