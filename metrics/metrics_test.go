package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNodeLifecycle(t *testing.T) {
	before := testutil.ToFloat64(nodesTotal.WithLabelValues(ModeRuntime, "prompt", "done"))

	NodeStarted(ModeRuntime)
	assert.Equal(t, 1.0, testutil.ToFloat64(nodesInFlight.WithLabelValues(ModeRuntime)))

	NodeFinished(ModeRuntime, "prompt", "done", 20*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(nodesInFlight.WithLabelValues(ModeRuntime)))
	assert.Equal(t, before+1, testutil.ToFloat64(nodesTotal.WithLabelValues(ModeRuntime, "prompt", "done")))
}

func TestRunFinished(t *testing.T) {
	before := testutil.ToFloat64(runsTotal.WithLabelValues(ModePlan, "failed"))
	RunFinished(ModePlan, false, time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(runsTotal.WithLabelValues(ModePlan, "failed")))
}
