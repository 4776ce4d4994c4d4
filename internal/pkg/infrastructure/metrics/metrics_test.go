package metrics

import (
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAreUpdatedAfterInit(t *testing.T) {
	is := is.New(t)

	Init()
	Init()

	before := testutil.ToFloat64(cycleTotal.WithLabelValues("schedule", ResultSuccess))
	ObserveCycle("schedule", "", 10*time.Millisecond)
	is.Equal(testutil.ToFloat64(cycleTotal.WithLabelValues("schedule", ResultSuccess)), before+1)

	SetAlarmedModules(3)
	is.Equal(testutil.ToFloat64(alarmedModules), 3.0)

	before = testutil.ToFloat64(cutoffActuations.WithLabelValues("activate"))
	IncCutoffActuation(true)
	is.Equal(testutil.ToFloat64(cutoffActuations.WithLabelValues("activate")), before+1)
}
