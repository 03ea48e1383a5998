package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveStageRecordsOneSample(t *testing.T) {
	before := testutil.CollectAndCount(StageDuration)

	ObserveStage("clone", time.Now().Add(-10*time.Millisecond), "success")

	after := testutil.CollectAndCount(StageDuration)
	if after != before+1 {
		t.Fatalf("expected ObserveStage to add one histogram series, before=%d after=%d", before, after)
	}
}
