package observability

import (
	"testing"
	"time"

	"github.com/danmuck/statebridge/internal/diagnostics"
	"github.com/danmuck/statebridge/internal/logging"
	"github.com/danmuck/statebridge/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("authority", "GET", "/health", 200, 12*time.Millisecond)
	RecordSubsystemInit("safety.guard", "CRITICAL", "READY", 3*time.Millisecond)
	RecordSubsystemInit("world.publish", "STANDARD", "FAILED", 0)
	RecordPublish("written")
	RecordAwait("attribute", time.Millisecond)

	sink := DiagnosticsSink()
	sink(diagnostics.NewRecord("bootstrap", diagnostics.SeverityWarn, "blocked"))

	logging.Logf("observability/metrics: registration idempotent and recording paths executed")
}
