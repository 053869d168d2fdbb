package api

import (
	"context"

	"github.com/cyfrworks/cyfr/pkg/logger"
)

// LogTelemetry implements mcpdispatch.Telemetry by logging one structured
// line per dispatched tool call, the daemon-side sink mcpdispatch's own
// doc comment anticipates.
type LogTelemetry struct {
	Log *logger.Logger
}

// EmitToolCall implements mcpdispatch.Telemetry.
func (t LogTelemetry) EmitToolCall(_ context.Context, executionID, tool string, allowed bool, err error) {
	fields := map[string]interface{}{
		"execution_id": executionID,
		"tool":         tool,
		"allowed":      allowed,
	}
	entry := t.Log.With(fields)
	if err != nil {
		entry.WithField("error", err.Error()).Warn("tool call failed")
		return
	}
	entry.Info("tool call dispatched")
}
