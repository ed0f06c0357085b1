package core

import "context"

type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

// RecordOutcome emits the total counter and duration histogram for one ledger
// operation.
func RecordOutcome(ctx context.Context, recorder MetricsRecorder, operation string, durationMs int64, tags map[string]string) {
	if recorder == nil {
		return
	}
	operation = NormalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	recorder.IncCounter(ctx, "webhooks."+operation+".total", 1, cloneTags(tags))
	recorder.ObserveHistogram(ctx, "webhooks."+operation+".duration_ms", float64(durationMs), cloneTags(tags))
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}
