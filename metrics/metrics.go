// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	bundlesCreated             = metrics.NewCounter("bundles_created_total")
	bundleSubmissionAttempts   = metrics.NewCounter("bundle_submission_attempts_total")
	bundleSubmissionFailures   = metrics.NewCounter("bundle_submission_failures_total")
	bundlesSubmitted           = metrics.NewCounter("bundles_submitted_total")
	bundleFallbacksOK          = metrics.NewCounter(`bundle_fallbacks_total{result="ok"}`)
	bundleFallbacksFailed      = metrics.NewCounter(`bundle_fallbacks_total{result="failed"}`)
	bundlesIncluded            = metrics.NewCounter("bundles_included_total")
	bundlesExpired             = metrics.NewCounter("bundles_expired_total")
	trackQueueFull             = metrics.NewCounter("bundles_track_queue_full_total")
	secretsSubmitted           = metrics.NewCounter("secrets_submitted_total")
	secretsFailed              = metrics.NewCounter("secrets_failed_total")
	secretsExpired             = metrics.NewCounter("secrets_expired_total")
	secretConflicts            = metrics.NewCounter("secret_conflicts_total")
	escrowPolls                = metrics.NewCounter("escrow_polls_total")
	escrowReadinessRegressions = metrics.NewCounter("escrow_readiness_regressions_total")
)

func IncBundlesCreated() {
	bundlesCreated.Inc()
}

func IncBundleSubmissionAttempts() {
	bundleSubmissionAttempts.Inc()
}

func IncBundleSubmissionFailures() {
	bundleSubmissionFailures.Inc()
}

func IncBundlesSubmitted() {
	bundlesSubmitted.Inc()
}

func IncBundleFallback(ok bool) {
	if ok {
		bundleFallbacksOK.Inc()
	} else {
		bundleFallbacksFailed.Inc()
	}
}

func IncBundlesIncluded() {
	bundlesIncluded.Inc()
}

func IncBundlesExpired() {
	bundlesExpired.Inc()
}

func IncTrackQueueFull() {
	trackQueueFull.Inc()
}

func IncSecretsSubmitted() {
	secretsSubmitted.Inc()
}

func IncSecretsFailed() {
	secretsFailed.Inc()
}

func IncSecretsExpired() {
	secretsExpired.Inc()
}

func IncSecretConflicts() {
	secretConflicts.Inc()
}

func IncEscrowPolls() {
	escrowPolls.Inc()
}

func IncEscrowReadinessRegressions() {
	escrowReadinessRegressions.Inc()
}

func RecordRPCCallDuration(method string, durationMs int64) {
	l := fmt.Sprintf(`rpc_call_duration_milliseconds{method="%s"}`, method)
	metrics.GetOrCreateSummary(l).Update(float64(durationMs))
}

func IncRPCCallFailure(method string) {
	l := fmt.Sprintf(`rpc_call_failures_total{method="%s"}`, method)
	metrics.GetOrCreateCounter(l).Inc()
}

func RecordRelayCallDuration(call string, durationMs int64) {
	l := fmt.Sprintf(`relay_call_duration_milliseconds{call="%s"}`, call)
	metrics.GetOrCreateSummary(l).Update(float64(durationMs))
}

func RecordAggregatorCallDuration(call string, durationMs int64) {
	l := fmt.Sprintf(`aggregator_call_duration_milliseconds{call="%s"}`, call)
	metrics.GetOrCreateSummary(l).Update(float64(durationMs))
}
