package internaldefs

import (
	gatekit "github.com/meshrail/gatekit"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   gatekit.MetricID
	Name string
	Help string
}

// HistogramDef names one exported histogram.
type HistogramDef struct {
	ID   gatekit.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in exposition order.
var CounterDefs = []CounterDef{
	{ID: gatekit.MetricRequestAllowed, Name: "gatekit_request_allowed_total", Help: "Requests that passed the whole policy pipeline."},
	{ID: gatekit.MetricIPRejected, Name: "gatekit_ip_rejected_total", Help: "Requests rejected by the IP allowlist."},
	{ID: gatekit.MetricRateLimitAllowed, Name: "gatekit_rate_limit_allowed_total", Help: "Requests within their window budget."},
	{ID: gatekit.MetricRateLimitRejected, Name: "gatekit_rate_limit_rejected_total", Help: "Requests rejected by the rate limiter."},
	{ID: gatekit.MetricRateLimitDegraded, Name: "gatekit_rate_limit_degraded_total", Help: "Rate decisions served from the per-instance fallback store."},
	{ID: gatekit.MetricSessionAuthenticated, Name: "gatekit_session_authenticated_total", Help: "Successful session resolutions."},
	{ID: gatekit.MetricSessionAnonymous, Name: "gatekit_session_anonymous_total", Help: "Optional-auth requests served without identity."},
	{ID: gatekit.MetricSessionRejected, Name: "gatekit_session_rejected_total", Help: "Required-auth rejections."},
	{ID: gatekit.MetricSessionStoreFault, Name: "gatekit_session_store_fault_total", Help: "Authoritative-store faults surfaced as rejections."},
	{ID: gatekit.MetricWorkerAccepted, Name: "gatekit_worker_accepted_total", Help: "Verified worker signatures."},
	{ID: gatekit.MetricWorkerRejected, Name: "gatekit_worker_rejected_total", Help: "Failed worker verifications."},
	{ID: gatekit.MetricRoleRejected, Name: "gatekit_role_rejected_total", Help: "Role-check rejections."},
	{ID: gatekit.MetricOrgRejected, Name: "gatekit_org_rejected_total", Help: "Org-membership rejections."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: gatekit.MetricEvaluateLatency, Name: "gatekit_evaluate_latency_seconds", Help: "Evaluate latency histogram."},
}

// HistogramBounds are the le labels for the fixed bucket layout.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix are metric-name-safe forms of the bounds for
// backends without native histogram buckets.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw bucket slice to the fixed layout.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to the cumulative counts
// histogram expositions expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
