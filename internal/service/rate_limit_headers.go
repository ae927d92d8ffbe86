package service

// Response header names carrying usage/rate-limit figures from the
// upstream. Kept in one small table so a new header the upstream starts
// sending is a one-line change, not a signature change across the codebase.
// No code path reads these headers from upstream responses; usage is
// harvested from SSE events only (see the paths below).
const (
	headerPrimaryUsedPercent        = "x-codex-primary-used-percent"
	headerPrimaryResetAfterSeconds  = "x-codex-primary-reset-after-seconds"
	headerPrimaryWindowMinutes      = "x-codex-primary-window-minutes"
	headerSecondaryUsedPercent      = "x-codex-secondary-used-percent"
	headerSecondaryResetAfterSeconds = "x-codex-secondary-reset-after-seconds"
)

// The usageEvent*Path constants are the gjson paths read out of a `response.completed`/`response.incomplete`/
// `response.failed` SSE event's `usage` object, mirroring the header names
// above for the in-stream usage harvest.
const (
	usageEventPrimaryUsedPercentPath = "usage.primary_used_percent"
	usageEventPrimaryResetAfterPath  = "usage.primary_reset_after_seconds"
	usageEventPrimaryWindowPath      = "usage.primary_window_minutes"
	usageEventSecondaryUsedPercentPath = "usage.secondary_used_percent"
	usageEventSecondaryResetAfterPath  = "usage.secondary_reset_after_seconds"
)
