package domain

// StickySession maps an opaque client fingerprint to the account that has
// been serving it, so a multi-turn conversation stays on one credential.
// Only created when the sticky feature is enabled; evicted whenever the
// referenced account is removed or deactivated.
type StickySession struct {
	Key       string
	AccountID string
}
