package domain

import "time"

// AllowlistEntry is one IP address permitted to reach the proxy surface.
// An empty allowlist is "allow all"; a non-empty one switches the firewall
// into allowlist_active mode.
type AllowlistEntry struct {
	IPAddress string
	CreatedAt time.Time
}
