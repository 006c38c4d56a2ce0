package registry

import "time"

// Health statuses derived from lastSeenAt. Derived on read, never
// persisted.
const (
	HealthActive      = "active"
	HealthInactive    = "inactive"
	HealthStale       = "stale"
	HealthUnreachable = "unreachable"
)

const (
	activeWindow   = 5 * time.Minute
	inactiveWindow = 30 * time.Minute
)

// ComputeHealth classifies an agent's presence at the given instant. An
// explicit unreachable mark wins over any lastSeenAt value; an absent or
// unparseable lastSeenAt is stale.
func ComputeHealth(a *Agent, now time.Time) string {
	if a.Unreachable {
		return HealthUnreachable
	}
	if a.LastSeenAt == "" {
		return HealthStale
	}
	seen, err := time.Parse(time.RFC3339, a.LastSeenAt)
	if err != nil {
		return HealthStale
	}
	age := now.Sub(seen)
	switch {
	case age < activeWindow:
		return HealthActive
	case age < inactiveWindow:
		return HealthInactive
	default:
		return HealthStale
	}
}
