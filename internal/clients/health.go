package clients

import "time"

// HealthStatus is the common shape reused across all four adapters.
type HealthStatus struct {
	Healthy   bool
	Latency   time.Duration
	LastCheck time.Time
	Error     string
}
