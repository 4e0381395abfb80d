package dispatch

import (
	"context"
	"time"
)

// Health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// A success rate below this, over at least minSampleForRate finished tasks,
// degrades health.
const (
	degradedSuccessRate = 0.5
	minSampleForRate    = 10
)

// HealthStatus summarizes the dispatcher for probes and operators.
type HealthStatus struct {
	Status             string   `json:"status"`
	Running            bool     `json:"running"`
	CacheOK            bool     `json:"cache_ok"`
	CacheError         string   `json:"cache_error,omitempty"`
	LastScanAgeSeconds float64  `json:"last_scan_age_seconds"`
	SuccessRate        float64  `json:"success_rate"`
	Reasons            []string `json:"reasons,omitempty"`
	Metrics            Snapshot `json:"metrics"`
}

// Health checks the loop and the cache. A stopped loop or an unreachable
// cache is unhealthy; a stalled loop or a poor success rate is degraded.
func (d *Dispatcher) Health(ctx context.Context) HealthStatus {
	snap := d.Metrics()
	hs := HealthStatus{
		Running:     d.Running(),
		CacheOK:     true,
		SuccessRate: snap.SuccessRate,
		Metrics:     snap,
	}
	if !snap.LastScanAt.IsZero() {
		hs.LastScanAgeSeconds = d.now().Sub(snap.LastScanAt).Seconds()
	}

	if err := d.deps.Engine.Ping(ctx); err != nil {
		hs.CacheOK = false
		hs.CacheError = err.Error()
	}

	var unhealthy, degraded bool
	if !hs.Running {
		unhealthy = true
		hs.Reasons = append(hs.Reasons, "dispatcher not running")
	}
	if !hs.CacheOK {
		unhealthy = true
		hs.Reasons = append(hs.Reasons, "cache unreachable")
	}
	// A tick may legitimately take up to one task timeout.
	stall := d.cfg.TaskTimeout + 2*d.cfg.TickInterval
	if hs.Running && !snap.LastScanAt.IsZero() && time.Duration(hs.LastScanAgeSeconds*float64(time.Second)) > stall {
		degraded = true
		hs.Reasons = append(hs.Reasons, "scan loop stalled")
	}
	if snap.Processed+snap.Failed >= minSampleForRate && snap.SuccessRate < degradedSuccessRate {
		degraded = true
		hs.Reasons = append(hs.Reasons, "low success rate")
	}

	switch {
	case unhealthy:
		hs.Status = StatusUnhealthy
	case degraded:
		hs.Status = StatusDegraded
	default:
		hs.Status = StatusHealthy
	}
	return hs
}
