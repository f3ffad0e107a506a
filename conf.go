package qmem

import (
	"github.com/go-kit/kit/metrics"
)

// QuotaConfig contains config for MemoryQuota
type QuotaConfig struct {
	// Name tags log lines and metric labels.
	Name string
	// Size is the initial byte budget; 0 means effectively unlimited until
	// SetSize is called.
	Size uint64
	// SweepRate caps reclamation sweeps per second; 0 means no cap.
	SweepRate int
	// Executor runs asynchronous reclaimers; nil selects an internal pool
	// owned (and closed) by the quota.
	Executor Executor
	// SweepMetric counts finished sweeps, labeled by quota and pass.
	SweepMetric metrics.Counter
	// PressureMetric observes instantaneous pressure on each grant.
	PressureMetric metrics.Histogram
}
