package qmem

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// ReclamationPass is one severity tier of voluntary memory release.
// When a quota is over budget it walks the tiers in order, only escalating
// while pressure persists.
type ReclamationPass int

const (
	// ReclamationBenign is for steps with no externally observable effect
	// beyond some CPU, e.g. shrinking buffers sized for peak load.
	ReclamationBenign ReclamationPass = iota
	// ReclamationIdle may be observable but loses no work, e.g. dropping
	// idle connections or cold caches.
	ReclamationIdle
	// ReclamationDestructive is the last resort and may drop work, e.g.
	// cancelling in-flight calls.
	ReclamationDestructive

	numReclamationPasses = 3
)

func (p ReclamationPass) valid() bool {
	return p >= ReclamationBenign && p <= ReclamationDestructive
}

func (p ReclamationPass) String() string {
	switch p {
	case ReclamationBenign:
		return "benign"
	case ReclamationIdle:
		return "idle"
	case ReclamationDestructive:
		return "destructive"
	default:
		return fmt.Sprintf("pass(%d)", int(p))
	}
}

// ReclaimFunc is a reclaimer: invoked with a sweep when the bound quota
// escalates to the pass it was posted for. It owes no particular amount of
// memory; whatever it releases is a voluntary contribution.
type ReclaimFunc func(*ReclamationSweep)

type reclaimerEntry struct {
	fn          ReclaimFunc
	synchronous bool
}

// ReclamationSweep tracks one in-flight reclaimer invocation. The quota
// starts no second sweep for the same (owner, pass) until this one
// finishes; a sweep finishes when the reclaimer returns, or earlier via an
// explicit Finish.
type ReclamationSweep struct {
	quota       *MemoryQuota
	owner       *MemoryOwner
	pass        ReclamationPass
	token       uint64
	usedAtStart int64
	done        chan struct{}
	finished    int32
}

// IsSufficient reports whether enough memory has been freed that the quota
// would not immediately ask for more. Reclaimers with variable amounts of
// work can poll this to stop early.
func (s *ReclamationSweep) IsSufficient() bool {
	return !s.quota.overCommitted()
}

// Pass returns the severity tier this sweep was started for.
func (s *ReclamationSweep) Pass() ReclamationPass {
	return s.pass
}

// Finish completes the sweep, reporting the usage delta back to the quota
// and unblocking the next sweep for this (owner, pass). Idempotent; also
// run automatically when the reclaimer returns.
func (s *ReclamationSweep) Finish() {
	if !atomic.CompareAndSwapInt32(&s.finished, 0, 1) {
		return
	}

	freed := s.usedAtStart - atomic.LoadInt64(&s.quota.used)
	if freed < 0 {
		freed = 0
	}
	l.Debug(
		"sweep finished",
		zap.String("quota", s.quota.conf.Name),
		zap.String("pass", s.pass.String()),
		zap.Uint64("token", s.token),
		zap.Int64("freed", freed))

	s.owner.sweepDone(s.pass)
	close(s.done)
}
