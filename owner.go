package qmem

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryOwner is a quota participant: it requests reservations against its
// bound quota, tracks the aggregate it holds, and registers at most one
// reclaimer per pass. Owners are rebindable between quotas at runtime.
type MemoryOwner struct {
	mu         sync.Mutex
	quota      *MemoryQuota
	reclaimers [numReclamationPasses]*reclaimerEntry
	sweeping   [numReclamationPasses]bool

	reserved int64 // atomic
}

// MakeReservation requests between min and max bytes, both clamped to
// MaxReservationSize. It never fails and never blocks: when headroom is
// short the request is still granted at min, over-committing the quota and
// leaving reclamation to catch up. Callers needing calibrated backpressure
// inspect the granted Size themselves.
func (o *MemoryOwner) MakeReservation(min, max uint64) *Reservation {
	if min > max {
		panic(fmt.Sprintf("bug when MakeReservation min:%d > max:%d", min, max))
	}
	if max > MaxReservationSize {
		max = MaxReservationSize
		if min > max {
			min = max
		}
	}

	// Held across the grant so a concurrent Rebind cannot split the
	// owner-side and quota-side accounting.
	o.mu.Lock()
	g := o.quota.grant(int64(min), int64(max))
	atomic.AddInt64(&o.reserved, g)
	o.mu.Unlock()

	return &Reservation{owner: o, n: g}
}

// Rebind moves this owner's accounting to newQuota; granted reservations
// keep their sizes. The aggregate is counted against the new quota before
// it is uncounted from the old one: a transient double count merely
// over-triggers reclamation, whereas a gap would let both quotas
// under-report concurrently evaluated pressure.
func (o *MemoryOwner) Rebind(newQuota *MemoryQuota) {
	if newQuota == nil {
		panic("bug when Rebind to nil quota")
	}

	o.mu.Lock()
	old := o.quota
	if old == newQuota {
		o.mu.Unlock()
		return
	}
	r := atomic.LoadInt64(&o.reserved)
	newQuota.attach(o, r)
	old.detach(o, r)
	o.quota = newQuota
	o.mu.Unlock()
}

// PostReclaimer registers fn to run on the quota's executor when the bound
// quota escalates to pass, replacing any prior registration for that pass.
// The registration is consumed when invoked; re-post to stay subscribed.
func (o *MemoryOwner) PostReclaimer(pass ReclamationPass, fn ReclaimFunc) {
	o.postReclaimer(pass, fn, false)
}

// PostReclaimerSync is PostReclaimer with the synchronous discipline: fn
// runs inline on the quota's reclamation goroutine during the pressure
// walk. fn must not call back into that quota's walk (no lock is held, but
// the walk waits for the sweep to finish).
func (o *MemoryOwner) PostReclaimerSync(pass ReclamationPass, fn ReclaimFunc) {
	o.postReclaimer(pass, fn, true)
}

func (o *MemoryOwner) postReclaimer(pass ReclamationPass, fn ReclaimFunc, synchronous bool) {
	if !pass.valid() {
		panic(fmt.Sprintf("bug when postReclaimer pass:%d", int(pass)))
	}
	if fn == nil {
		panic("bug when postReclaimer with nil ReclaimFunc")
	}

	o.mu.Lock()
	o.reclaimers[pass] = &reclaimerEntry{fn: fn, synchronous: synchronous}
	o.mu.Unlock()
}

// Reserved returns the aggregate granted bytes currently held.
func (o *MemoryOwner) Reserved() uint64 {
	return uint64(atomic.LoadInt64(&o.reserved))
}

// takeReclaimer consumes the registration for pass, refusing while a sweep
// for (o, pass) is still in flight.
func (o *MemoryOwner) takeReclaimer(pass ReclamationPass) (e *reclaimerEntry) {
	o.mu.Lock()
	if !o.sweeping[pass] {
		e = o.reclaimers[pass]
		if e != nil {
			o.reclaimers[pass] = nil
			o.sweeping[pass] = true
		}
	}
	o.mu.Unlock()
	return
}

func (o *MemoryOwner) sweepDone(pass ReclamationPass) {
	o.mu.Lock()
	o.sweeping[pass] = false
	o.mu.Unlock()
}

func (o *MemoryOwner) release(n int64) {
	o.mu.Lock()
	reserved := atomic.AddInt64(&o.reserved, -n)
	if reserved < 0 {
		panic(fmt.Sprintf("bug when release:%d takes owner below zero", n))
	}
	o.quota.giveBack(n)
	o.mu.Unlock()
}

// Reservation is an exclusively owned, scoped claim of granted bytes; Release
// returns them to the owner's and quota's accounting.
type Reservation struct {
	owner    *MemoryOwner
	n        int64
	released int32 // atomic
}

// Size returns the granted byte count.
func (r *Reservation) Size() uint64 {
	return uint64(r.n)
}

// Release returns the granted bytes. Releasing twice is a caller bug.
func (r *Reservation) Release() {
	if !atomic.CompareAndSwapInt32(&r.released, 0, 1) {
		panic("bug when Release called twice on Reservation")
	}
	r.owner.release(r.n)
}
