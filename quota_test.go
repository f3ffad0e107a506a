package qmem

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestGrantPolicy(t *testing.T) {
	q := NewMemoryQuota(QuotaConfig{Name: "grant", Size: 100})
	defer q.Close()
	o := q.CreateOwner()

	// Headroom covers max.
	r1 := o.MakeReservation(50, 50)
	assert.Assert(t, r1.Size() == 50)
	assert.Assert(t, q.Used() == 50)

	// Headroom between min and max: grant the headroom.
	r2 := o.MakeReservation(10, 80)
	assert.Assert(t, r2.Size() == 50)
	assert.Assert(t, q.Used() == 100)

	// Headroom below min: still grant min, over-committing.
	r3 := o.MakeReservation(60, 80)
	assert.Assert(t, r3.Size() == 60)
	assert.Assert(t, q.Used() == 160)
	assert.Assert(t, q.InstantaneousPressure() > 1)

	r3.Release()
	r2.Release()
	r1.Release()
	assert.Assert(t, q.Used() == 0)
	assert.Assert(t, o.Reserved() == 0)
}

func TestReservationClamp(t *testing.T) {
	q := NewMemoryQuota(QuotaConfig{Name: "clamp"})
	defer q.Close()
	o := q.CreateOwner()

	r := o.MakeReservation(MaxReservationSize+1, MaxReservationSize+2)
	assert.Assert(t, r.Size() == MaxReservationSize)
	r.Release()

	assertPanics(t, func() {
		o.MakeReservation(2, 1)
	})
}

// The scenario from the soft-limit design: quota 100, grant 50 then an
// over-committing 60, benign reclamation alone resolves the pressure.
func TestBenignReclaimResolvesPressure(t *testing.T) {
	q := NewMemoryQuota(QuotaConfig{Name: "benign", Size: 100})
	defer q.Close()
	o := q.CreateOwner()

	r1 := o.MakeReservation(50, 50)
	assert.Assert(t, q.Used() == 50)

	var idleRan int32
	o.PostReclaimerSync(ReclamationBenign, func(*ReclamationSweep) {
		r1.Release()
	})
	o.PostReclaimerSync(ReclamationIdle, func(*ReclamationSweep) {
		atomic.StoreInt32(&idleRan, 1)
	})

	r2 := o.MakeReservation(60, 80)
	assert.Assert(t, r2.Size() == 60)

	waitUntil(t, func() bool { return q.Used() == 60 })
	// Benign was enough; idle must not have been escalated to.
	time.Sleep(20 * time.Millisecond)
	assert.Assert(t, atomic.LoadInt32(&idleRan) == 0)

	r2.Release()
	assert.Assert(t, q.Used() == 0)
}

func TestReclaimEscalation(t *testing.T) {
	q := NewMemoryQuota(QuotaConfig{Name: "escalate", Size: 100})
	defer q.Close()
	o := q.CreateOwner()

	res := o.MakeReservation(150, 150)

	var mu sync.Mutex
	var order []ReclamationPass
	o.PostReclaimerSync(ReclamationBenign, func(s *ReclamationSweep) {
		mu.Lock()
		order = append(order, s.Pass())
		mu.Unlock()
		// Frees nothing.
	})
	o.PostReclaimerSync(ReclamationIdle, func(s *ReclamationSweep) {
		mu.Lock()
		order = append(order, s.Pass())
		mu.Unlock()
		res.Release()
		assert.Assert(t, s.IsSufficient())
	})
	var destructiveRan int32
	o.PostReclaimerSync(ReclamationDestructive, func(*ReclamationSweep) {
		atomic.StoreInt32(&destructiveRan, 1)
	})

	// Reservation happened before the reclaimers were posted; re-evaluate.
	q.SetSize(q.Size())
	waitUntil(t, func() bool { return q.Used() == 0 })

	mu.Lock()
	assert.DeepEqual(t, order, []ReclamationPass{ReclamationBenign, ReclamationIdle})
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	assert.Assert(t, atomic.LoadInt32(&destructiveRan) == 0)
}

func TestSetSizeTriggersReclaim(t *testing.T) {
	q := NewMemoryQuota(QuotaConfig{Name: "resize", Size: 100})
	defer q.Close()
	o := q.CreateOwner()

	r := o.MakeReservation(80, 80)
	assert.Assert(t, q.Used() == 80)

	o.PostReclaimerSync(ReclamationBenign, func(*ReclamationSweep) {
		r.Release()
	})

	q.SetSize(50)
	assert.Assert(t, q.Size() == 50)
	waitUntil(t, func() bool { return q.Used() == 0 })
}

func TestRebindMovesAccounting(t *testing.T) {
	qa := NewMemoryQuota(QuotaConfig{Name: "a", Size: 1 << 20})
	defer qa.Close()
	qb := NewMemoryQuota(QuotaConfig{Name: "b", Size: 1 << 20})
	defer qb.Close()

	o := qa.CreateOwner()
	r := o.MakeReservation(70, 70)
	assert.Assert(t, qa.Used() == 70)
	assert.Assert(t, qb.Used() == 0)

	o.Rebind(qb)
	assert.Assert(t, qa.Used() == 0)
	assert.Assert(t, qb.Used() == 70)
	assert.Assert(t, o.Reserved() == 70)

	// Rebinding to the current quota is a no-op.
	o.Rebind(qb)
	assert.Assert(t, qb.Used() == 70)

	r.Release()
	assert.Assert(t, qb.Used() == 0)
}

func TestRebindTargetsReclaimers(t *testing.T) {
	qa := NewMemoryQuota(QuotaConfig{Name: "ra", Size: 1 << 20})
	defer qa.Close()
	qb := NewMemoryQuota(QuotaConfig{Name: "rb", Size: 100})
	defer qb.Close()

	o := qa.CreateOwner()
	r := o.MakeReservation(200, 200)
	o.PostReclaimerSync(ReclamationBenign, func(*ReclamationSweep) {
		r.Release()
	})

	// Moving 200 reserved bytes onto a 100 byte quota puts qb over budget;
	// its walker must find the rebound owner's reclaimer.
	o.Rebind(qb)
	waitUntil(t, func() bool { return qb.Used() == 0 })
	assert.Assert(t, qa.Used() == 0)
}

func TestReclaimerReplaced(t *testing.T) {
	q := NewMemoryQuota(QuotaConfig{Name: "replace", Size: 100})
	defer q.Close()
	o := q.CreateOwner()

	res := o.MakeReservation(150, 150)

	var firstRan, secondRan int32
	o.PostReclaimerSync(ReclamationBenign, func(*ReclamationSweep) {
		atomic.StoreInt32(&firstRan, 1)
		res.Release()
	})
	o.PostReclaimerSync(ReclamationBenign, func(*ReclamationSweep) {
		atomic.StoreInt32(&secondRan, 1)
		res.Release()
	})

	q.SetSize(q.Size())
	waitUntil(t, func() bool { return q.Used() == 0 })
	assert.Assert(t, atomic.LoadInt32(&firstRan) == 0)
	assert.Assert(t, atomic.LoadInt32(&secondRan) == 1)
}

// A consumed registration is invoked exactly once even if pressure
// persists; staying subscribed requires re-posting.
func TestReclaimerConsumedOnce(t *testing.T) {
	q := NewMemoryQuota(QuotaConfig{Name: "consume", Size: 100})
	defer q.Close()
	o := q.CreateOwner()

	var runs int32
	o.PostReclaimerSync(ReclamationBenign, func(*ReclamationSweep) {
		atomic.AddInt32(&runs, 1)
		// Frees nothing and does not re-post.
	})

	r := o.MakeReservation(150, 150) // over budget, triggers the sweep
	waitUntil(t, func() bool { return atomic.LoadInt32(&runs) == 1 })

	// More pressure with no registration left: no further sweeps.
	r2 := o.MakeReservation(50, 50)
	time.Sleep(20 * time.Millisecond)
	assert.Assert(t, atomic.LoadInt32(&runs) == 1)

	r.Release()
	r2.Release()
}

func TestAsyncReclaimer(t *testing.T) {
	q := NewMemoryQuota(QuotaConfig{Name: "async", Size: 100})
	defer q.Close()
	o := q.CreateOwner()

	res := o.MakeReservation(150, 150)
	o.PostReclaimer(ReclamationBenign, func(s *ReclamationSweep) {
		res.Release()
		s.Finish()
	})

	q.SetSize(q.Size())
	waitUntil(t, func() bool { return q.Used() == 0 })
}

type inlineExecutor struct {
	runs int32
}

func (e *inlineExecutor) Run(f func()) error {
	atomic.AddInt32(&e.runs, 1)
	go f()
	return nil
}

func TestCustomExecutor(t *testing.T) {
	exec := &inlineExecutor{}
	q := NewMemoryQuota(QuotaConfig{Name: "exec", Size: 100, Executor: exec})
	defer q.Close()
	o := q.CreateOwner()

	res := o.MakeReservation(150, 150)
	o.PostReclaimer(ReclamationBenign, func(*ReclamationSweep) {
		res.Release()
	})

	q.SetSize(q.Size())
	waitUntil(t, func() bool { return q.Used() == 0 })
	assert.Assert(t, atomic.LoadInt32(&exec.runs) == 1)
}

func TestAtMostOneSweepPerOwnerPass(t *testing.T) {
	q := NewMemoryQuota(QuotaConfig{Name: "sweep", Size: 100})
	defer q.Close()
	o := q.CreateOwner()

	var concurrent, maxConcurrent int32
	var rearm func(*ReclamationSweep)
	rearm = func(*ReclamationSweep) {
		cur := atomic.AddInt32(&concurrent, 1)
		for {
			prev := atomic.LoadInt32(&maxConcurrent)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxConcurrent, prev, cur) {
				break
			}
		}
		o.PostReclaimer(ReclamationBenign, rearm)
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
	}
	o.PostReclaimer(ReclamationBenign, rearm)

	var wg sync.WaitGroup
	var reservations sync.Map
	for i := 0; i < 4; i++ {
		i := i
		GoFunc(&wg, func() {
			r := o.MakeReservation(60, 60)
			reservations.Store(i, r)
		})
	}
	wg.Wait()

	waitUntil(t, func() bool { return atomic.LoadInt32(&maxConcurrent) >= 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Assert(t, atomic.LoadInt32(&maxConcurrent) == 1)

	reservations.Range(func(_, v interface{}) bool {
		v.(*Reservation).Release()
		return true
	})
}

func TestDoubleReleasePanics(t *testing.T) {
	q := NewMemoryQuota(QuotaConfig{Name: "double"})
	defer q.Close()
	o := q.CreateOwner()

	r := o.MakeReservation(10, 10)
	r.Release()
	assertPanics(t, func() {
		r.Release()
	})
}

func TestPostReclaimerContract(t *testing.T) {
	q := NewMemoryQuota(QuotaConfig{Name: "contract"})
	defer q.Close()
	o := q.CreateOwner()

	assertPanics(t, func() {
		o.PostReclaimer(ReclamationPass(7), func(*ReclamationSweep) {})
	})
	assertPanics(t, func() {
		o.PostReclaimer(ReclamationBenign, nil)
	})
	assertPanics(t, func() {
		o.Rebind(nil)
	})
}

func TestInstantaneousPressure(t *testing.T) {
	q := NewMemoryQuota(QuotaConfig{Name: "pressure", Size: 200})
	defer q.Close()
	o := q.CreateOwner()

	assert.Assert(t, q.InstantaneousPressure() == 0)
	r := o.MakeReservation(100, 100)
	assert.Assert(t, q.InstantaneousPressure() == 0.5)

	q.SetSize(0)
	assert.Assert(t, math.IsInf(q.InstantaneousPressure(), 1))
	q.SetSize(200)
	r.Release()
}

func TestCloseIdempotent(t *testing.T) {
	q := NewMemoryQuota(QuotaConfig{Name: "close"})
	q.Close()
	q.Close()

	// Accounting still works after Close, reclamation just stops.
	o := q.CreateOwner()
	r := o.MakeReservation(10, 10)
	assert.Assert(t, q.Used() == 10)
	r.Release()
	assert.Assert(t, q.Used() == 0)
}
