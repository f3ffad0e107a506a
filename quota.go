package qmem

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// MemoryQuota owns a byte budget shared by its owners. The limit is soft:
// reservations are always granted, never blocked or failed, and pressure
// is relieved by walking registered reclaimers in increasing severity on a
// dedicated goroutine so the allocation fast path never stalls on a
// memory decision.
type MemoryQuota struct {
	conf QuotaConfig

	size int64 // atomic
	used int64 // atomic

	mu     sync.Mutex
	owners map[*MemoryOwner]struct{}

	sweepToken uint64 // atomic

	limiter  ratelimit.Limiter
	executor Executor
	ownPool  *workerPool

	pressureCh chan struct{}
	doneCh     chan struct{}
	wg         sync.WaitGroup
	closed     int32 // atomic
}

// NewMemoryQuota creates a quota and starts its reclamation goroutine.
// Call Close when done with it.
func NewMemoryQuota(conf QuotaConfig) *MemoryQuota {
	size := int64(conf.Size)
	if size <= 0 || conf.Size > uint64(maxQuotaSize) {
		size = maxQuotaSize
	}

	q := &MemoryQuota{
		conf:       conf,
		size:       size,
		owners:     make(map[*MemoryOwner]struct{}),
		pressureCh: make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}
	if conf.SweepRate > 0 {
		q.limiter = ratelimit.New(conf.SweepRate)
	} else {
		q.limiter = ratelimit.NewUnlimited()
	}
	if conf.Executor != nil {
		q.executor = conf.Executor
	} else {
		q.ownPool = newWorkerPool()
		q.executor = q.ownPool
	}

	GoFunc(&q.wg, q.reclaimLoop)
	return q
}

// CreateOwner produces a MemoryOwner bound to this quota with no
// outstanding reservations.
func (q *MemoryQuota) CreateOwner() *MemoryOwner {
	o := &MemoryOwner{quota: q}
	q.mu.Lock()
	q.owners[o] = struct{}{}
	q.mu.Unlock()
	return o
}

// SetSize resizes the budget, clamped to [0, max int64], and re-evaluates
// pressure; shrinking below current usage triggers reclamation.
func (q *MemoryQuota) SetSize(n uint64) {
	size := int64(n)
	if n > uint64(maxQuotaSize) {
		size = maxQuotaSize
	}
	atomic.StoreInt64(&q.size, size)
	if q.overCommitted() {
		q.signalPressure()
	}
}

// Size returns the current byte budget.
func (q *MemoryQuota) Size() uint64 {
	return uint64(atomic.LoadInt64(&q.size))
}

// Used returns the aggregate granted reservation bytes.
func (q *MemoryQuota) Used() uint64 {
	return uint64(atomic.LoadInt64(&q.used))
}

// InstantaneousPressure approximates current pressure: granted bytes over
// budget. Values above 1 mean the quota is over-committed.
func (q *MemoryQuota) InstantaneousPressure() float64 {
	used := atomic.LoadInt64(&q.used)
	size := atomic.LoadInt64(&q.size)
	if size <= 0 {
		if used > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return float64(used) / float64(size)
}

// Close stops the reclamation goroutine, waits for any in-flight sweep,
// then shuts down the internal executor if one was created. Idempotent.
// Accounting on owners and reservations keeps working afterwards; only
// reclamation stops.
func (q *MemoryQuota) Close() {
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		return
	}

	close(q.doneCh)
	q.wg.Wait()
	if q.ownPool != nil {
		q.ownPool.close()
	}
}

// grant decides the granted size for a [min, max] request per the soft
// limit policy: full max when headroom allows, whatever headroom is left
// when it falls between, and min regardless when headroom is short, which
// over-commits the quota and makes reclamation do the catching up.
func (q *MemoryQuota) grant(min, max int64) int64 {
	size := atomic.LoadInt64(&q.size)
	used := atomic.LoadInt64(&q.used)
	headroom := size - used

	g := min
	if headroom >= max {
		g = max
	} else if headroom > min {
		g = headroom
	}
	q.take(g)
	return g
}

func (q *MemoryQuota) take(n int64) {
	if n < 0 {
		panic(fmt.Sprintf("bug when take:%d", n))
	}

	atomic.AddInt64(&q.used, n)
	if q.conf.PressureMetric != nil {
		q.conf.PressureMetric.With("quota", q.conf.Name).Observe(q.InstantaneousPressure())
	}
	if q.overCommitted() {
		q.signalPressure()
	}
}

func (q *MemoryQuota) giveBack(n int64) {
	used := atomic.AddInt64(&q.used, -n)
	if used < 0 {
		panic(fmt.Sprintf("bug when giveBack:%d uses quota below zero", n))
	}
}

func (q *MemoryQuota) overCommitted() bool {
	return atomic.LoadInt64(&q.used) > atomic.LoadInt64(&q.size)
}

func (q *MemoryQuota) signalPressure() {
	select {
	case q.pressureCh <- struct{}{}:
	default:
	}
}

func (q *MemoryQuota) attach(o *MemoryOwner, reserved int64) {
	q.mu.Lock()
	q.owners[o] = struct{}{}
	q.mu.Unlock()
	if reserved != 0 {
		q.take(reserved)
	}
}

func (q *MemoryQuota) detach(o *MemoryOwner, reserved int64) {
	q.mu.Lock()
	delete(q.owners, o)
	q.mu.Unlock()
	if reserved != 0 {
		q.giveBack(reserved)
	}
}

func (q *MemoryQuota) ownerSnapshot() []*MemoryOwner {
	q.mu.Lock()
	owners := make([]*MemoryOwner, 0, len(q.owners))
	for o := range q.owners {
		owners = append(owners, o)
	}
	q.mu.Unlock()
	return owners
}

func (q *MemoryQuota) reclaimLoop() {
	for {
		select {
		case <-q.pressureCh:
			q.reclaim()
		case <-q.doneCh:
			return
		}
	}
}

// reclaim walks benign → idle → destructive across bound owners, waiting
// for each invoked sweep before deciding whether to escalate, until usage
// is back under the budget or no reclaimer is left to run. Runs only on
// the reclamation goroutine.
func (q *MemoryQuota) reclaim() {
	for q.overCommitted() {
		ran := false
		for pass := ReclamationBenign; pass <= ReclamationDestructive; pass++ {
			for _, o := range q.ownerSnapshot() {
				if !q.overCommitted() {
					return
				}
				if q.runReclaimer(o, pass) {
					ran = true
				}
			}
		}
		if !ran {
			// Nothing registered; a later PostReclaimer plus grant
			// re-signals us.
			l.Debug(
				"over budget with no reclaimer",
				zap.String("quota", q.conf.Name),
				zap.Uint64("used", q.Used()),
				zap.Uint64("size", q.Size()))
			return
		}
	}
}

// runReclaimer consumes the reclaimer posted for (o, pass), if any, and
// runs one sweep for it. No lock may be held here: the reclaimer is free
// to release reservations, re-post itself, or rebind the owner.
func (q *MemoryQuota) runReclaimer(o *MemoryOwner, pass ReclamationPass) bool {
	e := o.takeReclaimer(pass)
	if e == nil {
		return false
	}

	q.limiter.Take()
	sweep := &ReclamationSweep{
		quota:       q,
		owner:       o,
		pass:        pass,
		token:       atomic.AddUint64(&q.sweepToken, 1),
		usedAtStart: atomic.LoadInt64(&q.used),
		done:        make(chan struct{}),
	}
	l.Debug(
		"sweep started",
		zap.String("quota", q.conf.Name),
		zap.String("pass", pass.String()),
		zap.Uint64("token", sweep.token))

	run := func() {
		defer sweep.Finish()
		e.fn(sweep)
	}
	if e.synchronous {
		run()
	} else {
		err := q.executor.Run(run)
		if err != nil {
			// Executor already gone; finish the sweep ourselves so the
			// (owner, pass) slot is not wedged.
			l.Error("executor.Run", zap.String("quota", q.conf.Name), zap.Error(err))
			sweep.Finish()
			return false
		}
	}
	<-sweep.done

	if q.conf.SweepMetric != nil {
		q.conf.SweepMetric.With("quota", q.conf.Name, "pass", pass.String()).Add(1)
	}
	return true
}
