// Package qmem is a memory governance layer for RPC runtimes: soft byte
// quotas with callback driven reclamation, plus arena scoped containers
// for allocation-free bookkeeping on the hot path.
//
// Quotas never fail or block an allocation request; instead they grant a
// possibly reduced amount and relieve pressure by asking owners to give
// memory back voluntarily, in increasing severity.
package qmem

const (
	// MaxReservationSize bounds a single reservation request; min and max
	// are clamped to it before the grant policy runs.
	MaxReservationSize = 1 << 30

	// maxQuotaSize doubles as the "effectively unlimited" initial budget.
	maxQuotaSize = int64(^uint64(0) >> 1)
)
