package qmem

// DefaultChunkSize is the per-chunk element capacity used when the caller
// passes 0. Expectation is that most sequences fit in one chunk, sometimes
// two, very rarely three.
const DefaultChunkSize = 32

// chunk is one fixed-capacity run of a ChunkedSeq. The header stays on the
// Go heap (next and vals must remain visible to the GC); only the element
// storage comes from the arena.
type chunk[T any] struct {
	next  *chunk[T]
	count int
	vals  []T
}

// ChunkedSeq is an arena-friendly append-mostly sequence. It allocates
// non-contiguous runs of chunkSize T's at a time; appending is constant
// time, calculating the length is O(n_chunks). Chunks emptied by Clear are
// retained and refilled before any new arena allocation happens.
// Not concurrent safe, same confinement contract as the arena it borrows.
type ChunkedSeq[T any] struct {
	arena     *Arena
	chunkSize int
	first     *chunk[T]
	active    *chunk[T]
}

// NewChunkedSeq is ctor for ChunkedSeq, borrowing arena for all chunk
// storage. chunkSize <= 0 selects DefaultChunkSize.
func NewChunkedSeq[T any](arena *Arena, chunkSize int) *ChunkedSeq[T] {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ChunkedSeq[T]{arena: arena, chunkSize: chunkSize}
}

// NewChunkedSeqFrom builds a sequence holding a copy of vals.
func NewChunkedSeqFrom[T any](arena *Arena, chunkSize int, vals []T) *ChunkedSeq[T] {
	s := NewChunkedSeq[T](arena, chunkSize)
	for _, v := range vals {
		s.Append(v)
	}
	return s
}

// Append adds v at the end of the sequence.
func (s *ChunkedSeq[T]) Append(v T) {
	c := s.appendSlot()
	c.vals[c.count] = v
	c.count++
}

func (s *ChunkedSeq[T]) appendSlot() *chunk[T] {
	if s.active == nil {
		if s.first != nil {
			panic("bug when appendSlot: chain without active chunk")
		}
		s.first = s.newChunk()
		s.active = s.first
	} else if s.active.count == s.chunkSize {
		if s.active.next == nil {
			s.active.next = s.newChunk()
		}
		s.active = s.active.next
	}
	return s.active
}

func (s *ChunkedSeq[T]) newChunk() *chunk[T] {
	return &chunk[T]{vals: allocSlice[T](s.arena, s.chunkSize)}
}

// PopBack removes and returns the last element.
// Crossing a chunk boundary walks the chain from the head to find the
// predecessor: chunks are singly linked to stay minimal, so that step is
// O(n_chunks). Popping an empty sequence is a caller bug.
func (s *ChunkedSeq[T]) PopBack() T {
	if s.active == nil {
		panic("bug when PopBack on empty ChunkedSeq")
	}
	if s.active.count == 0 {
		if s.first == s.active {
			panic("bug when PopBack on empty ChunkedSeq")
		}
		c := s.first
		for c.next != s.active {
			c = c.next
		}
		s.active = c
	}

	last := s.active.count - 1
	v := s.active.vals[last]
	var zero T
	s.active.vals[last] = zero
	s.active.count = last
	return v
}

// Clear drops all elements but keeps every chunk linked for reuse; arenas
// do not support partial free, so giving chunks back is not an option.
func (s *ChunkedSeq[T]) Clear() {
	var zero T
	for c := s.first; c != nil && c.count != 0; c = c.next {
		for i := 0; i < c.count; i++ {
			c.vals[i] = zero
		}
		c.count = 0
	}
	s.active = s.first
}

// Len counts the elements, O(n_chunks). Deliberately not cached: the
// per-chunk counts already give O(1) append/pop and most callers never ask.
func (s *ChunkedSeq[T]) Len() int {
	n := 0
	for c := s.first; c != nil; c = c.next {
		n += c.count
	}
	return n
}

// Copy deep-copies the elements into a fresh sequence bound to the same
// arena; copying never redirects storage to a different arena.
func (s *ChunkedSeq[T]) Copy() *ChunkedSeq[T] {
	out := NewChunkedSeq[T](s.arena, s.chunkSize)
	it := s.Iter()
	for p, ok := it.Next(); ok; p, ok = it.Next() {
		out.Append(*p)
	}
	return out
}

// Swap transplants the chunk chains between two handles that share an
// arena; it is the only way to move existing chunks between sequences.
func (s *ChunkedSeq[T]) Swap(other *ChunkedSeq[T]) {
	if s.arena != other.arena {
		panic("bug when Swap across arenas")
	}
	s.chunkSize, other.chunkSize = other.chunkSize, s.chunkSize
	s.first, other.first = other.first, s.first
	s.active, other.active = other.active, s.active
}

// Iter returns a forward-only iterator over the current elements. Taking a
// new iterator restarts from the front; a ChunkedSeqIter must not outlive
// mutation of the sequence.
func (s *ChunkedSeq[T]) Iter() ChunkedSeqIter[T] {
	c := s.first
	if c != nil && c.count == 0 {
		c = nil
	}
	return ChunkedSeqIter[T]{c: c}
}

// ChunkedSeqIter walks a ChunkedSeq front to back.
type ChunkedSeqIter[T any] struct {
	c *chunk[T]
	n int
}

// Next returns a pointer to the next element, or false when exhausted.
func (it *ChunkedSeqIter[T]) Next() (*T, bool) {
	if it.c == nil {
		return nil, false
	}

	p := &it.c.vals[it.n]
	it.n++
	for it.c != nil && it.n == it.c.count {
		it.c = it.c.next
		it.n = 0
	}
	return p, true
}
