package qmem

import (
	"fmt"
	"unsafe"

	"github.com/zhiqiangxu/util"
)

const (
	arenaPageMinSize = 4 * 1024
	arenaPageMaxSize = 4 * 1024 * 1024
)

// Arena is a bump allocator with bulk lifetime: storage handed out by
// AllocBytes stays valid as long as the arena (or the returned slice) is
// reachable, and is never freed individually. Not concurrent safe; an
// arena is meant to be confined to one connection/call/thread of work.
type Arena struct {
	ba     *util.ByteArena
	allocs int64
	bytes  int64
}

// NewArena is ctor for Arena
func NewArena() *Arena {
	return &Arena{ba: util.NewByteArena(arenaPageMinSize, arenaPageMaxSize)}
}

// AllocBytes hands out n bytes of arena storage.
// Running out of process memory here is fatal; the quota layer is a soft
// limit system and does not model hard allocation failure.
func (a *Arena) AllocBytes(n int) []byte {
	if n <= 0 {
		panic(fmt.Sprintf("bug when AllocBytes:%d", n))
	}

	a.allocs++
	a.bytes += int64(n)
	b := a.ba.AllocBytes(n)
	if len(b) < n {
		// ByteArena returns a length-0, capacity-n slice when a single
		// request is at least the page size it would reserve.
		b = b[:n]
	}
	return b
}

// Allocs returns how many allocations were served so far.
func (a *Arena) Allocs() int64 {
	return a.allocs
}

// AllocatedBytes returns the total bytes handed out so far.
func (a *Arena) AllocatedBytes() int64 {
	return a.bytes
}

// allocSlice carves storage for n values of T out of the arena.
// The arena bumps by raw byte counts, so the carve is over-allocated by
// align-1 bytes and shifted to the first offset aligned for T.
// Arena bytes carry no pointer map for the GC, so T must not contain
// pointers (or the caller must keep referents alive elsewhere).
func allocSlice[T any](a *Arena, n int) []T {
	var zero T
	size := int(unsafe.Sizeof(zero)) * n
	if size == 0 {
		return make([]T, n)
	}

	align := uintptr(unsafe.Alignof(zero))
	b := a.AllocBytes(size + int(align) - 1)
	off := 0
	if rem := uintptr(unsafe.Pointer(&b[0])) % align; rem != 0 {
		off = int(align - rem)
	}
	b = b[off : off+size]
	clear(b)
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}
