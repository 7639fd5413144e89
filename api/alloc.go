// Package api define interfaces shared by allocators and their users.
package api

import "unsafe"

// Mallocer interface for custom memory management over caller supplied
// arenas. Implementations are not thread safe.
type Mallocer interface {
	// Malloc allocate `n` bytes from arena. Return nil if arena cannot
	// satisfy the request. Allocated memory is aligned to arena's
	// configured alignment.
	Malloc(n int64) unsafe.Pointer

	// Free memory pointed by `ptr` back to arena. Return false if `ptr`
	// is not a live allocation from this arena.
	Free(ptr unsafe.Pointer) bool

	// Clear all allocations, arena is as good as freshly initialized.
	Clear()

	// Owns return whether `ptr` falls within arena's data region.
	Owns(ptr unsafe.Pointer) bool

	// Datasize return the usable size of memory pointed by `ptr`. In
	// debug mode this is the size requested by application.
	Datasize(ptr unsafe.Pointer) int64

	// Info of memory accounting for this arena.
	Info() (capacity, heap, alloc, overhead int64)

	// Utilization return percentage of heap allocated to application.
	Utilization() float64
}

// Chunk is a Mallocer that can be managed by a growable collection of
// same-kind arenas.
type Chunk interface {
	Mallocer

	// Base return the arena backing this chunk.
	Base() []byte
}
