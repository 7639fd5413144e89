// Package gomalloc implement a collection of allocators that work over
// caller supplied arenas, and the tools to exercise them.
//
// api:
//
// Interfaces shared by all allocators.
//
// malloc:
//
// Block allocator for variable sized requests, bitmap slot allocator for
// uniform sized items, tiny allocator packing several small size classes
// into shared chunks, and a growth wrapper that chains arenas. Allocators
// in this package are not thread safe.
//
// memory:
//
// Process wide dispatcher that routes small requests to a tiny allocator
// and others to a block allocator, guarded by a spinlock. Falls back to
// native memory when not initialized with an arena.
//
// lib:
//
// Statistics and raw memory helpers.
//
// tools/memsim:
//
// Command line tool to run randomized workloads against each allocator.
package gomalloc
