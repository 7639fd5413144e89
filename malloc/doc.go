// Package malloc supplies allocators that operate within caller supplied
// arenas, with a limited scope:
//
//  * Types and Functions exported by this package are not thread safe,
//    callers shall serialize access to an allocator instance.
//  * All allocator state lives inside the arena, except for counters
//    and predictions kept in the allocator object.
//  * Arenas are never given back by the allocators, they are owned by
//    application. Growth wrapper is an exception, it obtains arenas from
//    "source" and gives them back on Release().
//  * There is no compaction, adjacent free blocks are merged.
//  * Memory handed out is aligned to configured "align", default 8.
//
// Blocks is a first-fit allocator for variable sized requests, headers
// are kept in-place and walked as an implicit free list. A predicted
// free block avoids most scans, and a failed scan remembers the
// largest free block so that larger requests are rejected without a
// scan until the next free.
//
// Slots is a bitmap allocator for uniform sized items. Tiny packs
// several small size classes into 64-slot chunks, each allocation being
// a run of slots within a chunk.
//
// Growth wraps Blocks or Slots and adds a new chunk whenever existing
// chunks are exhausted.
//
// When built with `-tags debug`, "debug" and "abort" settings default to
// true. Block headers carry a magic word, the requested size and the
// allocation site, and bytes past the requested size are filled with
// Poison to detect overflow. Misuse and corruption are reported to a
// Sink and cause a panic.
package malloc
