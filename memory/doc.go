// Package memory supplies a process wide allocator. Functions exported
// by this package are thread safe.
//
// Until Init is called with an arena, memory is obtained from native
// source, one allocation at a time. With an arena, a portion of it is
// carved out for a tiny allocator when large enough, requests up to
// tiny allocator's limit are served from it and the rest, including
// requests the tiny allocator cannot satisfy, from a block allocator
// over the whole arena.
package memory
