package malloc

import "errors"

// ErrorArenaTooSmall arena cannot hold allocator metadata and at least
// one allocatable unit.
var ErrorArenaTooSmall = errors.New("malloc.arenatoosmall")

// ErrorArenaTooLarge arena size does not fit in a block header.
var ErrorArenaTooLarge = errors.New("malloc.arenatoolarge")

// ErrorInvalidAlign alignment is not a power of two, or less than
// machine word.
var ErrorInvalidAlign = errors.New("malloc.invalidalign")

// ErrorInvalidStep slot size is not positive, or too large.
var ErrorInvalidStep = errors.New("malloc.invalidstep")

// ErrorInvalidGrow growth unit is not positive.
var ErrorInvalidGrow = errors.New("malloc.invalidgrow")

// ErrorInvalidAllocator unknown allocator kind.
var ErrorInvalidAllocator = errors.New("malloc.invalidallocator")

// ErrorInvalidSource unknown arena source.
var ErrorInvalidSource = errors.New("malloc.invalidsource")

// ErrorOutofMemory native source could not supply an arena.
var ErrorOutofMemory = errors.New("malloc.outofmemory")

// ErrorCorrupted allocator metadata is inconsistent.
var ErrorCorrupted = errors.New("malloc.corrupted")
