package malloc

import s "github.com/bnclabs/gosettings"

// Alignment default alignment for headers, payloads and slots. Must be
// a power of two, and at least the machine word.
const Alignment = int64(8)

// Wordbits number of slots tracked by a single bitmap word.
const Wordbits = int64(64)

// Poison byte used as canary past requested size, and to fill blocks in
// debug mode.
const Poison = byte(0xCC)

// Defaultsettings for all allocators in this package.
//
// "align" (int64, default: 8)
//		Alignment for headers, payloads and slot steps, should be a
//		power of two and >= 8.
//
// "step" (int64, default: 16)
//		Slot size for Slots and Tiny allocators.
//
// "grow" (int64, default: 64)
//		Growth unit for Growth wrapper. For "slot" allocator it is the
//		number of items per chunk, for "block" allocator it is number of
//		bytes per chunk.
//
// "allocator" (string, default: "block")
//		Sub-allocator used by Growth wrapper, can be "block" or "slot".
//
// "source" (string, default: "heap")
//		Where Growth wrapper obtains its arenas from, can be "heap" or
//		"mmap".
//
// "debug" (bool, default: true with -tags debug)
//		Maintain checked block headers, record requested size and
//		allocation site, fill canary past requested size.
//
// "abort" (bool, default: true with -tags debug)
//		Panic after reporting corruption, misuse or configuration error.
func Defaultsettings() s.Settings {
	return s.Settings{
		"align":     Alignment,
		"step":      int64(16),
		"grow":      int64(64),
		"allocator": "block",
		"source":    "heap",
		"debug":     debugmode,
		"abort":     debugmode,
	}
}

// config common to all allocators, parsed once from settings.
type config struct {
	align  int64
	step   int64
	grow   int64
	kind   string
	source string
	debug  bool
	abort  bool
}

func parsesettings(setts s.Settings) (config, error) {
	setts = Defaultsettings().Mixin(setts)
	conf := config{
		align:  setts.Int64("align"),
		step:   setts.Int64("step"),
		grow:   setts.Int64("grow"),
		kind:   setts.String("allocator"),
		source: setts.String("source"),
		debug:  setts.Bool("debug"),
		abort:  setts.Bool("abort"),
	}
	if conf.align < Alignment || (conf.align&(conf.align-1)) != 0 {
		return conf, ErrorInvalidAlign
	} else if conf.step <= 0 {
		return conf, ErrorInvalidStep
	} else if conf.grow <= 0 {
		return conf, ErrorInvalidGrow
	}
	switch conf.kind {
	case "block", "slot":
	default:
		return conf, ErrorInvalidAllocator
	}
	switch conf.source {
	case "heap", "mmap":
	default:
		return conf, ErrorInvalidSource
	}
	return conf, nil
}
