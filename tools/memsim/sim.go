package main

import "fmt"
import "os"
import "time"
import "unsafe"
import "math/rand"

import s "github.com/bnclabs/gosettings"
import humanize "github.com/dustin/go-humanize"
import "github.com/urfave/cli/v2"

import "github.com/bnclabs/gomalloc/api"
import "github.com/bnclabs/gomalloc/lib"
import "github.com/bnclabs/gomalloc/malloc"
import "github.com/bnclabs/gomalloc/memory"

type allocator interface {
	Malloc(n int64) unsafe.Pointer
	Free(ptr unsafe.Pointer) bool
}

type result struct {
	mallocs, frees, fails int64
	peak                  int
	elapsed               time.Duration
}

func settings(ctx *cli.Context) s.Settings {
	return s.Settings{
		"step":      ctx.Int64("step"),
		"grow":      ctx.Int64("grow"),
		"allocator": "slot",
		"debug":     ctx.Bool("debug"),
		"abort":     ctx.Bool("debug"),
	}
}

func simblocks(ctx *cli.Context) error {
	b, err := malloc.NewBlocks(make([]byte, ctx.Int64("arena")), settings(ctx))
	if err != nil {
		return err
	}
	b.SetSink(malloc.Writersink(os.Stdout))
	res := simulate(ctx, b, ctx.Int64("maxsize"))
	report("blocks", res, b)
	printstats(ctx, b.Stats())
	if err := b.Validate(); err != nil {
		return err
	}
	if ctx.Bool("dump") {
		b.Dump()
	}
	return nil
}

func simslots(ctx *cli.Context) error {
	st, err := malloc.NewSlots(make([]byte, ctx.Int64("arena")), settings(ctx))
	if err != nil {
		return err
	}
	st.SetSink(malloc.Writersink(os.Stdout))
	res := simulate(ctx, st, st.Step())
	report("slots", res, st)
	printstats(ctx, st.Stats())
	if ctx.Bool("dump") {
		st.Dump()
	}
	return nil
}

func simtiny(ctx *cli.Context) error {
	t, err := malloc.NewTiny(make([]byte, ctx.Int64("arena")), settings(ctx))
	if err != nil {
		return err
	}
	t.SetSink(malloc.Writersink(os.Stdout))
	maxsize := ctx.Int64("maxsize")
	if maxsize > t.Limit() {
		maxsize = t.Limit()
	}
	res := simulate(ctx, t, maxsize)
	report("tiny", res, t)
	printstats(ctx, t.Stats())
	if ctx.Bool("dump") {
		t.Dump()
	}
	return nil
}

func simgrowth(ctx *cli.Context) error {
	g, err := malloc.NewGrowth(settings(ctx))
	if err != nil {
		return err
	}
	defer g.Release()
	g.SetSink(malloc.Writersink(os.Stdout))
	step := malloc.Defaultsettings().Mixin(settings(ctx)).Int64("step")
	res := simulate(ctx, g, step)
	report("growth", res, g)
	fmt.Printf("chunks    : %v\n", g.Chunks())
	printstats(ctx, g.Stats())
	if ctx.Bool("dump") {
		g.Dump()
	}
	return nil
}

type dispatcher struct{}

func (dispatcher) Malloc(n int64) unsafe.Pointer { return memory.Malloc(n) }
func (dispatcher) Free(ptr unsafe.Pointer) bool  { return memory.Free(ptr) }

func simmemory(ctx *cli.Context) error {
	setts := s.Settings{"debug": ctx.Bool("debug"), "abort": ctx.Bool("debug")}
	if !memory.Init(nil, ctx.Int64("arena"), setts) {
		fmt.Println("memory: native mode")
	}
	defer memory.Exit()
	memory.SetSink(malloc.Writersink(os.Stdout))
	res := simulate(ctx, dispatcher{}, ctx.Int64("maxsize"))
	report("memory", res, nil)
	stats := memory.Stats()
	for _, key := range []string{"mode", "n_tiny", "n_blocks", "n_native", "n_fails"} {
		fmt.Printf("%-10v: %v\n", key, stats[key])
	}
	printstats(ctx, stats)
	if ctx.Bool("dump") {
		memory.Dump()
	}
	return nil
}

// simulate random mallocs and frees, 60% mallocs, with request sizes
// uniformly distributed within [1, maxsize].
func simulate(ctx *cli.Context, mem allocator, maxsize int64) result {
	rnd := rand.New(rand.NewSource(ctx.Int64("seed")))
	ops := ctx.Int("ops")
	live := make([]unsafe.Pointer, 0, 1024)

	var res result
	now := time.Now()
	for i := 0; i < ops; i++ {
		if rnd.Intn(10) < 6 || len(live) == 0 {
			ptr := mem.Malloc(rnd.Int63n(maxsize) + 1)
			if ptr == nil {
				res.fails++
				continue
			}
			res.mallocs++
			live = append(live, ptr)
			if len(live) > res.peak {
				res.peak = len(live)
			}
			continue
		}
		j := rnd.Intn(len(live))
		mem.Free(live[j])
		res.frees++
		live[j] = live[len(live)-1]
		live = live[:len(live)-1]
	}
	res.elapsed = time.Since(now)
	return res
}

func report(name string, res result, mem api.Mallocer) {
	nops := res.mallocs + res.frees + res.fails
	fmt.Printf("%v: %v ops in %v, %v per op\n", name,
		humanize.Comma(nops), res.elapsed, res.elapsed/time.Duration(nops+1))
	fmt.Printf("mallocs   : %v\n", humanize.Comma(res.mallocs))
	fmt.Printf("frees     : %v\n", humanize.Comma(res.frees))
	fmt.Printf("failures  : %v\n", humanize.Comma(res.fails))
	fmt.Printf("peak live : %v\n", humanize.Comma(int64(res.peak)))
	if mem == nil {
		return
	}
	capacity, heap, alloc, overhead := mem.Info()
	fmt.Printf("capacity  : %v\n", humanize.Bytes(uint64(capacity)))
	fmt.Printf("heap      : %v\n", humanize.Bytes(uint64(heap)))
	fmt.Printf("allocated : %v\n", humanize.Bytes(uint64(alloc)))
	fmt.Printf("overhead  : %v\n", humanize.Bytes(uint64(overhead)))
	fmt.Printf("utilized  : %.2f%%\n", mem.Utilization())
}

func printstats(ctx *cli.Context, stats map[string]interface{}) {
	if ctx.Bool("stats") {
		fmt.Println(lib.Prettystats(stats, true))
	}
}
