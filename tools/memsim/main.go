package main

import "fmt"
import "os"

import sigar "github.com/cloudfoundry/gosigar"
import "github.com/urfave/cli/v2"

import "github.com/bnclabs/gomalloc/malloc"
import "github.com/bnclabs/gomalloc/memory"

const maxarena = int64(64 * 1024 * 1024)

func main() {
	app := &cli.App{
		Name:  "memsim",
		Usage: "drive randomized malloc/free workloads against allocators",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:  "arena",
				Value: defaultarena(),
				Usage: "arena size in bytes, per chunk for growth",
			},
			&cli.IntFlag{Name: "ops", Value: 1000000, Usage: "number of operations"},
			&cli.Int64Flag{Name: "seed", Value: 1, Usage: "seed for workload"},
			&cli.Int64Flag{Name: "maxsize", Value: 512, Usage: "largest request"},
			&cli.Int64Flag{Name: "step", Value: 16, Usage: "slot size"},
			&cli.Int64Flag{Name: "grow", Value: 1024, Usage: "growth unit"},
			&cli.BoolFlag{Name: "debug", Usage: "checked headers and canaries"},
			&cli.BoolFlag{Name: "dump", Usage: "dump allocator after workload"},
			&cli.BoolFlag{Name: "stats", Usage: "print allocator statistics"},
			&cli.BoolFlag{Name: "log", Usage: "enable logging"},
		},
		Before: func(ctx *cli.Context) error {
			if ctx.Bool("log") {
				malloc.LogComponents("all")
				memory.LogComponents("all")
			}
			return nil
		},
		Commands: []*cli.Command{
			{Name: "blocks", Usage: "first-fit block allocator", Action: simblocks},
			{Name: "slots", Usage: "bitmap slot allocator", Action: simslots},
			{Name: "tiny", Usage: "multi-class tiny allocator", Action: simtiny},
			{Name: "growth", Usage: "growth wrapper over slots", Action: simgrowth},
			{Name: "memory", Usage: "process-wide dispatcher", Action: simmemory},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// defaultarena is 1/64 of free memory, capped at maxarena.
func defaultarena() int64 {
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil || mem.Free == 0 {
		return maxarena
	}
	if size := int64(mem.Free / 64); size < maxarena {
		return size
	}
	return maxarena
}
