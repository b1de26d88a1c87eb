// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main benchmarks memory managers under single-threaded and
// concurrent workloads.
//
// # Benchmark Categories
//
// The benchmark suite includes:
//   - Single-threaded allocate and free (baseline)
//   - Concurrent children (one manager per goroutine)
//   - Shared manager (lock contention)
//   - Free fan-out (routing frees through a parent)
//   - Wipe (type-selective bulk release)
//   - Construct (in-place initialisers that re-enter the manager)
//   - Parent budget pressure (refusal rate against a bounded parent)
//
// # Usage
//
// Run all benchmarks:
//
//	go run ./cmd/bench
//
// Tune the workload and dump metrics:
//
//	go run ./cmd/bench --ops 50000 --goroutines 1,4,16 --metrics
//	go run ./cmd/bench --config memmgr.yaml --only 2,3
//
// # Benchmark Details
//
// ## Concurrent Children
// Every goroutine allocates from its own child of the root, so managers
// never contend with each other. Throughput should scale with goroutines.
//
// ## Shared Manager
// Every goroutine allocates from the same manager and serialises on its
// mutex. Compare with Concurrent Children to see the cost of contention.
//
// ## Free Fan-out
// Allocations are made on the last of N children and freed through the
// root, which asks each child in turn. Cost grows with N.
//
// ## Parent Budget Pressure
// A background goroutine keeps filling and draining a bounded parent while
// its children allocate. Child allocations are checked against the parent's
// live bytes, read without the parent's lock, so the refusal rate depends on
// timing.
//
// # See Also
//
// For interactive exploration, see the repl tool.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kianostad/memmgr/internal/config"
	core "github.com/kianostad/memmgr/internal/core"
	"github.com/kianostad/memmgr/internal/logging"
)

var (
	configPath  string
	numOps      int
	goroutines  []int
	only        []int
	dumpMetrics bool
	jsonMetrics bool
)

var rootCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark memory managers",
	Long: `bench runs allocation workloads against a manager tree and prints
throughput for each. The root manager comes from --config or defaults to an
unbounded root with metrics enabled.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML manager tree for the root")
	rootCmd.Flags().IntVar(&numOps, "ops", 10000, "Operations per goroutine")
	rootCmd.Flags().IntSliceVar(&goroutines, "goroutines", []int{1, 2, 4, 8, 16, 32}, "Goroutine counts to try")
	rootCmd.Flags().IntSliceVar(&only, "only", nil, "Run only these benchmark numbers")
	rootCmd.Flags().BoolVar(&dumpMetrics, "metrics", false, "Print metrics in Prometheus format when done")
	rootCmd.Flags().BoolVar(&jsonMetrics, "json", false, "Print metrics as JSON when done")
}

type benchmark struct {
	name string
	run  func(root *core.Manager)
}

var benchmarks = []benchmark{
	{"Single-threaded allocate and free", benchmarkSingleThreaded},
	{"Concurrent children", benchmarkConcurrentChildren},
	{"Shared manager", benchmarkSharedManager},
	{"Free fan-out through parent", benchmarkFreeFanOut},
	{"Wipe", benchmarkWipe},
	{"Construct with re-entrant initialiser", benchmarkConstruct},
	{"Parent budget pressure", benchmarkParentBudget},
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	cfg.LogLevel = "warn"
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return config.Config{}, err
		}
	}
	cfg.Metrics.Enabled = true
	// Children in the file are ignored; each benchmark builds its own.
	cfg.Children = nil
	return cfg, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if numOps <= 0 {
		return fmt.Errorf("--ops must be positive, got %d", numOps)
	}
	if err := checkGoroutines(goroutines); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	root, err := core.NewFromConfig(cfg, core.WithLogger(logger))
	if err != nil {
		return err
	}
	defer root.CloseTree()

	fmt.Println("Memory manager benchmarks")
	fmt.Println("=========================")
	fmt.Printf("root %q, peak %s, %d ops per goroutine\n", cfg.Name, peakString(root.Peak()), numOps)

	for i, b := range benchmarks {
		if len(only) > 0 && !slices.Contains(only, i+1) {
			continue
		}
		fmt.Printf("\n%d. %s\n", i+1, b.name)
		b.run(root)
	}

	mc := root.Metrics()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mc.Flush(ctx); err != nil {
		return err
	}
	s := mc.GetStats()
	fmt.Printf("\nTotal: %s allocated, high water %s, %d peak refusals\n",
		humanize.IBytes(s.Memory.BytesAllocated), humanize.IBytes(s.Memory.HighWater), s.Errors.PeakLimit)

	if dumpMetrics {
		fmt.Println()
		fmt.Print(mc.ExportPrometheus())
	}
	if jsonMetrics {
		fmt.Println()
		fmt.Println(string(mc.ExportJSON()))
	}
	return nil
}

func report(label string, ops int, d time.Duration) {
	fmt.Printf("   %s: %d ops in %v (%.0f ops/sec)\n", label, ops, d, float64(ops)/d.Seconds())
}

func peakString(peak uint64) string {
	if peak == 0 {
		return "unbounded"
	}
	return humanize.IBytes(peak)
}

// scratch creates a child for one benchmark and closes it afterwards.
func scratch(root *core.Manager, name string, fn func(m *core.Manager)) {
	m := root.CreateChild(core.WithName(name))
	defer m.CloseTree()
	fn(m)
}

func benchmarkSingleThreaded(root *core.Manager) {
	scratch(root, "single", func(m *core.Manager) {
		bufs := make([][]int64, numOps)

		start := time.Now()
		for i := range bufs {
			bufs[i], _ = core.Allocate[int64](m, 1+i%64)
		}
		report("Allocate", numOps, time.Since(start))
		fmt.Printf("   Live: %d allocations, %s\n", m.AllocCount(), humanize.IBytes(m.AllocBytes()))

		start = time.Now()
		for _, buf := range bufs {
			core.Free(m, buf)
		}
		report("Free", numOps, time.Since(start))
	})
}

func benchmarkConcurrentChildren(root *core.Manager) {
	for _, n := range goroutines {
		scratch(root, "children", func(m *core.Manager) {
			children := make([]*core.Manager, n)
			for i := range children {
				children[i] = m.CreateChild()
			}

			d := parallel(n, func(g int) {
				c := children[g]
				for j := range numOps {
					buf, _ := core.Allocate[int64](c, 1+j%16)
					core.Free(c, buf)
				}
			})
			report(fmt.Sprintf("%d goroutines", n), n*numOps, d)
		})
	}
}

func benchmarkSharedManager(root *core.Manager) {
	for _, n := range goroutines {
		scratch(root, "shared", func(m *core.Manager) {
			d := parallel(n, func(int) {
				for j := range numOps {
					buf, _ := core.Allocate[int64](m, 1+j%16)
					core.Free(m, buf)
				}
			})
			report(fmt.Sprintf("%d goroutines", n), n*numOps, d)
		})
	}
}

func benchmarkFreeFanOut(root *core.Manager) {
	for _, width := range []int{1, 4, 16, 64} {
		scratch(root, "fanout", func(m *core.Manager) {
			var last *core.Manager
			for range width {
				last = m.CreateChild()
			}

			bufs := make([][]byte, numOps)
			for i := range bufs {
				bufs[i], _ = core.Allocate[byte](last, 32)
			}

			start := time.Now()
			for _, buf := range bufs {
				core.Free(m, buf)
			}
			report(fmt.Sprintf("%d children", width), numOps, time.Since(start))
		})
	}
}

func benchmarkWipe(root *core.Manager) {
	scratch(root, "wipe", func(m *core.Manager) {
		for i := range numOps {
			if i%2 == 0 {
				_, _ = core.Allocate[int32](m, 8)
			} else {
				_, _ = core.Allocate[float64](m, 8)
			}
		}

		start := time.Now()
		n := core.Wipe[int32](m, false)
		d := time.Since(start)
		fmt.Printf("   Wiped %d of %d records in %v, %d remain\n", n, numOps, d, m.AllocCount())
		core.Wipe[float64](m, false)
	})
}

type node struct {
	edges []int32
}

func benchmarkConstruct(root *core.Manager) {
	scratch(root, "construct", func(m *core.Manager) {
		start := time.Now()
		for range numOps {
			_, _ = core.Construct(m, 4, func(n *node) {
				n.edges, _ = core.Allocate[int32](m, 4)
			})
		}
		report("Construct x4 with nested allocate", numOps, time.Since(start))
		fmt.Printf("   Live: %d allocations, %s\n", m.AllocCount(), humanize.IBytes(m.AllocBytes()))
		core.Wipe[int32](m, false)
		core.Wipe[node](m, false)
	})
}

func benchmarkParentBudget(root *core.Manager) {
	const block = 256
	for _, n := range goroutines {
		scratch(root, "budget", func(m *core.Manager) {
			// Children fit only while the parent holds less than one block.
			m.SetPeak(2 * block)
			children := make([]*core.Manager, n)
			for i := range children {
				children[i] = m.CreateChild()
			}

			stop := make(chan struct{})
			var filler sync.WaitGroup
			filler.Add(1)
			go func() {
				defer filler.Done()
				for {
					select {
					case <-stop:
						return
					default:
					}
					a, _ := core.Allocate[byte](m, block)
					b, _ := core.Allocate[byte](m, block)
					core.Free(m, a)
					core.Free(m, b)
				}
			}()

			var mu sync.Mutex
			refused := 0
			d := parallel(n, func(g int) {
				local := 0
				for range numOps {
					buf, err := core.Allocate[byte](children[g], block)
					if err != nil {
						local++
						continue
					}
					core.Free(children[g], buf)
				}
				mu.Lock()
				refused += local
				mu.Unlock()
			})
			close(stop)
			filler.Wait()

			total := n * numOps
			report(fmt.Sprintf("%d goroutines", n), total, d)
			fmt.Printf("      refused %d (%.1f%%)\n", refused, 100*float64(refused)/float64(total))
		})
	}
}

// checkGoroutines rejects an empty --goroutines list and any count below 1.
func checkGoroutines(counts []int) error {
	if len(counts) == 0 {
		return errors.New("--goroutines needs at least one count")
	}
	for _, n := range counts {
		if n <= 0 {
			return fmt.Errorf("--goroutines must be positive, got %d", n)
		}
	}
	return nil
}

// parallel runs fn on n goroutines and returns the wall time.
func parallel(n int, fn func(g int)) time.Duration {
	var wg sync.WaitGroup
	start := time.Now()
	for g := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(g)
		}()
	}
	wg.Wait()
	return time.Since(start)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
