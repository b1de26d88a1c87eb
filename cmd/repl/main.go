// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides an interactive shell for exploring a manager tree.
//
// Each line typed at the prompt is a command run against the current
// manager. Allocations are remembered by a small integer id so they can be
// freed later, from any manager above the one that made them.
//
// # Usage
//
// Start the shell:
//
//	go run ./cmd/repl
//	go run ./cmd/repl --config memmgr.yaml --log-level debug
//
// Available commands:
//
//	alloc <type> <n>     - Allocate n zero-valued elements
//	new <type> <n>       - Construct n elements in place
//	free <id>            - Free an allocation through the current manager
//	wipe <type> [deep]   - Free every allocation of a type
//	child [name]         - Create a child of the current manager
//	use <name|..>        - Switch to a named manager, or to the parent
//	peak <size>          - Set the current manager's peak ("0" = unbounded)
//	trace                - Print the current manager's allocations
//	stats                - Print a summary of every manager
//	metrics              - Print metrics in Prometheus format
//	quit, exit           - Exit the shell
//
// Types are byte, int32, int64, float64 and string.
//
// Example session:
//
//	root> peak 1KiB
//	peak 1.0 KiB
//	root> child req
//	created req
//	root> use req
//	req> alloc int64 200
//	error: allocate 200 x int64 (1600 bytes) on "root": parent "root" has 0 of 1024 bytes in use: peak limit reached
//	req> alloc int64 100
//	#1 800 B
//	req> use ..
//	root> free 1
//	freed #1
//
// # Dangers and Warnings
//
//   - **Interactive Use**: The shell is single-threaded and meant for exploration.
//   - **Stale Ids**: Ids of allocations removed by wipe stay listed until freed.
//
// # See Also
//
// For throughput testing, see the bench tool.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kianostad/memmgr/internal/config"
	core "github.com/kianostad/memmgr/internal/core"
	"github.com/kianostad/memmgr/internal/logging"
)

var (
	configPath string
	logLevel   string
	peakFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive shell for a memory manager tree",
	Long: `repl starts an interactive shell over a tree of memory managers.
The tree is read from a YAML config file or is a single unbounded root.

Example:
  repl
  repl --peak "64 MiB"
  repl --config memmgr.yaml --log-level debug`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML manager tree")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error, off)")
	rootCmd.Flags().StringVar(&peakFlag, "peak", "", "Peak for the root manager, e.g. \"64 MiB\"")
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return config.Config{}, err
		}
	}
	if peakFlag != "" {
		n, err := humanize.ParseBytes(peakFlag)
		if err != nil {
			return config.Config{}, fmt.Errorf("--peak: %w", err)
		}
		cfg.Peak = config.ByteSize(n)
	}
	cfg.Metrics.Enabled = true
	return cfg, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.NewDevelopment(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	root, err := core.NewFromConfig(cfg, core.WithLogger(logger))
	if err != nil {
		return err
	}
	defer root.CloseTree()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nReceived shutdown signal. Closing managers...")
		root.CloseTree()
		os.Exit(0)
	}()

	s := newSession(root, os.Stdout)
	fmt.Println("Memory manager shell. Type help for commands.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Printf("%s> ", s.current.Name())
		if !scanner.Scan() {
			break
		}
		if quit := s.exec(scanner.Text()); quit {
			fmt.Println("Goodbye!")
			break
		}
	}
	return scanner.Err()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
