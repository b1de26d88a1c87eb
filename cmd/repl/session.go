// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	core "github.com/kianostad/memmgr/internal/core"
)

// errQuit ends the session.
var errQuit = errors.New("quit")

// kind binds a type name to the generic allocator operations.
type kind struct {
	alloc     func(m *core.Manager, n int) (any, unsafe.Pointer, error)
	construct func(m *core.Manager, n int) (any, unsafe.Pointer, error)
	wipe      func(m *core.Manager, deep bool) int
}

func kindOf[T any](seed func(i int) T) kind {
	return kind{
		alloc: func(m *core.Manager, n int) (any, unsafe.Pointer, error) {
			buf, err := core.Allocate[T](m, n)
			return buf, unsafe.Pointer(unsafe.SliceData(buf)), err
		},
		construct: func(m *core.Manager, n int) (any, unsafe.Pointer, error) {
			i := 0
			buf, err := core.Construct(m, n, func(p *T) {
				*p = seed(i)
				i++
			})
			return buf, unsafe.Pointer(unsafe.SliceData(buf)), err
		},
		wipe: func(m *core.Manager, deep bool) int {
			return core.Wipe[T](m, deep)
		},
	}
}

var kinds = map[string]kind{
	"byte":    kindOf(func(i int) byte { return byte(i) }),
	"int32":   kindOf(func(i int) int32 { return int32(i) }), // #nosec G115
	"int64":   kindOf(func(i int) int64 { return int64(i) }),
	"float64": kindOf(func(i int) float64 { return float64(i) }),
	"string":  kindOf(strconv.Itoa),
}

func kindNames() string {
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}

// handle remembers an allocation made in the session.
type handle struct {
	buf   any
	ptr   unsafe.Pointer
	typ   string
	owner string
}

type session struct {
	root    *core.Manager
	current *core.Manager
	out     io.Writer
	handles map[int]handle
	nextID  int
	cmd     *cobra.Command
}

func newSession(root *core.Manager, out io.Writer) *session {
	s := &session{
		root:    root,
		current: root,
		out:     out,
		handles: make(map[int]handle),
		nextID:  1,
	}
	s.cmd = s.commands()
	return s
}

// exec runs one input line and reports whether the session should end.
// Errors are printed, not returned.
func (s *session) exec(line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}

	s.cmd.SetArgs(args)
	err := s.cmd.Execute()
	resetHelp(s.cmd)
	switch {
	case errors.Is(err, errQuit):
		return true
	case err != nil:
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
	return false
}

func (s *session) commands() *cobra.Command {
	root := &cobra.Command{
		Use:           "shell",
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.SetOut(s.out)
	root.SetErr(s.out)

	root.AddCommand(
		&cobra.Command{
			Use:   "alloc <type> <n>",
			Short: "Allocate n zero-valued elements",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				return s.allocate(args[0], args[1], false)
			},
		},
		&cobra.Command{
			Use:   "new <type> <n>",
			Short: "Construct n elements in place",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				return s.allocate(args[0], args[1], true)
			},
		},
		&cobra.Command{
			Use:   "free <id>",
			Short: "Free an allocation through the current manager",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return s.free(args[0])
			},
		},
		&cobra.Command{
			Use:   "wipe <type> [deep]",
			Short: "Free every allocation of a type",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(_ *cobra.Command, args []string) error {
				deep := len(args) == 2 && args[1] == "deep"
				return s.wipe(args[0], deep)
			},
		},
		&cobra.Command{
			Use:   "child [name]",
			Short: "Create a child of the current manager",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				var opts []core.Option
				if len(args) == 1 {
					if find(s.root, args[0]) != nil {
						return fmt.Errorf("manager %q already exists", args[0])
					}
					opts = append(opts, core.WithName(args[0]))
				}
				c := s.current.CreateChild(opts...)
				fmt.Fprintf(s.out, "created %s\n", c.Name())
				return nil
			},
		},
		&cobra.Command{
			Use:   "use <name|..>",
			Short: "Switch to a named manager, or to the parent",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return s.use(args[0])
			},
		},
		&cobra.Command{
			Use:   "peak <size>",
			Short: "Set the current manager's peak",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				n, err := humanize.ParseBytes(args[0])
				if err != nil {
					return err
				}
				s.current.SetPeak(n)
				if n == 0 {
					fmt.Fprintln(s.out, "peak unbounded")
				} else {
					fmt.Fprintf(s.out, "peak %s\n", humanize.IBytes(n))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "trace",
			Short: "Print the current manager's allocations",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return s.current.PrintTrace(s.out)
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print a summary of every manager",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				s.printStats(s.root, 0)
				return nil
			},
		},
		&cobra.Command{
			Use:   "metrics",
			Short: "Print metrics in Prometheus format",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				mc := s.root.Metrics()
				if mc == nil {
					return errors.New("metrics are disabled")
				}
				fmt.Fprint(s.out, mc.ExportPrometheus())
				return nil
			},
		},
		&cobra.Command{
			Use:     "quit",
			Aliases: []string{"exit"},
			Short:   "Exit the shell",
			RunE: func(_ *cobra.Command, _ []string) error {
				return errQuit
			},
		},
	)
	return root
}

func (s *session) allocate(typ, count string, construct bool) error {
	k, ok := kinds[typ]
	if !ok {
		return fmt.Errorf("unknown type %q (have %s)", typ, kindNames())
	}
	n, err := strconv.Atoi(count)
	if err != nil {
		return fmt.Errorf("count: %w", err)
	}

	op := k.alloc
	if construct {
		op = k.construct
	}
	buf, ptr, err := op(s.current, n)
	if err != nil {
		return err
	}

	id := s.nextID
	s.nextID++
	s.handles[id] = handle{buf: buf, ptr: ptr, typ: typ, owner: s.current.Name()}

	rec, _ := s.current.Lookup(ptr)
	fmt.Fprintf(s.out, "#%d %s\n", id, humanize.IBytes(rec.ByteSize))
	return nil
}

func (s *session) free(arg string) error {
	id, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
	if err != nil {
		return fmt.Errorf("id: %w", err)
	}
	h, ok := s.handles[id]
	if !ok {
		return fmt.Errorf("no allocation #%d", id)
	}

	if !s.current.FreePointer(h.ptr) {
		return fmt.Errorf("#%d (%s on %s) is not owned by %s or its children", id, h.typ, h.owner, s.current.Name())
	}
	delete(s.handles, id)
	fmt.Fprintf(s.out, "freed #%d\n", id)
	return nil
}

func (s *session) wipe(typ string, deep bool) error {
	k, ok := kinds[typ]
	if !ok {
		return fmt.Errorf("unknown type %q (have %s)", typ, kindNames())
	}
	n := k.wipe(s.current, deep)
	fmt.Fprintf(s.out, "wiped %d\n", n)
	return nil
}

func (s *session) use(name string) error {
	if name == ".." {
		p := s.current.Parent()
		if p == nil {
			return fmt.Errorf("%s has no parent", s.current.Name())
		}
		s.current = p
		return nil
	}

	m := find(s.root, name)
	if m == nil {
		return fmt.Errorf("no manager named %q", name)
	}
	s.current = m
	return nil
}

func (s *session) printStats(m *core.Manager, depth int) {
	marker := " "
	if m == s.current {
		marker = "*"
	}
	fmt.Fprintf(s.out, "%s%s%s\n", marker, strings.Repeat("  ", depth), m.Stats())
	for _, c := range m.Children() {
		s.printStats(c, depth+1)
	}
}

// resetHelp clears -h so it does not stick to the next line.
func resetHelp(cmd *cobra.Command) {
	if f := cmd.Flags().Lookup("help"); f != nil && f.Changed {
		_ = f.Value.Set("false")
		f.Changed = false
	}
	for _, c := range cmd.Commands() {
		resetHelp(c)
	}
}

// find searches the tree below m for a manager by name.
func find(m *core.Manager, name string) *core.Manager {
	if m.Name() == name {
		return m
	}
	for _, c := range m.Children() {
		if found := find(c, name); found != nil {
			return found
		}
	}
	return nil
}
