// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/kianostad/memmgr/internal/storage/registry"
)

// TraceEntry describes one live allocation.
type TraceEntry struct {
	Ptr      uintptr
	Count    uint64
	ByteSize uint64
	Type     string
	Mode     registry.ConstructionMode
}

// Trace returns m's live allocations in the order they were made.
func (m *Manager) Trace() []TraceEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]TraceEntry, 0, m.registry.Len())
	m.registry.Each(func(rec *registry.Record) bool {
		entries = append(entries, TraceEntry{
			Ptr:      uintptr(rec.Ptr),
			Count:    rec.Count,
			ByteSize: rec.ByteSize,
			Type:     rec.Type.String(),
			Mode:     rec.Mode,
		})
		return true
	})
	return entries
}

// PrintTrace writes a table of m's live allocations to w. The format is
// meant for people and may change.
// The header totals come from the same snapshot as the rows.
func (m *Manager) PrintTrace(w io.Writer) error {
	entries := m.Trace()

	var total uint64
	for _, e := range entries {
		total += e.ByteSize
	}
	if _, err := fmt.Fprintf(w, "manager %s: %d allocations, %s\n",
		m.name, len(entries), humanize.IBytes(total)); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PTR\tCOUNT\tBYTES\tSIZE\tTYPE\tMODE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%#x\t%d\t%d\t%s\t%s\t%s\n",
			e.Ptr, e.Count, e.ByteSize, humanize.IBytes(e.ByteSize), e.Type, e.Mode)
	}
	return tw.Flush()
}
