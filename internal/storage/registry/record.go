// Licensed under the MIT License. See LICENSE file in the project root for details.

package registry

import (
	"fmt"
	"reflect"
	"unsafe"
)

// ConstructionMode records how the elements of an allocation were built,
// which decides how they are torn down on release.
type ConstructionMode uint8

const (
	// ModeDefault marks storage whose elements were zero-valued at allocation.
	ModeDefault ConstructionMode = iota
	// ModePlacement marks raw storage whose elements were initialised in place
	// after the record was inserted.
	ModePlacement
)

// String returns a short name for the mode.
func (m ConstructionMode) String() string {
	switch m {
	case ModeDefault:
		return "default"
	case ModePlacement:
		return "placement"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// TypeTag identifies the element type of an allocation. Tags compare equal
// only for the identical Go type; the printed name is for diagnostics.
type TypeTag struct {
	t reflect.Type
}

// TagOf returns the tag for T.
func TagOf[T any]() TypeTag {
	return TypeTag{t: reflect.TypeFor[T]()}
}

// String returns the Go type name, e.g. "[]int" or "main.node".
func (tt TypeTag) String() string {
	if tt.t == nil {
		return "<nil>"
	}
	return tt.t.String()
}

// Size is the size in bytes of one element.
func (tt TypeTag) Size() uintptr {
	if tt.t == nil {
		return 0
	}
	return tt.t.Size()
}

// Hooks are the type-specific release steps captured when the record is
// created. Drop destroys and clears the elements in a single pass; Destroy
// and Clear perform the same work as two separate steps.
type Hooks struct {
	Drop    func()
	Destroy func()
	Clear   func()
}

// Record describes one live allocation. Records are not modified after
// they are added to a Registry.
type Record struct {
	Ptr      unsafe.Pointer
	ByteSize uint64
	Count    uint64
	Type     TypeTag
	Mode     ConstructionMode
	Hooks    Hooks
}

func (r *Record) String() string {
	return fmt.Sprintf("{ptr %p, count %d, bytes %d, type %s, mode %s}",
		r.Ptr, r.Count, r.ByteSize, r.Type, r.Mode)
}
