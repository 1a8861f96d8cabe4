// Package resources implements the resource algebra described by the
// scheduler core: named scalar resource vectors, componentwise addition,
// filtering, and the partial order used to rank preemption candidates.
package resources

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
)

// CPU, Memory, Disk and Ports are the resource kinds the scheduler core
// knows about. RevocableCPU is the revocable-tagged counterpart of CPU.
const (
	CPU          = "cpu"
	Memory       = "memory"
	Disk         = "disk"
	Ports        = "ports"
	RevocableCPU = "revocable-cpu"
)

// Bag is a mapping from resource kind to a scalar amount, backed by
// k8s.io/apimachinery's arbitrary-precision Quantity so repeated add/sub/
// compare chains never drift the way floats would.
type Bag struct {
	Resources map[string]resource.Quantity
}

// NewBag builds a Bag from plain int64 values, interpreted in the
// resource's natural unit (cores, bytes, bytes, port count).
func NewBag(values map[string]int64) Bag {
	b := Bag{Resources: make(map[string]resource.Quantity, len(values))}
	for k, v := range values {
		b.Resources[k] = *resource.NewQuantity(v, resource.DecimalSI)
	}
	return b
}

// Empty returns a Bag with zero entries.
func Empty() Bag {
	return Bag{Resources: map[string]resource.Quantity{}}
}

func (b *Bag) initialise() {
	if b.Resources == nil {
		b.Resources = make(map[string]resource.Quantity)
	}
}

// ValueOf returns the amount of the given kind, zero if absent.
func (b Bag) ValueOf(kind string) resource.Quantity {
	if b.Resources == nil {
		return resource.Quantity{}
	}
	return b.Resources[kind]
}

// Add returns a new Bag equal to b + other, leaving both inputs untouched.
func (b Bag) Add(other Bag) Bag {
	out := b.DeepCopy()
	out.initialise()
	for k, v := range other.Resources {
		cur := out.Resources[k]
		cur.Add(v)
		out.Resources[k] = cur
	}
	return out
}

// Sub returns a new Bag equal to b - other, leaving both inputs untouched.
func (b Bag) Sub(other Bag) Bag {
	out := b.DeepCopy()
	out.initialise()
	for k, v := range other.Resources {
		cur := out.Resources[k]
		cur.Sub(v)
		out.Resources[k] = cur
	}
	return out
}

// Filter returns a new Bag containing only the (kind, value) pairs for
// which predicate returns true.
func (b Bag) Filter(predicate func(kind string, value resource.Quantity) bool) Bag {
	out := Empty()
	for k, v := range b.Resources {
		if predicate(k, v) {
			out.Resources[k] = v.DeepCopy()
		}
	}
	return out
}

// ForEach iterates over (kind, value) pairs in a deterministic, sorted-by-
// name order so callers building strings or logs get stable output.
func (b Bag) ForEach(fn func(kind string, value resource.Quantity)) {
	kinds := make([]string, 0, len(b.Resources))
	for k := range b.Resources {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fn(k, b.Resources[k])
	}
}

// IsRevocable reports whether kind is a revocable resource. RevocableCPU is
// the only revocable kind; it is compressible and cannot back a
// non-revocable claim.
func IsRevocable(kind string) bool {
	return kind == RevocableCPU
}

// StripRevocableCPU returns a copy of b with RevocableCPU zeroed out. Used
// when computing the freeable resources of a revocable-tier victim: its
// revocable CPU cannot back a non-revocable claim, but its other resources
// (memory, disk, ports) still can.
func (b Bag) StripRevocableCPU() Bag {
	out := b.DeepCopy()
	out.initialise()
	if _, ok := out.Resources[RevocableCPU]; ok {
		out.Resources[RevocableCPU] = resource.Quantity{}
	}
	return out
}

// DeepCopy returns an independent copy of b.
func (b Bag) DeepCopy() Bag {
	if b.Resources == nil {
		return Bag{}
	}
	out := Bag{Resources: make(map[string]resource.Quantity, len(b.Resources))}
	for k, v := range b.Resources {
		out.Resources[k] = v.DeepCopy()
	}
	return out
}

// IsStrictlyLessOrEqual reports whether every quantity in b is less than
// or equal to the corresponding quantity in other, for every kind present
// in other. Mirrors the teacher's ResourceList.IsStrictlyLessOrEqual.
func (b Bag) IsStrictlyLessOrEqual(other Bag) bool {
	for k, v := range other.Resources {
		if v.Cmp(b.ValueOf(k)) == -1 {
			return false
		}
	}
	return true
}

// IsZero reports whether every entry in b is zero.
func (b Bag) IsZero() bool {
	for _, v := range b.Resources {
		if !v.IsZero() {
			return false
		}
	}
	return true
}

// Equal reports whether a and b carry the same amount for every kind
// present in either.
func (a Bag) Equal(b Bag) bool {
	for k, v := range a.Resources {
		if v.Cmp(b.ValueOf(k)) != 0 {
			return false
		}
	}
	for k, v := range b.Resources {
		if v.Cmp(a.ValueOf(k)) != 0 {
			return false
		}
	}
	return true
}

func (b Bag) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	first := true
	b.ForEach(func(kind string, value resource.Quantity) {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(fmt.Sprintf("%s: %s", kind, value.String()))
	})
	sb.WriteString("}")
	return sb.String()
}
