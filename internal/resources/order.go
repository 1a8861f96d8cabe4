package resources

// Comparison is the result of comparing two resource bags under a
// Comparator. It deliberately mirrors a three-way comparison rather than a
// boolean "greater" predicate because the dominance relation is a partial
// order: two bags can be genuinely incomparable.
type Comparison int

const (
	Less    Comparison = -1
	Equal   Comparison = 0
	Greater Comparison = 1
)

// Comparator orders two resource bags. It is a first-class value rather
// than a method on Bag so the dominance rule below can be swapped out —
// e.g. for a dominant-resource-fairness ordering — without touching any
// caller.
type Comparator func(l, r Bag) Comparison

// DominanceComparator implements the componentwise partial order over the
// union of the two bags' keys (missing entries treated as zero):
//
//   - all per-key deltas zero                       -> Equal
//   - all deltas >= 0, at least one > 0              -> Greater (l dominates r)
//   - all deltas <= 0, at least one < 0              -> Less (r dominates l)
//   - mixed signs                                    -> Equal (tie)
//
// The mixed-sign tie is intentional: it turns the dominance relation into a
// total preorder, which is what a stable sort needs, while still
// preserving the dominance property preemption ranking relies on. See
// DESIGN.md for the dominant-resource-fairness open question this ties to.
func DominanceComparator(l, r Bag) Comparison {
	keys := map[string]struct{}{}
	for k := range l.Resources {
		keys[k] = struct{}{}
	}
	for k := range r.Resources {
		keys[k] = struct{}{}
	}

	sawPositive := false
	sawNegative := false
	for k := range keys {
		lv := l.ValueOf(k)
		rv := r.ValueOf(k)
		c := lv.Cmp(rv)
		switch {
		case c > 0:
			sawPositive = true
		case c < 0:
			sawNegative = true
		}
	}

	switch {
	case !sawPositive && !sawNegative:
		return Equal
	case sawPositive && !sawNegative:
		return Greater
	case sawNegative && !sawPositive:
		return Less
	default:
		return Equal
	}
}

// SortDescending sorts bags by cmp in descending order (largest-dominating
// first), preserving input order among ties — required by the preemption
// filter's "largest-freeable-first, ties preserve input order" rule.
// Implemented as an explicit stable insertion rather than sort.SliceStable
// with a Less closure, since Comparison is three-valued and a boolean Less
// derived from it ("cmp(a,b) == Greater") is exactly stable sort's contract;
// spelling it out here keeps the partial-order semantics visible at the
// call site instead of hidden behind a derived Less.
func SortDescending[T any](items []T, bagOf func(T) Bag, cmp Comparator) {
	n := len(items)
	for i := 1; i < n; i++ {
		j := i
		for j > 0 && cmp(bagOf(items[j]), bagOf(items[j-1])) == Greater {
			items[j], items[j-1] = items[j-1], items[j]
			j--
		}
	}
}
