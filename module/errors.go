package module

import "github.com/cockroachdb/errors"

var (
	// ErrInvariantViolated marks a bookkeeping bug in the dependency
	// graph, e.g. destroying a module that still has live dependents.
	// It aborts the offending operation only; the graph is left as-is.
	ErrInvariantViolated = errors.New("module graph invariant violated")
)
