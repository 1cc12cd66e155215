package swap

import "github.com/cockroachdb/errors"

var (
	// ErrModuleInUse is returned when an unload or swap target still has
	// live dependents outside itself.
	ErrModuleInUse = errors.New("module still in use")

	// ErrInconsistentSwapTarget is returned when a replacement module does
	// not export a counterpart for a symbol that live dependents of the old
	// module rely on.
	ErrInconsistentSwapTarget = errors.New("inconsistent swap target")
)
