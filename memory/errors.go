package memory

import "github.com/cockroachdb/errors"

var (
	ErrOutOfMemory = errors.New("out of memory")
)
