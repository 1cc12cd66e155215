package namespace

import "github.com/cockroachdb/errors"

var (
	ErrUnresolvedSymbol      = errors.New("unresolved symbol")
	ErrDuplicateSymbol       = errors.New("duplicate symbol")
	ErrUnsupportedRelocation = errors.New("unsupported relocation kind")
	ErrRelocationOutOfRange  = errors.New("relocation value out of range")
)
