package objfile

import "github.com/cockroachdb/errors"

var (
	ErrMalformedObject = errors.New("malformed object file")
)
