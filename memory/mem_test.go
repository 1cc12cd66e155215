package memory

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestAlign(t *testing.T) {
	tests := []struct {
		in, to, want uint64
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{4095, 4096, 4096},
		{4096, 4096, 4096},
		{4097, 4096, 8192},
	}
	for _, tt := range tests {
		qt.Assert(t, Align(tt.in, tt.to), qt.Equals, tt.want)
	}
}

func TestPagesFor(t *testing.T) {
	tests := []struct {
		size, want uint64
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{3 * PageSize, 3},
	}
	for _, tt := range tests {
		qt.Assert(t, PagesFor(tt.size), qt.Equals, tt.want)
	}
}

func TestProtString(t *testing.T) {
	tests := []struct {
		prot Prot
		want string
	}{
		{PROT_NONE, "---"},
		{PROT_READ, "r--"},
		{PROT_READ | PROT_WRITE, "rw-"},
		{PROT_READ | PROT_EXEC, "r-x"},
		{PROT_ALL, "rwx"},
	}
	for _, tt := range tests {
		qt.Assert(t, tt.prot.String(), qt.Equals, tt.want)
	}
}
