package namespace

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/helix-os/modlink/objfile"
)

// WriteRelocation computes the value for one relocation and writes it into
// b, which must cover the patched field. siteAddr is the virtual address the
// patched field will have at run time; targetAddr and targetSize describe
// the referenced symbol.
//
// Values that do not fit the field width fail with ErrRelocationOutOfRange;
// kinds outside the supported x86-64 set fail with ErrUnsupportedRelocation.
func WriteRelocation(kind objfile.RelocKind, b []byte, siteAddr, targetAddr, targetSize uint64, addend int64) error {
	if w := kind.Width(); w == 0 || uint64(len(b)) < w {
		if w == 0 {
			return errors.Wrapf(ErrUnsupportedRelocation, "%v", kind)
		}
		return errors.Wrapf(ErrRelocationOutOfRange, "%v field of %d bytes exceeds section bounds", kind, w)
	}

	switch kind {
	case objfile.R_ABS64:
		binary.LittleEndian.PutUint64(b, targetAddr+uint64(addend))
	case objfile.R_ABS32:
		v := targetAddr + uint64(addend)
		if v > math.MaxUint32 {
			return errors.Wrapf(ErrRelocationOutOfRange, "%v value %#x", kind, v)
		}
		binary.LittleEndian.PutUint32(b, uint32(v))
	case objfile.R_ABS32S:
		v := int64(targetAddr) + addend
		if v < math.MinInt32 || v > math.MaxInt32 {
			return errors.Wrapf(ErrRelocationOutOfRange, "%v value %#x", kind, v)
		}
		binary.LittleEndian.PutUint32(b, uint32(v))
	case objfile.R_PC32, objfile.R_PLT32:
		v := int64(targetAddr) + addend - int64(siteAddr)
		if v < math.MinInt32 || v > math.MaxInt32 {
			return errors.Wrapf(ErrRelocationOutOfRange, "%v displacement %#x", kind, v)
		}
		binary.LittleEndian.PutUint32(b, uint32(v))
	case objfile.R_PC64:
		binary.LittleEndian.PutUint64(b, uint64(int64(targetAddr)+addend-int64(siteAddr)))
	case objfile.R_SIZE32:
		v := int64(targetSize) + addend
		if v < 0 || v > math.MaxUint32 {
			return errors.Wrapf(ErrRelocationOutOfRange, "%v size %#x", kind, v)
		}
		binary.LittleEndian.PutUint32(b, uint32(v))
	case objfile.R_SIZE64:
		binary.LittleEndian.PutUint64(b, uint64(int64(targetSize)+addend))
	default:
		return errors.Wrapf(ErrUnsupportedRelocation, "%v", kind)
	}
	return nil
}
