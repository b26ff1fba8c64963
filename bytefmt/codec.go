// Package bytefmt provides the little-endian fixed-width codec the rest
// of the engine decodes on-disk structures with: store-block headers,
// catalog entries, block descriptors, and bitmap payloads are all flat
// byte slices read with these helpers rather than a general-purpose
// serialization library.
package bytefmt

import (
	"encoding/binary"
	"time"

	"github.com/voxelnight/vshadowstore/verrors"
)

// windowsEpochOffset is the number of 100ns intervals between the
// Windows FILETIME epoch (1601-01-01) and the Unix epoch (1970-01-01).
const windowsEpochOffset = 116444736000000000

func need(b []byte, offset, width int) error {
	if offset < 0 || width < 0 || offset+width > len(b) {
		return verrors.New(verrors.BadArgument, "bytefmt", "buffer too short for requested field")
	}
	return nil
}

func Uint16(b []byte, offset int) (uint16, error) {
	if err := need(b, offset, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[offset:]), nil
}

func Uint32(b []byte, offset int) (uint32, error) {
	if err := need(b, offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[offset:]), nil
}

func Uint64(b []byte, offset int) (uint64, error) {
	if err := need(b, offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[offset:]), nil
}

func Int64(b []byte, offset int) (int64, error) {
	v, err := Uint64(b, offset)
	return int64(v), err
}

func PutUint16(b []byte, offset int, v uint16) error {
	if err := need(b, offset, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b[offset:], v)
	return nil
}

func PutUint32(b []byte, offset int, v uint32) error {
	if err := need(b, offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[offset:], v)
	return nil
}

func PutUint64(b []byte, offset int, v uint64) error {
	if err := need(b, offset, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b[offset:], v)
	return nil
}

func PutInt64(b []byte, offset int, v int64) error {
	return PutUint64(b, offset, uint64(v))
}

// GUID copies a 16-byte identifier out of b at offset.
func GUID(b []byte, offset int) ([16]byte, error) {
	var g [16]byte
	if err := need(b, offset, 16); err != nil {
		return g, err
	}
	copy(g[:], b[offset:offset+16])
	return g, nil
}

// PutGUID writes a 16-byte identifier into b at offset.
func PutGUID(b []byte, offset int, g [16]byte) error {
	if err := need(b, offset, 16); err != nil {
		return err
	}
	copy(b[offset:offset+16], g[:])
	return nil
}

// FileTime converts a raw Windows FILETIME (100ns ticks since 1601) to
// a time.Time. The core itself never interprets this value; it is
// exposed only for callers that render it.
func FileTime(v uint64) time.Time {
	if v < windowsEpochOffset {
		return time.Unix(0, 0).UTC()
	}
	unix100ns := int64(v - windowsEpochOffset)
	return time.Unix(unix100ns/1e7, (unix100ns%1e7)*100).UTC()
}

// ToFileTime is the inverse of FileTime, for callers synthesizing raw
// FILETIME values (such as a catalog entry's creation time).
func ToFileTime(t time.Time) uint64 {
	unixNano := t.UnixNano()
	return uint64(unixNano/100) + windowsEpochOffset
}
