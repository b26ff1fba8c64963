// Package blockdesc decodes and encodes the 32-byte copy-on-write
// mapping entries a store's block-descriptor list is built from, plus
// the 24-byte block-range descriptor used only for free-space
// bookkeeping.
package blockdesc

import (
	"github.com/voxelnight/vshadowstore/bytefmt"
	"github.com/voxelnight/vshadowstore/verrors"
)

const (
	// Size is the on-disk width of one block descriptor.
	Size = 32
	// SectorSize is the overlay-bitmap granularity.
	SectorSize = 512
	// SectorsPerBlock is the store block size divided by SectorSize.
	SectorsPerBlock = 32
	// MaxListEntryNumber is the highest valid ordinal within one owning
	// store block; reaching it forces a block-list chain extension.
	MaxListEntryNumber = 507
)

// Flags classifies what a descriptor's backing offset means.
type Flags uint32

const (
	FlagNormal    Flags = 0
	FlagForwarder Flags = 1
	FlagOverlay   Flags = 2
	FlagTombstone Flags = 4
)

// Descriptor is one copy-on-write mapping entry, plus the out-of-band
// bookkeeping fields the engine maintains alongside it.
type Descriptor struct {
	OriginalOffset int64
	RelativeOffset int64
	Offset         int64
	Flags          Flags
	Bitmap         uint32

	// Out-of-band, not persisted as part of this struct's own 32 bytes
	// (DescriptorLocation/ListEntryNumber are computed by the caller
	// from the owning store block; Overlay is a non-owning link into
	// the same tree).
	DescriptorLocation int64
	ListEntryNumber    int
	Overlay            *Descriptor
}

// IsOverlay reports whether d itself carries the overlay flag.
func (d *Descriptor) IsOverlay() bool { return d.Flags == FlagOverlay }

// IsForwarder reports whether d's backing data lives in a peer store.
func (d *Descriptor) IsForwarder() bool { return d.Flags == FlagForwarder }

// Parse decodes a 32-byte block-descriptor entry. A tombstone
// (Flags==4) or an all-zero entry yields found=false: the reader skips
// the slot (a tombstone marks it unused; an all-zero entry signals
// end-of-list within the containing payload).
func Parse(data []byte) (d *Descriptor, found bool, err error) {
	if len(data) < Size {
		return nil, false, verrors.New(verrors.BadArgument, "blockdesc.Parse", "buffer shorter than descriptor")
	}

	allZero := true
	for _, b := range data[:Size] {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, false, nil
	}

	d = &Descriptor{}
	if d.OriginalOffset, err = bytefmt.Int64(data, 0); err != nil {
		return nil, false, err
	}
	if d.RelativeOffset, err = bytefmt.Int64(data, 8); err != nil {
		return nil, false, err
	}
	if d.Offset, err = bytefmt.Int64(data, 16); err != nil {
		return nil, false, err
	}
	flags, err := bytefmt.Uint32(data, 24)
	if err != nil {
		return nil, false, err
	}
	d.Flags = Flags(flags)
	if d.Bitmap, err = bytefmt.Uint32(data, 28); err != nil {
		return nil, false, err
	}

	if d.Flags == FlagTombstone {
		return nil, false, nil
	}
	return d, true, nil
}

// Encode writes d's 32-byte on-disk representation into out.
func Encode(d *Descriptor, out []byte) error {
	if len(out) < Size {
		return verrors.New(verrors.BadArgument, "blockdesc.Encode", "buffer shorter than descriptor")
	}
	if err := bytefmt.PutInt64(out, 0, d.OriginalOffset); err != nil {
		return err
	}
	if err := bytefmt.PutInt64(out, 8, d.RelativeOffset); err != nil {
		return err
	}
	if err := bytefmt.PutInt64(out, 16, d.Offset); err != nil {
		return err
	}
	if err := bytefmt.PutUint32(out, 24, uint32(d.Flags)); err != nil {
		return err
	}
	return bytefmt.PutUint32(out, 28, d.Bitmap)
}

// RangeSize is the on-disk width of one block-range descriptor.
const RangeSize = 24

// RangeDescriptor is observe-only bookkeeping: its backing extent is
// marked used in the free-space tracker, nothing else (see spec §9 --
// the format's own semantics for this record are unresolved upstream).
type RangeDescriptor struct {
	OriginalOffset int64
	Offset         int64
	Length         int64
}

// ParseRange decodes a 24-byte block-range descriptor. An all-zero
// entry yields found=false, the same end-of-list convention as Parse.
func ParseRange(data []byte) (r *RangeDescriptor, found bool, err error) {
	if len(data) < RangeSize {
		return nil, false, verrors.New(verrors.BadArgument, "blockdesc.ParseRange", "buffer shorter than range descriptor")
	}
	allZero := true
	for _, b := range data[:RangeSize] {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, false, nil
	}

	r = &RangeDescriptor{}
	if r.OriginalOffset, err = bytefmt.Int64(data, 0); err != nil {
		return nil, false, err
	}
	if r.Offset, err = bytefmt.Int64(data, 8); err != nil {
		return nil, false, err
	}
	if r.Length, err = bytefmt.Int64(data, 16); err != nil {
		return nil, false, err
	}
	return r, true, nil
}

// OverlayBit returns the bit value for sector i of a descriptor's
// overlay bitmap. The format is LSB-first (bit i set means sector i is
// overlay-backed), matching the external bitmap-payload convention
// (sector 0 of a word occupies bit 0) and the worked overlay-merge
// example: a bitmap of 0x00000001 designates sector 0 alone as
// overlay-backed. See DESIGN.md for why this supersedes the "high-bit
// first" packing an earlier reading of the write path suggested.
func OverlayBit(sector int) uint32 {
	return 1 << uint(sector)
}

// TestOverlayBit reports whether sector i is marked overlay-backed in
// bitmap.
func TestOverlayBit(bitmap uint32, sector int) bool {
	return bitmap&OverlayBit(sector) != 0
}
