package storeblock

import (
	"github.com/voxelnight/vshadowstore/bytefmt"
	"github.com/voxelnight/vshadowstore/verrors"
)

// CatalogEntrySize is the fixed width of one catalog entry.
const CatalogEntrySize = 128

// CatalogEntryType is the discriminator at byte 0 of a catalog entry.
type CatalogEntryType uint64

const (
	CatalogEntryPadding  CatalogEntryType = 0
	CatalogEntryEnd      CatalogEntryType = 1
	CatalogEntryIdentity CatalogEntryType = 2
	CatalogEntryOffsets  CatalogEntryType = 3
)

// CatalogEntry is the union of the fields a type-2 or type-3 catalog
// entry contributes to a store descriptor. Zero value fields mean "not
// set by this entry" -- callers ingest a stream of entries and merge.
type CatalogEntry struct {
	Type CatalogEntryType

	// Type 2
	VolumeSize   uint64
	Identifier   [16]byte
	CreationTime uint64

	// Type 3
	StoreBlockListOffset      int64
	StoreHeaderOffset         int64
	StoreBlockRangeListOffset int64
	StoreBitmapOffset         int64
	StoreInode                uint64
	AllocatedSize             uint64
	StorePreviousBitmapOffset int64
}

// ParseCatalogEntry decodes a 128-byte catalog entry. Types 0 and 1 are
// padding/end markers and decode successfully with only Type set. Any
// other type is a BadFormat error.
func ParseCatalogEntry(data []byte) (*CatalogEntry, error) {
	if len(data) < CatalogEntrySize {
		return nil, verrors.New(verrors.BadArgument, "storeblock.ParseCatalogEntry", "buffer shorter than catalog entry")
	}

	rawType, err := bytefmt.Uint64(data, 0)
	if err != nil {
		return nil, err
	}
	entryType := CatalogEntryType(rawType)

	e := &CatalogEntry{Type: entryType}

	switch entryType {
	case CatalogEntryPadding, CatalogEntryEnd:
		return e, nil
	case CatalogEntryIdentity:
		if e.VolumeSize, err = bytefmt.Uint64(data, 8); err != nil {
			return nil, err
		}
		if e.Identifier, err = bytefmt.GUID(data, 16); err != nil {
			return nil, err
		}
		if e.CreationTime, err = bytefmt.Uint64(data, 48); err != nil {
			return nil, err
		}
		return e, nil
	case CatalogEntryOffsets:
		if e.StoreBlockListOffset, err = bytefmt.Int64(data, 8); err != nil {
			return nil, err
		}
		if e.Identifier, err = bytefmt.GUID(data, 16); err != nil {
			return nil, err
		}
		if e.StoreHeaderOffset, err = bytefmt.Int64(data, 32); err != nil {
			return nil, err
		}
		if e.StoreBlockRangeListOffset, err = bytefmt.Int64(data, 40); err != nil {
			return nil, err
		}
		if e.StoreBitmapOffset, err = bytefmt.Int64(data, 48); err != nil {
			return nil, err
		}
		if e.StoreInode, err = bytefmt.Uint64(data, 56); err != nil {
			return nil, err
		}
		if e.AllocatedSize, err = bytefmt.Uint64(data, 64); err != nil {
			return nil, err
		}
		if e.StorePreviousBitmapOffset, err = bytefmt.Int64(data, 72); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, verrors.New(verrors.BadFormat, "storeblock.ParseCatalogEntry", "unsupported catalog entry type")
	}
}
