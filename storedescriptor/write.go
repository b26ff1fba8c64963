package storedescriptor

import (
	"github.com/voxelnight/vshadowstore/blockdesc"
	"github.com/voxelnight/vshadowstore/storeblock"
	"github.com/voxelnight/vshadowstore/verrors"
)

// Write mutates this store's on-disk copy-on-write structures so a
// subsequent Read under the same active reproduces buf. Single-block
// bounded: writes at most one 16 KiB chunk per call, returning the
// number of bytes actually consumed from buf.
func (sd *StoreDescriptor) Write(buf []byte, offset int64, active *StoreDescriptor) (int, error) {
	if err := sd.ensureDrained(); err != nil {
		return 0, err
	}

	sd.mu.Lock()
	defer sd.mu.Unlock()

	if sd.runs == nil {
		return 0, verrors.New(verrors.Internal, "storedescriptor.Write", "descriptor has no free-space tracker attached")
	}

	chunk := offset &^ (int64(storeblock.Size) - 1)
	rel := int(offset - chunk)
	writeSize := len(buf)
	if max := storeblock.Size - rel; writeSize > max {
		writeSize = max
	}
	data := buf[:writeSize]

	d, found := sd.tree.Forward(chunk)
	if !found {
		return sd.writeCaseB(data, chunk, rel, writeSize, active)
	}
	if writeSize == storeblock.Size {
		return sd.writeFullOverwrite(data, d)
	}
	return sd.writePartialOverwrite(data, d, chunk, rel, writeSize, active)
}

// writeFullOverwrite implements case A1: the incoming write covers the
// whole 16 KiB chunk a descriptor already maps.
func (sd *StoreDescriptor) writeFullOverwrite(data []byte, d *blockdesc.Descriptor) (int, error) {
	if d.Offset == 0 {
		newOffset := sd.runs.GetNextFree()
		if newOffset == 0 {
			return 0, verrors.New(verrors.OutOfSpace, "storedescriptor.Write", "free-space tracker exhausted")
		}
		d.Offset = newOffset
		d.RelativeOffset = newOffset - sd.StoreHeaderOffset
	}

	if _, err := sd.io.WriteAt(data, d.Offset); err != nil {
		return 0, verrors.Wrap(verrors.IO, "storedescriptor.Write", err)
	}

	if d.Flags != blockdesc.FlagNormal {
		d.Flags = blockdesc.FlagNormal
		d.Bitmap = 0
	}
	if err := sd.tombstoneOverlay(d); err != nil {
		return 0, err
	}
	if err := sd.persistDescriptor(d); err != nil {
		return 0, err
	}
	return storeblock.Size, nil
}

// writePartialOverwrite implements case A2's three sub-cases: a plain
// normal descriptor with no overlay writes in place; a normal
// descriptor with an overlay composes-splices-rewrites and tombstones
// the overlay; anything else (overlay, forwarder, or other) composes,
// splices, builds or merges an overlay bitmap, and zeroes the sectors
// the merged bitmap does not cover.
func (sd *StoreDescriptor) writePartialOverwrite(data []byte, d *blockdesc.Descriptor, chunk int64, rel, writeSize int, active *StoreDescriptor) (int, error) {
	normal := d.Flags == blockdesc.FlagNormal

	if normal && d.Overlay == nil {
		if _, err := sd.io.WriteAt(data, d.Offset+int64(rel)); err != nil {
			return 0, verrors.Wrap(verrors.IO, "storedescriptor.Write", err)
		}
		return writeSize, nil
	}

	compose := make([]byte, storeblock.Size)
	if err := sd.composeBlockLocked(compose, chunk, sd); err != nil {
		return 0, err
	}
	copy(compose[rel:rel+writeSize], data)

	if normal {
		if _, err := sd.io.WriteAt(compose, d.Offset); err != nil {
			return 0, verrors.Wrap(verrors.IO, "storedescriptor.Write", err)
		}
		if err := sd.tombstoneOverlay(d); err != nil {
			return 0, err
		}
		return writeSize, nil
	}

	newBitmap := sectorBitmap(rel, writeSize)
	merged := newBitmap
	if d.IsOverlay() {
		merged |= d.Bitmap
	}

	if d.IsForwarder() {
		newOffset := sd.runs.GetNextFree()
		if newOffset == 0 {
			return 0, verrors.New(verrors.OutOfSpace, "storedescriptor.Write", "free-space tracker exhausted")
		}
		d.Offset = newOffset
		d.RelativeOffset = newOffset - sd.StoreHeaderOffset
	}
	d.Flags = blockdesc.FlagOverlay
	d.Bitmap = merged
	zeroUnmarked(compose, merged)

	if _, err := sd.io.WriteAt(compose, d.Offset); err != nil {
		return 0, verrors.Wrap(verrors.IO, "storedescriptor.Write", err)
	}
	if err := sd.tombstoneOverlay(d); err != nil {
		return 0, err
	}
	if err := sd.persistDescriptor(d); err != nil {
		return 0, err
	}
	return writeSize, nil
}

// writeCaseB implements case B: no descriptor covers chunk at all, so
// a new extent is allocated and a new descriptor is appended to the
// block-descriptor-list chain.
func (sd *StoreDescriptor) writeCaseB(data []byte, chunk int64, rel, writeSize int, active *StoreDescriptor) (int, error) {
	newOffset := sd.runs.GetNextFree()
	if newOffset == 0 {
		return 0, verrors.New(verrors.OutOfSpace, "storedescriptor.Write", "free-space tracker exhausted")
	}

	anchor := sd.StoreHeaderOffset
	if n := len(sd.blockDescriptorsList); n > 0 {
		last := sd.blockDescriptorsList[n-1]
		anchor = last.Offset - last.RelativeOffset
	}
	relativeOffset := newOffset - anchor

	payload := make([]byte, storeblock.Size)
	flags := blockdesc.FlagNormal
	var bitmap uint32

	if writeSize == storeblock.Size {
		copy(payload, data)
	} else {
		if err := sd.composeBlockLocked(payload, chunk, active); err != nil {
			return 0, err
		}
		copy(payload[rel:rel+writeSize], data)
		flags = blockdesc.FlagOverlay
		bitmap = sectorBitmap(rel, writeSize)
		zeroUnmarked(payload, bitmap)
	}

	if _, err := sd.io.WriteAt(payload, newOffset); err != nil {
		return 0, verrors.Wrap(verrors.IO, "storedescriptor.Write", err)
	}

	d := &blockdesc.Descriptor{OriginalOffset: chunk, RelativeOffset: relativeOffset, Offset: newOffset, Flags: flags, Bitmap: bitmap}
	entryBuf := make([]byte, blockdesc.Size)
	if err := blockdesc.Encode(d, entryBuf); err != nil {
		return 0, err
	}

	location, listEntryNumber, err := sd.blocklistMgr.Append(entryBuf)
	if err != nil {
		return 0, err
	}
	d.DescriptorLocation = location
	d.ListEntryNumber = listEntryNumber

	sd.tree.Insert(d)
	sd.blockDescriptorsList = append(sd.blockDescriptorsList, d)

	return writeSize, nil
}

// composeBlockLocked reads a full 16 KiB chunk through this store's
// own overlay-aware read path, for splicing new bytes into an existing
// mapping's payload. Callers must already hold the write lock; this
// reuses the lock-free read helpers directly rather than recursing
// into Read (which would deadlock re-acquiring the read lock).
func (sd *StoreDescriptor) composeBlockLocked(dst []byte, chunk int64, active *StoreDescriptor) error {
	total := 0
	for total < len(dst) {
		n, err := sd.readBlock(dst[total:], chunk, total, len(dst)-total, active)
		if err != nil {
			return err
		}
		if n <= 0 {
			return verrors.New(verrors.Internal, "storedescriptor.Write", "no progress made while composing block")
		}
		total += n
	}
	return nil
}

// tombstoneOverlay zeroes a descriptor's paired overlay's backing
// extent, marks it a tombstone on disk, and detaches the in-memory
// link. Captures the overlay reference before detaching it, unlike the
// source this is grounded on (see DESIGN.md).
func (sd *StoreDescriptor) tombstoneOverlay(d *blockdesc.Descriptor) error {
	overlay := d.Overlay
	if overlay == nil {
		return nil
	}

	zero := make([]byte, storeblock.Size)
	if _, err := sd.io.WriteAt(zero, overlay.Offset); err != nil {
		return verrors.Wrap(verrors.IO, "storedescriptor.Write", err)
	}

	overlay.Flags = blockdesc.FlagTombstone
	overlay.Offset = 0
	overlay.RelativeOffset = 0
	overlay.Bitmap = 0
	if err := sd.persistDescriptor(overlay); err != nil {
		return err
	}

	d.Overlay = nil
	return nil
}

func (sd *StoreDescriptor) persistDescriptor(d *blockdesc.Descriptor) error {
	buf := make([]byte, blockdesc.Size)
	if err := blockdesc.Encode(d, buf); err != nil {
		return err
	}
	if _, err := sd.io.WriteAt(buf, d.DescriptorLocation); err != nil {
		return verrors.Wrap(verrors.IO, "storedescriptor.Write", err)
	}
	return nil
}

// sectorBitmap builds the overlay bitmap covering the sectors spanned
// by [rel, rel+writeSize).
func sectorBitmap(rel, writeSize int) uint32 {
	start := rel / blockdesc.SectorSize
	end := (rel + writeSize + blockdesc.SectorSize - 1) / blockdesc.SectorSize
	var bitmap uint32
	for s := start; s < end; s++ {
		bitmap |= blockdesc.OverlayBit(s)
	}
	return bitmap
}

// zeroUnmarked clears every sector of block not set in bitmap.
func zeroUnmarked(block []byte, bitmap uint32) {
	for s := 0; s < blockdesc.SectorsPerBlock; s++ {
		if blockdesc.TestOverlayBit(bitmap, s) {
			continue
		}
		start := s * blockdesc.SectorSize
		for i := 0; i < blockdesc.SectorSize; i++ {
			block[start+i] = 0
		}
	}
}
