package storedescriptor

import (
	"github.com/voxelnight/vshadowstore/blockdesc"
	"github.com/voxelnight/vshadowstore/storeblock"
	"github.com/voxelnight/vshadowstore/verrors"
)

// Read fills p with bytes as seen by the snapshot active names,
// starting at the source-volume offset. Equivalent to a positioned
// read against the composed, chain-aware view this descriptor
// presents, not a raw read of its own backing store.
func (sd *StoreDescriptor) Read(p []byte, offset int64, active *StoreDescriptor) (int, error) {
	if err := sd.ensureDrained(); err != nil {
		return 0, err
	}

	sd.mu.RLock()
	defer sd.mu.RUnlock()

	total := 0
	for total < len(p) {
		curOffset := offset + int64(total)
		blockOffset := curOffset &^ (int64(storeblock.Size) - 1)
		relInBlock := int(curOffset - blockOffset)
		need := len(p) - total
		if max := storeblock.Size - relInBlock; need > max {
			need = max
		}

		n, err := sd.readBlock(p[total:total+need], blockOffset, relInBlock, need, active)
		if err != nil {
			return total, err
		}
		if n <= 0 {
			return total, verrors.New(verrors.Internal, "storedescriptor.Read", "no progress made while composing read")
		}
		total += n
	}
	return total, nil
}

func (sd *StoreDescriptor) readBlock(dst []byte, blockOffset int64, relInBlock, need int, active *StoreDescriptor) (int, error) {
	d, found := sd.tree.Forward(blockOffset)
	if !found {
		return sd.readFallback(dst[:need], blockOffset, relInBlock, need, active)
	}
	return sd.readWithDescriptor(dst, d, blockOffset, relInBlock, need, active)
}

func (sd *StoreDescriptor) readWithDescriptor(dst []byte, d *blockdesc.Descriptor, blockOffset int64, relInBlock, need int, active *StoreDescriptor) (int, error) {
	src := d.Offset
	if d.IsForwarder() {
		src = d.RelativeOffset
	}

	var overlay *blockdesc.Descriptor
	if d.IsOverlay() {
		overlay = d
	} else {
		overlay = d.Overlay
	}

	runNeed := need
	dHolds := true
	overlayResolved := false

	if overlay != nil && sd.Index == active.Index {
		startSector := int((blockOffset-overlay.OriginalOffset)/blockdesc.SectorSize) + relInBlock/blockdesc.SectorSize
		overlayBacked := blockdesc.TestOverlayBit(overlay.Bitmap, startSector)

		runSectors := 1
		for startSector+runSectors < blockdesc.SectorsPerBlock &&
			blockdesc.TestOverlayBit(overlay.Bitmap, startSector+runSectors) == overlayBacked {
			runSectors++
		}
		runBytes := runSectors*blockdesc.SectorSize - (relInBlock % blockdesc.SectorSize)
		if runBytes > need {
			runBytes = need
		}
		runNeed = runBytes

		switch {
		case overlayBacked:
			src = overlay.Offset
			overlayResolved = true
		case overlay == d:
			dHolds = false
		}
	}

	if !dHolds {
		return sd.readFallback(dst[:runNeed], blockOffset, relInBlock, runNeed, active)
	}

	if !overlayResolved && d.IsForwarder() && sd.NextStoreDescriptor != nil {
		return sd.NextStoreDescriptor.Read(dst[:runNeed], blockOffset+int64(relInBlock), active)
	}

	n, err := sd.io.ReadAt(dst[:runNeed], src+int64(relInBlock))
	if err != nil {
		return 0, verrors.Wrap(verrors.IO, "storedescriptor.Read", err)
	}
	return n, nil
}

// readFallback implements step 4 of the read algorithm for a fragment
// no descriptor in this store covers: delegate to a peer, detect a
// hole at the chain tail, or pass through to the live volume image.
func (sd *StoreDescriptor) readFallback(dst []byte, blockOffset int64, relInBlock, need int, active *StoreDescriptor) (int, error) {
	if sd.NextStoreDescriptor != nil {
		return sd.NextStoreDescriptor.Read(dst[:need], blockOffset+int64(relInBlock), active)
	}
	if sd.isHole(blockOffset) {
		for i := 0; i < need; i++ {
			dst[i] = 0
		}
		return need, nil
	}
	n, err := sd.io.ReadAt(dst[:need], blockOffset+int64(relInBlock))
	if err != nil {
		return 0, verrors.Wrap(verrors.IO, "storedescriptor.Read", err)
	}
	return n, nil
}

// isHole reports whether blockOffset is a source-volume slot that both
// bitmap chains report allocated yet no mapping in this store's
// reverse tree claims -- only meaningful at the chain tail.
func (sd *StoreDescriptor) isHole(blockOffset int64) bool {
	if sd.NextStoreDescriptor != nil {
		return false
	}
	return containsOffset(sd.blockOffsetList, blockOffset) &&
		containsOffset(sd.previousBlockOffsetList, blockOffset) &&
		!sd.tree.ReverseCovers(blockOffset)
}
