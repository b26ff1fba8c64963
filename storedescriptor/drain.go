package storedescriptor

import (
	"github.com/voxelnight/vshadowstore/blockdesc"
	"github.com/voxelnight/vshadowstore/bytefmt"
	"github.com/voxelnight/vshadowstore/storeblock"
	"github.com/voxelnight/vshadowstore/verrors"
)

// ensureDrained triggers the lazy one-shot metadata-chain drain the
// first time any read or write touches this descriptor, gated by
// blockDescriptorsRead and performed entirely under the write lock.
func (sd *StoreDescriptor) ensureDrained() error {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	if sd.blockDescriptorsRead {
		return nil
	}
	if !sd.HasInVolumeStoreData {
		return verrors.New(verrors.BadArgument, "storedescriptor.ensureDrained", "descriptor has no in-volume store data to drain")
	}

	var err error
	if sd.blockOffsetList, err = sd.walkBitmapChain(sd.StoreBitmapOffset); err != nil {
		return err
	}
	if sd.previousBlockOffsetList, err = sd.walkBitmapChain(sd.StorePreviousBitmapOffset); err != nil {
		return err
	}
	if err = sd.drainBlockListChain(); err != nil {
		return err
	}
	if err = sd.drainBlockRangeChain(); err != nil {
		return err
	}

	sd.blockDescriptorsRead = true
	if sd.log != nil {
		sd.log.Infow("drained store descriptor metadata chains",
			"index", sd.Index,
			"blocks", len(sd.blockDescriptorsList),
			"chainBlocks", len(sd.blockList),
			"treeEntries", sd.tree.Count())
	}
	return nil
}

// walkBitmapChain follows a current/previous-bitmap chain from start,
// interpreting each block's payload as consecutive little-endian
// 32-bit words, one bit per 16 KiB volume slot (LSB-first). A cleared
// bit means the slot is allocated in the source volume; contiguous
// allocated slots are coalesced into AllocatedExtents. The cursor
// position persists across block boundaries, always measured from the
// start of the chain.
func (sd *StoreDescriptor) walkBitmapChain(start int64) ([]AllocatedExtent, error) {
	if start == 0 {
		return nil, nil
	}

	var extents []AllocatedExtent
	cursor := int64(0)
	runStart := int64(-1)
	offset := start

	for offset != 0 {
		blk, err := sd.reader.Read(offset, storeblock.Size)
		if err != nil {
			return nil, err
		}
		payload := blk.Payload()
		for i := 0; i+4 <= len(payload); i += 4 {
			word, err := bytefmt.Uint32(payload, i)
			if err != nil {
				return nil, err
			}
			for bit := 0; bit < 32; bit++ {
				allocated := (word>>uint(bit))&1 == 0
				slotOffset := cursor
				if allocated {
					if runStart == -1 {
						runStart = slotOffset
					}
				} else if runStart != -1 {
					extents = append(extents, AllocatedExtent{Offset: runStart, Length: slotOffset - runStart})
					runStart = -1
				}
				cursor += storeblock.Size
			}
		}
		offset = blk.NextOffset
	}
	if runStart != -1 {
		extents = append(extents, AllocatedExtent{Offset: runStart, Length: cursor - runStart})
	}
	return extents, nil
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// drainBlockListChain walks the block-descriptor-list chain from
// StoreBlockListOffset, inserting every parsed descriptor into the
// tree, the insertion-order list, and the free-space tracker, and
// seeds the block-list manager with the chain's tail so future Append
// calls continue it rather than starting a fresh chain.
func (sd *StoreDescriptor) drainBlockListChain() error {
	if sd.StoreBlockListOffset == 0 {
		return nil
	}

	entriesPerBlock := blockdesc.MaxListEntryNumber + 1
	offset := sd.StoreBlockListOffset
	var lastBlock *storeblock.Block
	lastEntry := -1

stopped:
	for offset != 0 {
		blk, err := sd.reader.Read(offset, storeblock.Size)
		if err != nil {
			return err
		}
		sd.blockList = append(sd.blockList, blk)
		lastBlock = blk
		lastEntry = -1

		for i := 0; i < entriesPerBlock; i++ {
			loc := storeblock.HeaderSize + i*blockdesc.Size
			entryBytes := blk.Data[loc : loc+blockdesc.Size]

			d, found, err := blockdesc.Parse(entryBytes)
			if err != nil {
				return err
			}
			if !found {
				if isAllZero(entryBytes) {
					break stopped
				}
				continue // tombstone: skip slot, chain continues
			}

			d.DescriptorLocation = offset + int64(storeblock.HeaderSize) + int64(i)*int64(blockdesc.Size)
			d.ListEntryNumber = i
			sd.tree.Insert(d)
			sd.blockDescriptorsList = append(sd.blockDescriptorsList, d)
			if sd.runs != nil && d.Offset != 0 {
				_ = sd.runs.MarkAsUsed(d.Offset)
			}
			lastEntry = i
		}

		offset = blk.NextOffset
	}

	if lastBlock != nil {
		sd.blocklistMgr.Seed(lastBlock, lastEntry)
	}
	return nil
}

// drainBlockRangeChain walks the block-range-list chain, decoding and
// observing each entry only to mark its backing extent used in the
// free-space tracker (see spec's open question on range-list
// semantics: the format's intent beyond bookkeeping is unresolved).
func (sd *StoreDescriptor) drainBlockRangeChain() error {
	if sd.StoreBlockRangeListOffset == 0 {
		return nil
	}

	entriesPerBlock := (storeblock.Size - storeblock.HeaderSize) / blockdesc.RangeSize
	offset := sd.StoreBlockRangeListOffset

stopped:
	for offset != 0 {
		blk, err := sd.reader.Read(offset, storeblock.Size)
		if err != nil {
			return err
		}

		for i := 0; i < entriesPerBlock; i++ {
			loc := storeblock.HeaderSize + i*blockdesc.RangeSize
			entryBytes := blk.Data[loc : loc+blockdesc.RangeSize]

			r, found, err := blockdesc.ParseRange(entryBytes)
			if err != nil {
				return err
			}
			if !found {
				break stopped
			}
			if sd.runs != nil {
				_ = sd.runs.MarkAsUsed(r.Offset)
			}
		}

		offset = blk.NextOffset
	}
	return nil
}
