// Package blocktree indexes block descriptors two ways: by
// original_offset (forward -- "what backs this source-volume region")
// and by relative_offset (reverse -- "is this store-relative region
// claimed by any mapping at all"). Both indexes are built on the
// teacher's generic skip list (memtable.SkipList), adapted here with a
// Floor query for range-containment lookups. A Bloom filter
// (github.com/bits-and-blooms/bloom/v3, the same role it plays in the
// teacher's sst package) accelerates the common "nothing shadows this
// region" miss path by answering "definitely not covered" without a
// tree descent; the tree remains the source of truth, the filter only
// ever produces false positives, never false negatives.
package blocktree

import (
	"iter"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/voxelnight/vshadowstore/blockdesc"
	"github.com/voxelnight/vshadowstore/memtable"
)

const blockSize = 16 * 1024

// Tree holds the forward and reverse block-descriptor indexes for one
// store descriptor.
type Tree struct {
	forward *memtable.SkipList[int64, *blockdesc.Descriptor]
	reverse *memtable.SkipList[int64, *blockdesc.Descriptor]
	filter  *bloom.BloomFilter
	count   uint
}

// New returns an empty pair of trees sized for a typical store.
func New() *Tree {
	return &Tree{
		forward: memtable.NewSkipListMemtable[int64, *blockdesc.Descriptor](),
		reverse: memtable.NewSkipListMemtable[int64, *blockdesc.Descriptor](),
		filter:  bloom.NewWithEstimates(100000, 0.01),
	}
}

func chunkKey(offset int64) []byte {
	chunk := offset / blockSize
	key := make([]byte, 8)
	for i := 0; i < 8; i++ {
		key[i] = byte(chunk >> (8 * i))
	}
	return key
}

// Insert applies the overlay-pairing rule from the descriptor-tree
// invariants: when a descriptor already occupies original_offset and
// exactly one of the pair is an overlay, the non-overlay stays (or
// becomes) the forward-tree entry and adopts a link to the overlay via
// its Overlay field. When both are overlays, the most recently
// inserted one wins as the indexed entry (matches the original's
// last-writer-wins behavior; see DESIGN.md).
func (t *Tree) Insert(d *blockdesc.Descriptor) {
	if existing, ok := t.forward.Get(d.OriginalOffset); ok {
		switch {
		case d.IsOverlay() && !existing.IsOverlay():
			existing.Overlay = d
			t.reverse.Put(d.RelativeOffset, d)
			t.filter.Add(chunkKey(d.OriginalOffset))
			return
		case !d.IsOverlay() && existing.IsOverlay():
			d.Overlay = existing
		}
	}
	t.forward.Put(d.OriginalOffset, d)
	t.reverse.Put(d.RelativeOffset, d)
	t.filter.Add(chunkKey(d.OriginalOffset))
	t.count++
}

// Forward returns the descriptor covering originalOffset, if any. The
// Bloom filter is consulted first: a negative answer there is
// conclusive and skips the tree descent entirely.
func (t *Tree) Forward(originalOffset int64) (*blockdesc.Descriptor, bool) {
	if !t.filter.Test(chunkKey(originalOffset)) {
		return nil, false
	}
	return t.forward.Get(originalOffset)
}

// ReverseCovers reports whether some descriptor's relative-offset span
// [RelativeOffset, RelativeOffset+16KiB) contains relativeOffset -- the
// "is this store-relative region claimed by any mapping" check the read
// path uses to distinguish a hole from a pass-through read.
func (t *Tree) ReverseCovers(relativeOffset int64) bool {
	rec, ok := t.reverse.Floor(relativeOffset)
	if !ok {
		return false
	}
	return relativeOffset < rec.Key+blockSize
}

// Count returns the number of Insert calls that wrote a forward-tree
// entry. An insert that replaces the entry at an existing
// original_offset is counted again; an overlay paired onto an existing
// normal entry is not counted.
func (t *Tree) Count() uint { return t.count }

// All iterates every forward-tree entry in original_offset order.
func (t *Tree) All() iter.Seq[*blockdesc.Descriptor] {
	return func(yield func(*blockdesc.Descriptor) bool) {
		for rec := range t.forward.Iterator() {
			if !yield(rec.Value) {
				return
			}
		}
	}
}
