// Package storedescriptor is the engine at the center of this module:
// it aggregates one shadow copy's catalog fields and store header, owns
// the lazy one-shot metadata-chain drain that populates the
// block-descriptor trees, and serves chain-aware reads and writes
// across a caller-supplied peer chain.
//
// The struct shape and locking discipline are grounded on the
// teacher's segmentmanager.diskSegmentManager: a mutex-guarded value
// type built by a functional-options constructor, with the mutable
// state (here two RW-locked trees and a free-space tracker instead of
// an active file handle) threaded through every exported method.
package storedescriptor

import (
	"sync"

	"go.uber.org/zap"

	"github.com/voxelnight/vshadowstore/blockdesc"
	"github.com/voxelnight/vshadowstore/blocklist"
	"github.com/voxelnight/vshadowstore/blocktree"
	"github.com/voxelnight/vshadowstore/storeblock"
	"github.com/voxelnight/vshadowstore/storerun"
	"github.com/voxelnight/vshadowstore/verrors"
)

// AllocatedExtent is one contiguous run of 16 KiB slots the bitmap
// chain reported as allocated in the source volume.
type AllocatedExtent struct {
	Offset int64
	Length int64
}

func containsOffset(extents []AllocatedExtent, offset int64) bool {
	for _, e := range extents {
		if offset >= e.Offset && offset < e.Offset+e.Length {
			return true
		}
	}
	return false
}

// Option configures a StoreDescriptor.
type Option func(*StoreDescriptor)

// WithLogger attaches structured logging to drain/read/write events.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(sd *StoreDescriptor) { sd.log = l }
}

// WithChecksums makes this descriptor's store-block reader verify the
// optional trailing-CRC32 extension on every full-size store block it
// reads. The block-list store blocks this descriptor allocates on a
// write are written by its blocklist.Manager without a checksum.
func WithChecksums() Option {
	return func(sd *StoreDescriptor) { sd.checksums = true }
}

// StoreDescriptor is one shadow copy's metadata and lookup structures.
type StoreDescriptor struct {
	mu sync.RWMutex

	io     storeblock.IOTarget
	reader *storeblock.Reader
	writer *storeblock.Writer

	log       *zap.SugaredLogger
	checksums bool

	Index int

	Identifier        [16]byte
	CopyIdentifier    [16]byte
	CopySetIdentifier [16]byte
	CreationTime      uint64
	VolumeSize        uint64
	AttributeFlags    uint32

	HasInVolumeStoreData bool

	StoreHeaderOffset         int64
	StoreBlockListOffset      int64
	StoreBlockRangeListOffset int64
	StoreBitmapOffset         int64
	StorePreviousBitmapOffset int64
	StoreInode                uint64
	AllocatedSize             uint64

	OperatingMachineString string
	ServiceMachineString   string

	NextStoreDescriptor *StoreDescriptor

	tree                    *blocktree.Tree
	blockDescriptorsList    []*blockdesc.Descriptor
	blockList               []*storeblock.Block
	blockOffsetList         []AllocatedExtent
	previousBlockOffsetList []AllocatedExtent
	runs                    *storerun.Tracker
	blocklistMgr            *blocklist.Manager

	blockDescriptorsRead bool
}

// New builds an empty StoreDescriptor. runs may be nil if the caller
// does not intend to perform writes (read-only use of an external
// catalog fragment).
func New(io storeblock.IOTarget, index int, runs *storerun.Tracker, opts ...Option) *StoreDescriptor {
	sd := &StoreDescriptor{
		io:    io,
		Index: index,
		tree:  blocktree.New(),
		runs:  runs,
	}
	for _, opt := range opts {
		opt(sd)
	}
	var readerOpts []storeblock.Option
	var writerOpts []storeblock.Option
	if sd.checksums {
		readerOpts = append(readerOpts, storeblock.WithChecksums())
		writerOpts = append(writerOpts, storeblock.WithChecksums())
	}
	sd.reader = storeblock.NewReader(io, readerOpts...)
	sd.writer = storeblock.NewWriter(io, writerOpts...)

	var blOpts []blocklist.Option
	if sd.log != nil {
		blOpts = append(blOpts, blocklist.WithLogger(sd.log))
	}
	sd.blocklistMgr = blocklist.New(io, runs, blOpts...)
	return sd
}

// SetNextStoreDescriptor links this descriptor to its chronologically
// next peer for forwarder/hole resolution.
func (sd *StoreDescriptor) SetNextStoreDescriptor(next *StoreDescriptor) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.NextStoreDescriptor = next
}

// IngestCatalogEntry applies a 128-byte catalog entry of the given
// type. Types 0 and 1 are no-ops (padding/end markers).
func (sd *StoreDescriptor) IngestCatalogEntry(entry *storeblock.CatalogEntry) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	switch entry.Type {
	case storeblock.CatalogEntryPadding, storeblock.CatalogEntryEnd:
		return nil
	case storeblock.CatalogEntryIdentity:
		sd.VolumeSize = entry.VolumeSize
		sd.Identifier = entry.Identifier
		sd.CreationTime = entry.CreationTime
		return nil
	case storeblock.CatalogEntryOffsets:
		sd.StoreBlockListOffset = entry.StoreBlockListOffset
		sd.StoreHeaderOffset = entry.StoreHeaderOffset
		sd.StoreBlockRangeListOffset = entry.StoreBlockRangeListOffset
		sd.StoreBitmapOffset = entry.StoreBitmapOffset
		sd.StoreInode = entry.StoreInode
		sd.AllocatedSize = entry.AllocatedSize
		sd.StorePreviousBitmapOffset = entry.StorePreviousBitmapOffset
		sd.HasInVolumeStoreData = true
		return nil
	default:
		return verrors.New(verrors.BadFormat, "storedescriptor.IngestCatalogEntry", "unsupported catalog entry type")
	}
}

// IngestStoreHeader records the store header payload fields (copy
// identifiers, type/provider/attribute flags, machine name strings).
func (sd *StoreDescriptor) IngestStoreHeader(h *storeblock.StoreHeader) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.CopyIdentifier = h.CopyIdentifier
	sd.CopySetIdentifier = h.CopySetIdentifier
	sd.AttributeFlags = h.AttributeFlags
	sd.OperatingMachineString = h.OperatingMachineString
	sd.ServiceMachineString = h.ServiceMachineString
}

// NumberOfBlocks returns the count of block descriptors discovered by
// draining the block-list chain. When logging is enabled this also
// cross-checks the forward tree's own insert count: the two only
// diverge when an overlay descriptor was paired onto an existing
// normal entry instead of being indexed as its own forward-tree slot
// (see blocktree.Tree.Insert), so a tree count higher than the list
// count points at a draining bug rather than a normal overlay pairing.
func (sd *StoreDescriptor) NumberOfBlocks() int {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	n := len(sd.blockDescriptorsList)
	if sd.log != nil {
		if treeCount := int(sd.tree.Count()); treeCount > n {
			sd.log.Warnw("block tree has more entries than the descriptor list", "list", n, "tree", treeCount)
		}
	}
	return n
}

// BlockListChainLength returns the number of store blocks walked while
// draining the block-descriptor-list chain -- distinct from
// NumberOfBlocks, which counts individual descriptor entries spread
// across those blocks.
func (sd *StoreDescriptor) BlockListChainLength() int {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return len(sd.blockList)
}

// Descriptors returns a snapshot of the insertion-ordered block
// descriptor list -- the same accounting the testable properties in
// spec.md §8 check (descriptor_location, list_entry_number ordering).
func (sd *StoreDescriptor) Descriptors() []*blockdesc.Descriptor {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	out := make([]*blockdesc.Descriptor, len(sd.blockDescriptorsList))
	copy(out, sd.blockDescriptorsList)
	return out
}
