// Package snapshot is the thin driver that sequences reads and writes
// across a peer chain of store descriptors on behalf of one named
// shadow copy. It owns no metadata of its own -- every call is a loop
// over storedescriptor.StoreDescriptor.Read/Write, chosen because the
// store engine bounds a single Write call to one 16 KiB chunk the way
// segmentmanager.DiskSegmentManager bounds a single segment write, and
// a caller-facing Read/Write should not have to know that.
package snapshot

import (
	"go.uber.org/zap"

	"github.com/voxelnight/vshadowstore/storeblock"
	"github.com/voxelnight/vshadowstore/storedescriptor"
	"github.com/voxelnight/vshadowstore/verrors"
)

// Option configures a Volume.
type Option func(*Volume)

// WithLogger attaches structured logging to the reader-writer driver.
// This is the outermost point the ambient *zap.SugaredLogger field gets
// wired at; it is not threaded down into individual store descriptors
// by this constructor -- callers building store descriptors themselves
// choose whether to pass storedescriptor.WithLogger to each one.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(v *Volume) { v.log = l }
}

// Volume is a handle over one snapshot's forward chain of store
// descriptors. It is the outer collaborator spec.md §1 calls external:
// opening a volume image, enumerating snapshots, and VSS volume-header
// parsing all live above this type; Volume only drives the chain it is
// handed.
type Volume struct {
	log *zap.SugaredLogger

	// active is the store descriptor this Volume reads and writes
	// through -- the "active" parameter storedescriptor.Read/Write take
	// is always this value.
	active *storedescriptor.StoreDescriptor
}

// New returns a Volume driving reads and writes against active. active
// must already have its NextStoreDescriptor chain wired by the caller
// (see storedescriptor.StoreDescriptor.SetNextStoreDescriptor).
func New(active *storedescriptor.StoreDescriptor, opts ...Option) *Volume {
	v := &Volume{active: active}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ReadAt fills p with the composed, chain-aware view of this snapshot
// starting at volumeOffset, looping over StoreDescriptor.Read until p is
// fully drained (Read itself already composes across an arbitrary
// number of internal 16 KiB fragments, so this loop only needs to run
// more than once if Read returns a short count without an error, which
// the engine never does in practice -- kept for the same reason
// wal.WALReader.ReadRecord loops on its underlying reader rather than
// assuming one call suffices).
func (v *Volume) ReadAt(p []byte, volumeOffset int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := v.active.Read(p[total:], volumeOffset+int64(total), v.active)
		if err != nil {
			return total, err
		}
		if n <= 0 {
			return total, verrors.New(verrors.Internal, "snapshot.ReadAt", "no progress made while draining read")
		}
		total += n
	}
	if v.log != nil {
		v.log.Infow("snapshot read", "offset", volumeOffset, "size", len(p))
	}
	return total, nil
}

// WriteAt writes p to this snapshot starting at volumeOffset, splitting
// across as many storedescriptor.Write calls as needed to cross 16 KiB
// store-block boundaries -- the per-call bound spec.md §4.F's write path
// imposes.
func (v *Volume) WriteAt(p []byte, volumeOffset int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := v.active.Write(p[total:], volumeOffset+int64(total), v.active)
		if err != nil {
			return total, err
		}
		if n <= 0 {
			return total, verrors.New(verrors.Internal, "snapshot.WriteAt", "no progress made while draining write")
		}
		total += n
	}
	if v.log != nil {
		v.log.Infow("snapshot write", "offset", volumeOffset, "size", len(p))
	}
	return total, nil
}

// Active returns the store descriptor this Volume drives reads and
// writes through.
func (v *Volume) Active() *storedescriptor.StoreDescriptor { return v.active }

// BlockSize is the store format's fixed block granularity, re-exported
// here so callers sizing request buffers don't need to import
// storeblock directly for a single constant.
const BlockSize = storeblock.Size
