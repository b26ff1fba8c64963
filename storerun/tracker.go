// Package storerun tracks contiguous free regions of a volume image
// available for allocating new 16 KiB store data blocks. Each region
// ("run") is 128 KiB-aligned and carries a one-bit-per-16-KiB-slot
// allocation bitmap, backed by github.com/bits-and-blooms/bitset the
// way the original hand-rolled byte array never could: NextClear
// replaces a manual byte-scan loop.
package storerun

import (
	"iter"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"go.uber.org/zap"

	"github.com/voxelnight/vshadowstore/verrors"
)

const (
	// SlotSize is the allocation granularity: one store data block.
	SlotSize = 16 * 1024
	// RunAlignment is the granularity at which free-space runs are
	// registered with the tracker.
	RunAlignment = 128 * 1024
	slotsPerSeam = RunAlignment / SlotSize
)

// Run is one contiguous, 128 KiB-aligned free-space extent.
type Run struct {
	startOffset   int64
	size          int64
	bitmap        *bitset.BitSet
	freeSpace     int64
	firstFreeAddr int64
	full          bool
}

func alignUp(v, to int64) int64 {
	if v%to == 0 {
		return v
	}
	return v + (to - v%to)
}

func alignDown(v, to int64) int64 {
	return v - (v % to)
}

func newRun(start, size int64) *Run {
	slots := uint(size / SlotSize)
	return &Run{
		startOffset:   start,
		size:          size,
		bitmap:        bitset.New(slots),
		freeSpace:     size,
		firstFreeAddr: start,
	}
}

func (r *Run) slotIndex(offset int64) uint {
	return uint((offset - r.startOffset) / SlotSize)
}

func (r *Run) contains(offset int64) bool {
	return offset >= r.startOffset && offset < r.startOffset+r.size
}

// rescanFirstFree finds the next free slot at or after the slot
// containing fromOffset, updating firstFreeAddr/full accordingly.
func (r *Run) rescanFirstFree(fromOffset int64) {
	start := r.slotIndex(fromOffset)
	idx, ok := r.bitmap.NextClear(start)
	if !ok || idx >= uint(r.size/SlotSize) {
		r.full = true
		r.firstFreeAddr = 0
		return
	}
	r.full = false
	r.firstFreeAddr = r.startOffset + int64(idx)*SlotSize
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger attaches structured logging to tracker operations.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(t *Tracker) { t.log = l }
}

// Tracker is the free-space tracker ("store runs"). Safe for concurrent
// use; callers needing atomic "check free then allocate" sequences rely
// on GetNextFree's own internal locking rather than composing Get+Mark.
type Tracker struct {
	mu   sync.Mutex
	runs []*Run
	log  *zap.SugaredLogger
}

// NewTracker returns an empty tracker; runs are registered via AddRun.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddRun registers [start, start+size) as available free space, aligning
// start up and the end down to 128 KiB. Re-registering an existing run's
// start offset with the same size is a no-op; with a larger size it
// grows the run in place, conservatively marking the newly introduced
// 128 KiB seam as allocated (unknown territory defaults to used, not
// free) while leaving the remainder of the growth free; with a smaller
// size it is a logic error.
func (t *Tracker) AddRun(start, size int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	runStart := alignUp(start, RunAlignment)
	runStop := alignDown(start+size, RunAlignment)
	runSize := runStop - runStart
	if runSize <= 0 {
		return verrors.New(verrors.BadArgument, "storerun.AddRun", "aligned run size is zero or negative")
	}

	for _, r := range t.runs {
		if r.startOffset != runStart {
			continue
		}
		if r.size == runSize {
			return nil
		}
		if r.size > runSize {
			return verrors.New(verrors.Internal, "storerun.AddRun", "cannot shrink an existing run")
		}
		t.growRun(r, runSize)
		return nil
	}

	t.runs = append(t.runs, newRun(runStart, runSize))
	if t.log != nil {
		t.log.Infow("registered free-space run", "start", runStart, "size", runSize)
	}
	return nil
}

func (t *Tracker) growRun(r *Run, newSize int64) {
	oldSlots := uint(r.size / SlotSize)
	newSlots := uint(newSize / SlotSize)

	nb := bitset.New(newSlots)
	for i := uint(0); i < oldSlots; i++ {
		if r.bitmap.Test(i) {
			nb.Set(i)
		}
	}
	seamEnd := oldSlots + slotsPerSeam
	if seamEnd > newSlots {
		seamEnd = newSlots
	}
	for i := oldSlots; i < seamEnd; i++ {
		nb.Set(i)
	}

	r.bitmap = nb
	grew := newSize - r.size
	usedInSeam := int64(seamEnd-oldSlots) * SlotSize
	r.size = newSize
	r.freeSpace += grew - usedInSeam
	r.full = false
	r.rescanFirstFree(r.startOffset)
}

// GetNextFree returns the first free 16 KiB slot across runs in
// insertion order, marking it used. Returns 0 when exhausted (0 also
// doubles as the on-disk forwarder sentinel; callers already treat 0 as
// "no backing offset"). A run registered at volume offset 0 hands out
// offset 0 as its first slot, which a caller cannot tell apart from
// exhaustion.
func (t *Tracker) GetNextFree() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.runs {
		if r.full {
			continue
		}
		addr := r.firstFreeAddr
		t.markUsedLocked(addr)
		return addr
	}
	return 0
}

// MarkAsUsed records offset as allocated. Returns an error if no
// registered run contains offset; callers tolerate this when
// opportunistically absorbing descriptor-referenced ranges discovered
// during metadata-chain draining.
func (t *Tracker) MarkAsUsed(offset int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.markUsedLocked(offset)
}

func (t *Tracker) markUsedLocked(offset int64) error {
	for _, r := range t.runs {
		if !r.contains(offset) {
			continue
		}
		idx := r.slotIndex(offset)
		if r.bitmap.Test(idx) {
			return nil
		}
		r.bitmap.Set(idx)
		r.freeSpace -= SlotSize
		if r.freeSpace <= 0 {
			r.full = true
			r.firstFreeAddr = 0
			return nil
		}
		if offset == r.firstFreeAddr {
			r.rescanFirstFree(offset)
		}
		return nil
	}
	return verrors.New(verrors.Corrupt, "storerun.MarkAsUsed", "offset not covered by any known run")
}

// TotalSize returns the sum of all registered run sizes.
func (t *Tracker) TotalSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total int64
	for _, r := range t.runs {
		total += r.size
	}
	return total
}

// FreeSize returns the sum of remaining free space across all runs.
func (t *Tracker) FreeSize() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var free int64
	for _, r := range t.runs {
		free += r.freeSpace
	}
	return free
}

// Runs yields a snapshot of the tracker's runs in insertion order.
func (t *Tracker) Runs() iter.Seq[*Run] {
	t.mu.Lock()
	runs := make([]*Run, len(t.runs))
	copy(runs, t.runs)
	t.mu.Unlock()

	return func(yield func(*Run) bool) {
		for _, r := range runs {
			if !yield(r) {
				return
			}
		}
	}
}

// StartOffset, Size, FreeSpace, Full expose a Run's state for
// diagnostics and tests.
func (r *Run) StartOffset() int64 { return r.startOffset }
func (r *Run) Size() int64        { return r.size }
func (r *Run) FreeSpace() int64   { return r.freeSpace }
func (r *Run) Full() bool         { return r.full }
