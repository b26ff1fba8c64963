package blocklist

import (
	"testing"

	"github.com/voxelnight/vshadowstore/blockdesc"
	"github.com/voxelnight/vshadowstore/storeblock"
	"github.com/voxelnight/vshadowstore/storerun"
)

type memIO struct {
	data []byte
}

func newMemIO(size int) *memIO { return &memIO{data: make([]byte, size)} }

func (m *memIO) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memIO) WriteAt(p []byte, off int64) (int, error) {
	if int(off)+len(p) > len(m.data) {
		grown := make([]byte, int(off)+len(p))
		copy(grown, m.data)
		m.data = grown
	}
	n := copy(m.data[off:], p)
	return n, nil
}

func seedActive(t *testing.T, io *memIO, offset int64) *storeblock.Block {
	t.Helper()
	data := make([]byte, storeblock.Size)
	data[16] = 0xAB // identifier byte, just a marker for the header template
	blk := &storeblock.Block{Offset: offset, RelativeOffset: 0, NextOffset: 0, RecordType: storeblock.RecordTypeStoreIndex, Data: data, DataSize: storeblock.Size}
	w := storeblock.NewWriter(io)
	if err := w.WriteFull(blk); err != nil {
		t.Fatal(err)
	}
	return blk
}

func TestAppendWritesIntoActiveBlock(t *testing.T) {
	io := newMemIO(4 * storeblock.Size)
	active := seedActive(t, io, 0)
	tracker := storerun.NewTracker()
	_ = tracker.AddRun(0, int64(4*storeblock.Size))

	m := New(io, tracker)
	m.Seed(active, -1)

	entry := make([]byte, blockdesc.Size)
	entry[0] = 1

	loc, num, err := m.Append(entry)
	if err != nil {
		t.Fatal(err)
	}
	if num != 0 {
		t.Fatalf("expected first entry to get list_entry_number 0, got %d", num)
	}
	wantLoc := active.Offset + int64(storeblock.HeaderSize)
	if loc != wantLoc {
		t.Fatalf("got location %d want %d", loc, wantLoc)
	}

	readBack := make([]byte, blockdesc.Size)
	if _, err := io.ReadAt(readBack, loc); err != nil {
		t.Fatal(err)
	}
	if readBack[0] != 1 {
		t.Fatalf("entry not persisted at expected location")
	}
}

func TestAppendRotatesWhenFull(t *testing.T) {
	io := newMemIO(8 * storeblock.Size)
	active := seedActive(t, io, 0)
	tracker := storerun.NewTracker()
	_ = tracker.AddRun(0, int64(8*storeblock.Size))
	// consume the active block's own slot in the tracker, as a real
	// allocator would have when the block itself was allocated.
	_ = tracker.MarkAsUsed(0)

	m := New(io, tracker)
	m.Seed(active, blockdesc.MaxListEntryNumber) // already full

	entry := make([]byte, blockdesc.Size)
	loc, num, err := m.Append(entry)
	if err != nil {
		t.Fatal(err)
	}
	if num != 0 {
		t.Fatalf("expected rotation to reset list_entry_number to 0, got %d", num)
	}
	if m.Active().Offset == active.Offset {
		t.Fatal("expected rotation to install a new active block")
	}
	if loc == 0 {
		t.Fatal("expected a nonzero write location")
	}

	patched := make([]byte, 8)
	if _, err := io.ReadAt(patched, active.Offset+40); err != nil {
		t.Fatal(err)
	}
	allZero := true
	for _, b := range patched {
		if b != 0 {
			allZero = false
		}
	}
	if allZero {
		t.Fatal("expected old active block's next_offset to be patched to the new block")
	}
}

func TestAppendWithoutSeedFails(t *testing.T) {
	io := newMemIO(storeblock.Size)
	tracker := storerun.NewTracker()
	m := New(io, tracker)

	if _, _, err := m.Append(make([]byte, blockdesc.Size)); err == nil {
		t.Fatal("expected error when manager has no active block")
	}
}
