package snapshot

import (
	"bytes"
	"testing"

	"github.com/voxelnight/vshadowstore/bytefmt"
	"github.com/voxelnight/vshadowstore/storeblock"
	"github.com/voxelnight/vshadowstore/storedescriptor"
	"github.com/voxelnight/vshadowstore/storerun"
)

type memIO struct {
	data []byte
}

func newMemIO() *memIO { return &memIO{} }

func (m *memIO) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	return copy(p, m.data[off:]), nil
}

func (m *memIO) WriteAt(p []byte, off int64) (int, error) {
	end := int(off) + len(p)
	if end > len(m.data) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:], p), nil
}

func writeBlockHeader(io *memIO, offset int64, recordType storeblock.RecordType) {
	data := make([]byte, storeblock.HeaderSize)
	_ = bytefmt.PutUint32(data, 20, uint32(recordType))
	_ = bytefmt.PutInt64(data, 32, offset)
	if _, err := io.WriteAt(data, offset); err != nil {
		panic(err)
	}
}

// TestVolumeRoundTripsAcrossBlockBoundary writes a buffer that crosses
// a 16 KiB store-block boundary and reads it back, exercising the
// driver's own looping rather than the store descriptor's.
func TestVolumeRoundTripsAcrossBlockBoundary(t *testing.T) {
	const blockListOffset = 0x1000
	// Size the image to cover both chunks the write composes over, so the
	// pass-through reads of the partial chunks are not cut short.
	io := &memIO{data: make([]byte, 2*storeblock.Size)}
	writeBlockHeader(io, blockListOffset, storeblock.RecordTypeStoreIndex)

	runs := storerun.NewTracker()
	if err := runs.AddRun(0x200000, 256*1024); err != nil {
		t.Fatal(err)
	}

	sd := storedescriptor.New(io, 0, runs)
	sd.HasInVolumeStoreData = true
	sd.StoreBlockListOffset = blockListOffset
	sd.StoreHeaderOffset = 0x9000

	vol := New(sd)

	// Span the boundary between the block at 0 and the block at
	// storeblock.Size: half in each.
	payload := bytes.Repeat([]byte{'X'}, storeblock.Size)
	offset := int64(storeblock.Size / 2)

	n, err := vol.WriteAt(payload, offset)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(payload) {
		t.Fatalf("wrote %d bytes, want %d", n, len(payload))
	}

	got := make([]byte, len(payload))
	n, err = vol.ReadAt(got, offset)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(payload) {
		t.Fatalf("read %d bytes, want %d", n, len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("round trip across a store-block boundary did not reproduce the written bytes")
	}
}

func TestVolumeActiveReturnsConstructorArgument(t *testing.T) {
	sd := storedescriptor.New(newMemIO(), 0, nil)
	vol := New(sd)
	if vol.Active() != sd {
		t.Fatal("expected Active() to return the store descriptor passed to New")
	}
}

func TestBlockSizeMatchesStoreBlockSize(t *testing.T) {
	if BlockSize != storeblock.Size {
		t.Fatalf("BlockSize = %d, want %d", BlockSize, storeblock.Size)
	}
}
