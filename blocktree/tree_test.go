package blocktree

import (
	"testing"

	"github.com/voxelnight/vshadowstore/blockdesc"
)

func TestInsertAndForwardLookup(t *testing.T) {
	tr := New()
	d := &blockdesc.Descriptor{OriginalOffset: 0x10000, Offset: 0x30000, Flags: blockdesc.FlagNormal}
	tr.Insert(d)

	got, ok := tr.Forward(0x10000)
	if !ok || got != d {
		t.Fatalf("got %v, %v", got, ok)
	}
}

func TestForwardMissUsesBloomFilter(t *testing.T) {
	tr := New()
	tr.Insert(&blockdesc.Descriptor{OriginalOffset: 0x10000, Offset: 0x30000})

	if _, ok := tr.Forward(0x999990000); ok {
		t.Fatal("expected miss for unregistered offset")
	}
}

func TestOverlayPairingNormalThenOverlay(t *testing.T) {
	tr := New()
	normal := &blockdesc.Descriptor{OriginalOffset: 0x10000, Offset: 0x30000, Flags: blockdesc.FlagNormal}
	overlay := &blockdesc.Descriptor{OriginalOffset: 0x10000, Offset: 0x40000, Flags: blockdesc.FlagOverlay, Bitmap: 1}

	tr.Insert(normal)
	tr.Insert(overlay)

	got, ok := tr.Forward(0x10000)
	if !ok || got != normal {
		t.Fatalf("expected primary to remain the normal descriptor, got %v", got)
	}
	if got.Overlay != overlay {
		t.Fatalf("expected overlay link, got %v", got.Overlay)
	}
}

func TestOverlayPairingOverlayThenNormal(t *testing.T) {
	tr := New()
	overlay := &blockdesc.Descriptor{OriginalOffset: 0x10000, Offset: 0x40000, Flags: blockdesc.FlagOverlay, Bitmap: 1}
	normal := &blockdesc.Descriptor{OriginalOffset: 0x10000, Offset: 0x30000, Flags: blockdesc.FlagNormal}

	tr.Insert(overlay)
	tr.Insert(normal)

	got, ok := tr.Forward(0x10000)
	if !ok || got != normal {
		t.Fatalf("expected the newly inserted normal to become primary, got %v", got)
	}
	if got.Overlay != overlay {
		t.Fatalf("expected overlay link to the earlier overlay, got %v", got.Overlay)
	}
}

func TestMostRecentOverlayWins(t *testing.T) {
	tr := New()
	first := &blockdesc.Descriptor{OriginalOffset: 0x10000, Offset: 0x40000, Flags: blockdesc.FlagOverlay, Bitmap: 1}
	second := &blockdesc.Descriptor{OriginalOffset: 0x10000, Offset: 0x50000, Flags: blockdesc.FlagOverlay, Bitmap: 2}

	tr.Insert(first)
	tr.Insert(second)

	got, ok := tr.Forward(0x10000)
	if !ok || got != second {
		t.Fatalf("expected most recently inserted overlay to win, got %v", got)
	}
}

func TestReverseCovers(t *testing.T) {
	tr := New()
	tr.Insert(&blockdesc.Descriptor{OriginalOffset: 0x10000, RelativeOffset: 0x20000, Offset: 0x30000})

	if !tr.ReverseCovers(0x20000) {
		t.Fatal("expected coverage at exact relative offset")
	}
	if !tr.ReverseCovers(0x20000 + 100) {
		t.Fatal("expected coverage within the 16KiB span")
	}
	if tr.ReverseCovers(0x20000 + blockSize) {
		t.Fatal("expected no coverage just past the span")
	}
	if tr.ReverseCovers(0x1000) {
		t.Fatal("expected no coverage before any entry")
	}
}
