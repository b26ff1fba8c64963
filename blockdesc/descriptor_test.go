package blockdesc

import "testing"

func TestParseEncodeRoundTrip(t *testing.T) {
	d := &Descriptor{OriginalOffset: 0x10000, RelativeOffset: 0x20000, Offset: 0x30000, Flags: FlagNormal, Bitmap: 0}
	buf := make([]byte, Size)
	if err := Encode(d, buf); err != nil {
		t.Fatal(err)
	}
	got, found, err := Parse(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected descriptor to be found")
	}
	if *got != *d {
		t.Fatalf("got %+v want %+v", got, d)
	}
}

func TestParseAllZeroIsEndOfList(t *testing.T) {
	buf := make([]byte, Size)
	_, found, err := Parse(buf)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected all-zero entry to signal end of list")
	}
}

func TestParseTombstoneIsSkipped(t *testing.T) {
	d := &Descriptor{OriginalOffset: 0x10000, Flags: FlagTombstone}
	buf := make([]byte, Size)
	if err := Encode(d, buf); err != nil {
		t.Fatal(err)
	}
	_, found, err := Parse(buf)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected tombstone entry to be skipped")
	}
}

func TestOverlayBitPacking(t *testing.T) {
	// Sector 0 -> bit 0x01 (matches the worked overlay-merge example,
	// where bitmap=0x00000001 designates sector 0 alone).
	if got := OverlayBit(0); got != 0x01 {
		t.Fatalf("sector 0: got %#x want %#x", got, 0x01)
	}
	if got := OverlayBit(7); got != 0x80 {
		t.Fatalf("sector 7: got %#x want %#x", got, 0x80)
	}
	if got := OverlayBit(8); got != 0x100 {
		t.Fatalf("sector 8: got %#x want %#x", got, 0x100)
	}
	if !TestOverlayBit(0x00000001, 0) {
		t.Fatal("expected sector 0 to test set")
	}
	if TestOverlayBit(0x00000001, 1) {
		t.Fatal("expected sector 1 to test clear")
	}
}

func TestParseRangeDescriptorFields(t *testing.T) {
	buf := make([]byte, RangeSize)
	want := &RangeDescriptor{OriginalOffset: 0x1000, Offset: 0x2000, Length: 0x4000}
	_ = want // encoding not required by spec (observe-only); construct bytes directly
	copy(buf[0:8], []byte{0x00, 0x10, 0, 0, 0, 0, 0, 0})
	copy(buf[8:16], []byte{0x00, 0x20, 0, 0, 0, 0, 0, 0})
	copy(buf[16:24], []byte{0x00, 0x40, 0, 0, 0, 0, 0, 0})

	got, found, err := ParseRange(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected range descriptor to be found")
	}
	if got.OriginalOffset != 0x1000 || got.Offset != 0x2000 || got.Length != 0x4000 {
		t.Fatalf("got %+v", got)
	}
}
