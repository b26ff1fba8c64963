package bytefmt

import (
	"testing"
	"time"
)

func TestUint32RoundTrip(t *testing.T) {
	buf := make([]byte, 8)
	if err := PutUint32(buf, 2, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	got, err := Uint32(buf, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0xdeadbeef {
		t.Fatalf("got %x want %x", got, 0xdeadbeef)
	}
}

func TestUint64ShortBufferFails(t *testing.T) {
	buf := make([]byte, 4)
	if _, err := Uint64(buf, 0); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestGUIDRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	var g [16]byte
	for i := range g {
		g[i] = byte(i)
	}
	if err := PutGUID(buf, 0, g); err != nil {
		t.Fatal(err)
	}
	got, err := GUID(buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != g {
		t.Fatalf("got %v want %v", got, g)
	}
}

func TestFileTimeRoundTrip(t *testing.T) {
	want := time.Date(2020, 6, 15, 12, 0, 0, 0, time.UTC)
	ft := ToFileTime(want)
	got := FileTime(ft)
	if got.Unix() != want.Unix() {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestFileTimeBeforeEpochClamps(t *testing.T) {
	got := FileTime(0)
	if !got.Equal(time.Unix(0, 0).UTC()) {
		t.Fatalf("expected unix epoch, got %v", got)
	}
}
