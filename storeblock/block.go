// Package storeblock reads the fixed 16 KiB units a VSS store is built
// from, decodes their 128-byte headers, and decodes the two payload
// shapes that only ever live at chain heads: catalog entries and the
// store header. Fields are read and written at fixed offsets through
// bytefmt; a trailing CRC32 (crc32.ChecksumIEEE, the checksum the
// teacher's wal.go and sst/writer.go put on their own records) is
// optional here because the upstream VSS format does not checksum every
// block, so it is gated behind WithChecksums.
package storeblock

import (
	"hash/crc32"

	"github.com/voxelnight/vshadowstore/bytefmt"
	"github.com/voxelnight/vshadowstore/verrors"
)

const (
	// Size is the standard store-block size.
	Size = 16 * 1024
	// HeaderSize is the fixed header prefix of every store block.
	HeaderSize = 128
	checksumSize = 4
)

// RecordType tags what a store block's payload contains.
type RecordType uint32

const (
	RecordTypeUnknown         RecordType = 0
	RecordTypeHeader          RecordType = 1
	RecordTypeCatalog         RecordType = 2
	RecordTypeStoreIndex      RecordType = 3 // block-descriptor list
	RecordTypeStoreHeader     RecordType = 4
	RecordTypeStoreBitmap     RecordType = 5
	RecordTypeStoreBlockRange RecordType = 6
)

// IOTarget is the narrow capability the engine needs against the
// volume image: positioned read and positioned write. Modeled as a
// two-method interface rather than a concrete *os.File so tests can
// supply an in-memory backing store.
type IOTarget interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Block is a decoded store block: header fields plus the raw bytes.
type Block struct {
	Offset         int64
	RelativeOffset int64
	NextOffset     int64
	RecordType     RecordType
	Data           []byte // full block bytes, header included
	DataSize       int
}

// Payload returns the bytes following the 128-byte header.
func (b *Block) Payload() []byte {
	return b.Data[HeaderSize:b.DataSize]
}

// Option configures a Reader/Writer.
type Option func(*codec)

type codec struct {
	checksums bool
}

// WithChecksums enables writing (WriteFull) and verifying (Read) a
// trailing CRC32 over every full-size store block. Off by default so
// reading an unmodified upstream-format image still works.
func WithChecksums() Option {
	return func(c *codec) { c.checksums = true }
}

// Reader decodes store blocks from an IOTarget.
type Reader struct {
	io IOTarget
	codec
}

func NewReader(io IOTarget, opts ...Option) *Reader {
	r := &Reader{io: io}
	for _, opt := range opts {
		opt(&r.codec)
	}
	return r
}

// Read reads a store block of the given size (normally Size, but
// smaller for read-only probes) at offset, validates its header, and
// returns the decoded Block. Validates that the header's own absolute
// offset field matches the requested offset.
func (r *Reader) Read(offset int64, size int) (*Block, error) {
	if size < HeaderSize {
		return nil, verrors.New(verrors.BadArgument, "storeblock.Read", "size smaller than header")
	}
	data := make([]byte, size)
	n, err := r.io.ReadAt(data, offset)
	if err != nil {
		return nil, verrors.Wrap(verrors.IO, "storeblock.Read", err)
	}
	if n < HeaderSize {
		return nil, verrors.New(verrors.IO, "storeblock.Read", "short read of store block header")
	}

	recordType, err := bytefmt.Uint32(data, 20)
	if err != nil {
		return nil, verrors.Wrap(verrors.BadFormat, "storeblock.Read", err)
	}
	relOffset, err := bytefmt.Int64(data, 24)
	if err != nil {
		return nil, verrors.Wrap(verrors.BadFormat, "storeblock.Read", err)
	}
	absOffset, err := bytefmt.Int64(data, 32)
	if err != nil {
		return nil, verrors.Wrap(verrors.BadFormat, "storeblock.Read", err)
	}
	nextOffset, err := bytefmt.Int64(data, 40)
	if err != nil {
		return nil, verrors.Wrap(verrors.BadFormat, "storeblock.Read", err)
	}
	if absOffset != offset {
		return nil, verrors.New(verrors.BadFormat, "storeblock.Read", "store block offset mismatch")
	}

	dataSize := n
	if r.checksums && n == Size {
		payloadEnd := Size - checksumSize
		want, err := bytefmt.Uint32(data, payloadEnd)
		if err != nil {
			return nil, err
		}
		got := crc32.ChecksumIEEE(data[:payloadEnd])
		if got != want {
			return nil, verrors.New(verrors.Corrupt, "storeblock.Read", "store block checksum mismatch")
		}
		dataSize = payloadEnd
	}

	return &Block{
		Offset:         absOffset,
		RelativeOffset: relOffset,
		NextOffset:     nextOffset,
		RecordType:     RecordType(recordType),
		Data:           data,
		DataSize:       dataSize,
	}, nil
}

// Writer writes whole store blocks back to the volume image.
type Writer struct {
	io IOTarget
	codec
}

func NewWriter(io IOTarget, opts ...Option) *Writer {
	w := &Writer{io: io}
	for _, opt := range opts {
		opt(&w.codec)
	}
	return w
}

// WriteHeader writes the first HeaderSize bytes of block.Data at
// block.Offset, leaving payload untouched on disk. Used for patching a
// single header field (e.g. next_offset) without rewriting payload.
func (w *Writer) WriteHeader(block *Block) error {
	if _, err := w.io.WriteAt(block.Data[:HeaderSize], block.Offset); err != nil {
		return verrors.Wrap(verrors.IO, "storeblock.WriteHeader", err)
	}
	return nil
}

// WriteFull writes the entire block, computing and appending a trailing
// checksum when enabled.
func (w *Writer) WriteFull(block *Block) error {
	data := block.Data
	if w.checksums && len(data) == Size {
		payloadEnd := Size - checksumSize
		sum := crc32.ChecksumIEEE(data[:payloadEnd])
		_ = bytefmt.PutUint32(data, payloadEnd, sum)
	}
	if _, err := w.io.WriteAt(data, block.Offset); err != nil {
		return verrors.Wrap(verrors.IO, "storeblock.WriteFull", err)
	}
	return nil
}

// PatchNextOffset rewrites bytes 40..47 of a previously written block's
// header, both in memory and on disk, the way chain extension relinks
// the old tail block to the freshly allocated one.
func (w *Writer) PatchNextOffset(block *Block, next int64) error {
	if err := bytefmt.PutInt64(block.Data, 40, next); err != nil {
		return err
	}
	block.NextOffset = next
	if _, err := w.io.WriteAt(block.Data[40:48], block.Offset+40); err != nil {
		return verrors.Wrap(verrors.IO, "storeblock.PatchNextOffset", err)
	}
	return nil
}
