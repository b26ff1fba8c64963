// Package blocklist manages the active block-descriptor-list store
// block that a write extends, rotating to a freshly allocated store
// block once the active one's 508 descriptor slots (list_entry_number
// 0..507) fill -- the same
// "track one active unit, roll over on a capacity threshold" shape as
// segmentmanager.DiskSegmentManager, adapted from file segments to
// 16 KiB store blocks chained by next_offset instead of by filename
// ordinal. Where the segment manager opened a new OS file and left the
// old one alone, rotation here copies the old block's 128-byte header
// template into the new one and patches the old block's next_offset to
// point at it, so the block-list chain stays walkable by a plain
// next_offset follow the way the metadata-chain drain already does.
package blocklist

import (
	"sync"

	"go.uber.org/zap"

	"github.com/voxelnight/vshadowstore/blockdesc"
	"github.com/voxelnight/vshadowstore/bytefmt"
	"github.com/voxelnight/vshadowstore/storeblock"
	"github.com/voxelnight/vshadowstore/storerun"
	"github.com/voxelnight/vshadowstore/verrors"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger attaches structured logging to rotation events.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager tracks the active block-list store block and appends new
// 32-byte descriptor entries to it, rotating as needed.
type Manager struct {
	mu      sync.Mutex
	io      storeblock.IOTarget
	writer  *storeblock.Writer
	tracker *storerun.Tracker
	active  *storeblock.Block
	entries int // list_entry_number of the last entry written; -1 if none yet
	log     *zap.SugaredLogger
}

// New builds a Manager. Callers must Seed it with the currently active
// block-list store block (discovered during metadata-chain drain)
// before calling Append.
func New(io storeblock.IOTarget, tracker *storerun.Tracker, opts ...Option) *Manager {
	m := &Manager{io: io, writer: storeblock.NewWriter(io), tracker: tracker, entries: -1}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Seed primes the manager with the last-known active block-list store
// block and the highest list_entry_number already written into it.
func (m *Manager) Seed(active *storeblock.Block, lastEntryNumber int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = active
	m.entries = lastEntryNumber
}

// Append writes a 32-byte descriptor entry into the active block-list
// store block, rotating to a freshly allocated block first if the
// active one is already full. Returns the disk location the entry was
// written at and the list_entry_number it was assigned.
func (m *Manager) Append(entry []byte) (location int64, listEntryNumber int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return 0, 0, verrors.New(verrors.Internal, "blocklist.Append", "manager has no active block-list store block")
	}
	if m.entries >= blockdesc.MaxListEntryNumber {
		if err := m.rotate(); err != nil {
			return 0, 0, err
		}
	}

	m.entries++
	location = m.active.Offset + int64(storeblock.HeaderSize) + int64(m.entries)*int64(blockdesc.Size)
	if _, err := m.io.WriteAt(entry, location); err != nil {
		return 0, 0, verrors.Wrap(verrors.IO, "blocklist.Append", err)
	}
	return location, m.entries, nil
}

func (m *Manager) rotate() error {
	template := make([]byte, storeblock.HeaderSize)
	copy(template, m.active.Data[:storeblock.HeaderSize])

	newOffset := m.tracker.GetNextFree()
	if newOffset == 0 {
		return verrors.New(verrors.OutOfSpace, "blocklist.rotate", "free-space tracker exhausted")
	}

	newData := make([]byte, storeblock.Size)
	copy(newData[:storeblock.HeaderSize], template)
	relOffset := newOffset - (m.active.Offset - m.active.RelativeOffset)
	if err := bytefmt.PutInt64(newData, 24, relOffset); err != nil {
		return err
	}
	if err := bytefmt.PutInt64(newData, 32, newOffset); err != nil {
		return err
	}
	if err := bytefmt.PutInt64(newData, 40, 0); err != nil {
		return err
	}
	if err := bytefmt.PutUint32(newData, 20, uint32(storeblock.RecordTypeStoreIndex)); err != nil {
		return err
	}

	newBlock := &storeblock.Block{
		Offset:         newOffset,
		RelativeOffset: relOffset,
		NextOffset:     0,
		RecordType:     storeblock.RecordTypeStoreIndex,
		Data:           newData,
		DataSize:       storeblock.Size,
	}

	if err := m.writer.WriteFull(newBlock); err != nil {
		return err
	}
	if err := m.writer.PatchNextOffset(m.active, newOffset); err != nil {
		return err
	}

	if m.log != nil {
		m.log.Infow("rotated block-list store block", "oldOffset", m.active.Offset, "newOffset", newOffset)
	}

	m.active = newBlock
	m.entries = -1
	return nil
}

// Active returns the currently active block-list store block.
func (m *Manager) Active() *storeblock.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
