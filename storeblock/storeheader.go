package storeblock

import (
	"unicode/utf16"

	"github.com/voxelnight/vshadowstore/bytefmt"
	"github.com/voxelnight/vshadowstore/verrors"
)

// StoreHeader is the payload carried by a RecordTypeStoreHeader block,
// following its 128-byte store-block header.
type StoreHeader struct {
	CopyIdentifier         [16]byte
	CopySetIdentifier      [16]byte
	Type                   uint32
	Provider               uint32
	AttributeFlags         uint32
	OperatingMachineString string
	ServiceMachineString   string
}

// ParseStoreHeader decodes the store-header payload. The machine-name
// strings are UTF-16LE with a 16-bit length prefix (in bytes); decoding
// them is a convenience for callers that render them, the core never
// interprets their contents.
func ParseStoreHeader(payload []byte) (*StoreHeader, error) {
	const fixedSize = 64
	if len(payload) < fixedSize {
		return nil, verrors.New(verrors.BadArgument, "storeblock.ParseStoreHeader", "payload shorter than fixed header")
	}

	h := &StoreHeader{}
	var err error
	if h.CopyIdentifier, err = bytefmt.GUID(payload, 16); err != nil {
		return nil, err
	}
	if h.CopySetIdentifier, err = bytefmt.GUID(payload, 32); err != nil {
		return nil, err
	}
	if h.Type, err = bytefmt.Uint32(payload, 48); err != nil {
		return nil, err
	}
	if h.Provider, err = bytefmt.Uint32(payload, 52); err != nil {
		return nil, err
	}
	if h.AttributeFlags, err = bytefmt.Uint32(payload, 56); err != nil {
		return nil, err
	}

	offset := fixedSize
	h.OperatingMachineString, offset, err = readUTF16String(payload, offset)
	if err != nil {
		return nil, err
	}
	h.ServiceMachineString, _, err = readUTF16String(payload, offset)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func readUTF16String(payload []byte, offset int) (string, int, error) {
	length, err := bytefmt.Uint16(payload, offset)
	if err != nil {
		return "", offset, err
	}
	offset += 2

	if int(length)%2 != 0 {
		return "", offset, verrors.New(verrors.Corrupt, "storeblock.readUTF16String", "odd UTF-16LE byte length")
	}
	end := offset + int(length)
	if end > len(payload) {
		return "", offset, verrors.New(verrors.Corrupt, "storeblock.readUTF16String", "string length exceeds containing block")
	}

	units := make([]uint16, int(length)/2)
	for i := range units {
		v, err := bytefmt.Uint16(payload, offset+i*2)
		if err != nil {
			return "", offset, err
		}
		units[i] = v
	}
	return string(utf16.Decode(units)), end, nil
}
