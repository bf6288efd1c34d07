package abi

import (
	"bytes"
	"errors"
)

// BundleMagic is the fixed 8-byte magic that opens every init bundle.
var BundleMagic = [8]byte{'I', 'N', 'I', 'T', 'B', 'N', 'D', 0}

// SupportedBundleVersion is the only bundle version this loader accepts.
const SupportedBundleVersion = 1

// BundleEntryType distinguishes a spawnable task image from an inert
// resource blob.
type BundleEntryType uint8

const (
	BundleEntryTask BundleEntryType = 0
	BundleEntryData BundleEntryType = 1
)

// BundleNameSize is the fixed width of an entry's NUL-padded name field.
const BundleNameSize = 32

// BundleHeader is the fixed-size prefix of every init bundle blob.
type BundleHeader struct {
	Magic       [8]byte
	Version     uint16
	EntryCount  uint16
	TableOffset uint32
	Reserved    [8]byte
}

// BundleEntry describes one blob inside the bundle, found in the table
// at BundleHeader.TableOffset.
type BundleEntry struct {
	Name     [BundleNameSize]byte
	Type     BundleEntryType
	Flags    uint8
	Reserved [2]byte
	Offset   uint32
	Size     uint32
	Checksum uint32
}

// NameString returns the entry's name with trailing NUL padding trimmed.
func (e BundleEntry) NameString() string {
	i := bytes.IndexByte(e.Name[:], 0)
	if i < 0 {
		i = len(e.Name)
	}
	return string(e.Name[:i])
}

// Spawnable reports whether this entry is a runnable user task image.
func (e BundleEntry) Spawnable() bool {
	return e.Type == BundleEntryTask
}

var (
	errBundleShort      = errors.New("abi: bundle shorter than header")
	errBundleMagic      = errors.New("abi: bundle magic mismatch")
	errBundleVersion    = errors.New("abi: unsupported bundle version")
	errBundleTableShort = errors.New("abi: bundle table extends past blob")
)

const bundleHeaderSize = 8 + 2 + 2 + 4 + 8
const bundleEntrySize = BundleNameSize + 1 + 1 + 2 + 4 + 4 + 4

// ParseBundleHeader decodes and validates the fixed header at the start
// of blob, following the teacher's init-handshake pattern of validating
// a version before trusting the rest of the payload
// (fuse.MountState.init checks FUSE_KERNEL_VERSION the same way).
func ParseBundleHeader(blob []byte) (BundleHeader, error) {
	var h BundleHeader
	if len(blob) < bundleHeaderSize {
		return h, errBundleShort
	}
	copy(h.Magic[:], blob[0:8])
	h.Version = byteOrder.Uint16(blob[8:10])
	h.EntryCount = byteOrder.Uint16(blob[10:12])
	h.TableOffset = byteOrder.Uint32(blob[12:16])
	copy(h.Reserved[:], blob[16:24])

	if h.Magic != BundleMagic {
		return h, errBundleMagic
	}
	if h.Version != SupportedBundleVersion {
		return h, errBundleVersion
	}
	return h, nil
}

// ParseBundleEntries decodes the entry table described by hdr out of blob.
func ParseBundleEntries(blob []byte, hdr BundleHeader) ([]BundleEntry, error) {
	entries := make([]BundleEntry, 0, hdr.EntryCount)
	off := int(hdr.TableOffset)
	for i := 0; i < int(hdr.EntryCount); i++ {
		end := off + bundleEntrySize
		if end > len(blob) {
			return nil, errBundleTableShort
		}
		var e BundleEntry
		copy(e.Name[:], blob[off:off+BundleNameSize])
		p := off + BundleNameSize
		e.Type = BundleEntryType(blob[p])
		e.Flags = blob[p+1]
		copy(e.Reserved[:], blob[p+2:p+4])
		e.Offset = byteOrder.Uint32(blob[p+4 : p+8])
		e.Size = byteOrder.Uint32(blob[p+8 : p+12])
		e.Checksum = byteOrder.Uint32(blob[p+12 : p+16])
		entries = append(entries, e)
		off = end
	}
	return entries, nil
}
