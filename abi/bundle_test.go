package abi

import (
	"encoding/binary"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func buildTestBundle(t *testing.T, entries []BundleEntry) []byte {
	t.Helper()
	buf := make([]byte, bundleHeaderSize+len(entries)*bundleEntrySize)
	copy(buf[0:8], BundleMagic[:])
	binary.LittleEndian.PutUint16(buf[8:10], SupportedBundleVersion)
	binary.LittleEndian.PutUint16(buf[10:12], uint16(len(entries)))
	binary.LittleEndian.PutUint32(buf[12:16], bundleHeaderSize)

	for i, e := range entries {
		off := bundleHeaderSize + i*bundleEntrySize
		copy(buf[off:off+BundleNameSize], e.Name[:])
		p := off + BundleNameSize
		buf[p] = byte(e.Type)
		buf[p+1] = e.Flags
		binary.LittleEndian.PutUint32(buf[p+4:p+8], e.Offset)
		binary.LittleEndian.PutUint32(buf[p+8:p+12], e.Size)
		binary.LittleEndian.PutUint32(buf[p+12:p+16], e.Checksum)
	}
	return buf
}

func nameField(s string) [BundleNameSize]byte {
	var n [BundleNameSize]byte
	copy(n[:], s)
	return n
}

// TestParseBundleEntriesRoundTrip follows the teacher's loopback-test
// idiom (nodefs/loopback_linux_test.go) of pretty.Compare-ing a struct
// against what comes back out of a round trip, rather than asserting
// one field at a time.
func TestParseBundleEntriesRoundTrip(t *testing.T) {
	want := []BundleEntry{
		{Name: nameField("init"), Type: BundleEntryTask, Offset: 128, Size: 4096, Checksum: 0xdeadbeef},
		{Name: nameField("splash.bmp"), Type: BundleEntryData, Flags: 1, Offset: 4224, Size: 512, Checksum: 0xabad1dea},
	}
	blob := buildTestBundle(t, want)

	hdr, err := ParseBundleHeader(blob)
	if err != nil {
		t.Fatalf("ParseBundleHeader: %v", err)
	}
	got, err := ParseBundleEntries(blob, hdr)
	if err != nil {
		t.Fatalf("ParseBundleEntries: %v", err)
	}

	if diff := pretty.Compare(want, got); diff != "" {
		t.Fatalf("entry table mismatch (-want +got):\n%s", diff)
	}
}

func TestParseBundleHeaderRejectsBadMagic(t *testing.T) {
	blob := buildTestBundle(t, nil)
	blob[0] = 'X'
	if _, err := ParseBundleHeader(blob); err != errBundleMagic {
		t.Fatalf("expected errBundleMagic, got %v", err)
	}
}

func TestParseBundleHeaderRejectsShortBlob(t *testing.T) {
	if _, err := ParseBundleHeader([]byte{1, 2, 3}); err != errBundleShort {
		t.Fatalf("expected errBundleShort, got %v", err)
	}
}

func TestParseBundleEntriesRejectsTruncatedTable(t *testing.T) {
	blob := buildTestBundle(t, []BundleEntry{{Name: nameField("x"), Type: BundleEntryTask}})
	hdr, err := ParseBundleHeader(blob)
	if err != nil {
		t.Fatalf("ParseBundleHeader: %v", err)
	}
	hdr.EntryCount = 5
	if _, err := ParseBundleEntries(blob, hdr); err != errBundleTableShort {
		t.Fatalf("expected errBundleTableShort, got %v", err)
	}
}
