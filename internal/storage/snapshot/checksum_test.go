package snapshot

import (
	"encoding/binary"
	"hash/crc32"
	"testing"
)

func TestGetCRC32(t *testing.T) {
	data := []byte("keepermesh")
	if got, want := GetCRC32(data), crc32.ChecksumIEEE(data); got != want {
		t.Fatalf("GetCRC32 = %08x, want %08x", got, want)
	}
	if GetCRC32(nil) != 0 {
		t.Fatalf("GetCRC32(nil) = %08x, want 0", GetCRC32(nil))
	}
}

func TestUpdateChecksum(t *testing.T) {
	// The combiner is crc32 over the two words laid out consecutively
	// little-endian, previous checksum first.
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], 0xdeadbeef)
	binary.LittleEndian.PutUint32(buf[4:8], 0x12345678)
	want := crc32.ChecksumIEEE(buf[:])

	if got := UpdateChecksum(0xdeadbeef, 0x12345678); got != want {
		t.Fatalf("UpdateChecksum = %08x, want %08x", got, want)
	}
}

func TestUpdateChecksum_OrderDependent(t *testing.T) {
	a := UpdateChecksum(UpdateChecksum(0, 1), 2)
	b := UpdateChecksum(UpdateChecksum(0, 2), 1)
	if a == b {
		t.Fatalf("checksum should depend on batch order, got %08x both ways", a)
	}
}

func TestUpdateChecksum_FoldLaw(t *testing.T) {
	// The file checksum equals the literal crc32 fold over the batch
	// crcs, computed here without UpdateChecksum.
	crcs := []uint32{7, 0, 0xffffffff, 42, 1 << 31}

	var want uint32
	for _, c := range crcs {
		var buf [8]byte
		binary.LittleEndian.PutUint32(buf[0:4], want)
		binary.LittleEndian.PutUint32(buf[4:8], c)
		want = crc32.ChecksumIEEE(buf[:])
	}

	var got uint32
	for _, c := range crcs {
		got = UpdateChecksum(got, c)
	}
	if got != want {
		t.Fatalf("fold = %08x, want %08x", got, want)
	}
}
