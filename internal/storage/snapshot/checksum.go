package snapshot

import (
	"encoding/binary"
	"hash/crc32"
)

// GetCRC32 computes the zlib-compatible CRC32 of data.
func GetCRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// UpdateChecksum folds a batch crc into the running file checksum by
// laying the two words consecutively little-endian (previous checksum
// first) and taking the crc32 of the pair. The resulting file
// checksum depends on batch order. The layout is an on-disk contract
// and must not change.
func UpdateChecksum(checksum, dataCRC uint32) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], checksum)
	binary.LittleEndian.PutUint32(buf[4:8], dataCRC)
	return crc32.ChecksumIEEE(buf[:])
}
