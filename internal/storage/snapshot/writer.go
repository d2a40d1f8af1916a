package snapshot

import (
	"fmt"
	"os"

	"github.com/yndnr/keepermesh-go/internal/core/domain"
)

// Object file framing.
const (
	magicHead = "SnapHead"
	magicTail = "SnapTail"
	magicSize = 8

	// HeaderSize is the fixed batch header: length, crc and a
	// reserved word, each 4 bytes.
	HeaderSize = 12
)

// ObjectWriter produces one snapshot object file.
type ObjectWriter struct {
	path     string
	file     *os.File
	version  Version
	checksum uint32
	closed   bool
}

// NewObjectWriter creates the file truncate-or-create, writes the
// header magic and the version byte, and initializes the running
// checksum. Only native versions are writable.
func NewObjectWriter(path string, v Version) (*ObjectWriter, error) {
	if !v.native() {
		return nil, fmt.Errorf("snapshot: version %s is read-only", v)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("snapshot: create object: %w", err)
	}

	w := &ObjectWriter{path: path, file: file, version: v}
	var hdr [magicSize + 1]byte
	copy(hdr[:], magicHead)
	hdr[magicSize] = byte(v)
	if _, err := file.Write(hdr[:]); err != nil {
		file.Close()
		return nil, fmt.Errorf("snapshot: write object header: %w", err)
	}
	return w, nil
}

// Append serializes the batch, writes the 12-byte header followed by
// the body, and folds the body crc into the running checksum. It
// returns the bytes written and the updated checksum.
func (w *ObjectWriter) Append(b *Batch) (int, uint32, error) {
	if w.closed {
		return 0, w.checksum, fmt.Errorf("snapshot: writer is closed")
	}

	body := b.Serialize()
	dataCRC := GetCRC32(body)

	header := make([]byte, 0, HeaderSize)
	header = domain.AppendInt32(header, int32(len(body)))
	header = domain.AppendInt32(header, int32(dataCRC))
	header = domain.AppendInt32(header, 0) // reserved, always zero on write

	if _, err := w.file.Write(header); err != nil {
		return 0, w.checksum, fmt.Errorf("snapshot: write batch header: %w", err)
	}
	if _, err := w.file.Write(body); err != nil {
		return 0, w.checksum, fmt.Errorf("snapshot: write batch body: %w", err)
	}

	w.checksum = UpdateChecksum(w.checksum, dataCRC)
	return HeaderSize + len(body), w.checksum, nil
}

// Checksum returns the current rolling checksum.
func (w *ObjectWriter) Checksum() uint32 { return w.checksum }

// Close writes the tail magic and the rolling checksum, syncs and
// closes the file.
func (w *ObjectWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	tail := make([]byte, 0, magicSize+4)
	tail = append(tail, magicTail...)
	tail = domain.AppendInt32(tail, int32(w.checksum))

	if _, err := w.file.Write(tail); err != nil {
		w.file.Close()
		return fmt.Errorf("snapshot: write object tail: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("snapshot: sync object: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("snapshot: close object: %w", err)
	}
	return nil
}

// Abort closes and removes a partially written object. Used on
// serialization failure so no truncated object survives.
func (w *ObjectWriter) Abort() {
	if !w.closed {
		w.closed = true
		w.file.Close()
	}
	os.Remove(w.path)
}
