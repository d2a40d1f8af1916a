package domain

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned when a wire buffer ends before the
// declared value.
var ErrShortBuffer = errors.New("domain: short buffer")

// All multi-byte integers on the wire are little-endian. Strings and
// byte blobs are length-prefixed with an int32.

// AppendInt32 appends v little-endian.
func AppendInt32(b []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(b, uint32(v))
}

// AppendInt64 appends v little-endian.
func AppendInt64(b []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(b, uint64(v))
}

// AppendUint64 appends v little-endian.
func AppendUint64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

// AppendString appends a length-prefixed string.
func AppendString(b []byte, s string) []byte {
	b = AppendInt32(b, int32(len(s)))
	return append(b, s...)
}

// AppendBytes appends a length-prefixed byte blob.
func AppendBytes(b, p []byte) []byte {
	b = AppendInt32(b, int32(len(p)))
	return append(b, p...)
}

// ConsumeInt32 reads an int32 and returns the remaining bytes.
func ConsumeInt32(b []byte) (int32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrShortBuffer
	}
	return int32(binary.LittleEndian.Uint32(b)), b[4:], nil
}

// ConsumeInt64 reads an int64 and returns the remaining bytes.
func ConsumeInt64(b []byte) (int64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, ErrShortBuffer
	}
	return int64(binary.LittleEndian.Uint64(b)), b[8:], nil
}

// ConsumeUint64 reads a uint64 and returns the remaining bytes.
func ConsumeUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(b), b[8:], nil
}

// ConsumeString reads a length-prefixed string and returns the
// remaining bytes.
func ConsumeString(b []byte) (string, []byte, error) {
	p, b, err := ConsumeBytes(b)
	if err != nil {
		return "", nil, err
	}
	return string(p), b, nil
}

// ConsumeBytes reads a length-prefixed byte blob and returns the
// remaining bytes.
func ConsumeBytes(b []byte) ([]byte, []byte, error) {
	n, b, err := ConsumeInt32(b)
	if err != nil {
		return nil, nil, err
	}
	if n < 0 || int(n) > len(b) {
		return nil, nil, ErrShortBuffer
	}
	return b[:n:n], b[n:], nil
}
