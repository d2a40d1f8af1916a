package snapshot

import (
	"errors"
	"fmt"
)

// ErrUnknownVersion is returned for version bytes this implementation
// does not recognize.
var ErrUnknownVersion = errors.New("snapshot: unknown version")

// Version is the snapshot format version, the single byte following
// the header magic.
type Version uint8

const (
	// V0 and V1 carry protobuf-encoded batch bodies. They are
	// readable best-effort; the writer refuses them.
	V0 Version = 0x00
	V1 Version = 0x01
	// V2 and V3 carry the native batch body and are written and read
	// identically: the reserved third header word is written as zero
	// and ignored on read.
	V2 Version = 0x02
	V3 Version = 0x03

	// VersionNone marks an uninitialized version. Invalid on disk.
	VersionNone Version = 0xFF
)

// CurrentVersion is the version new snapshot sets are written with.
const CurrentVersion = V2

// String returns the short version name.
func (v Version) String() string {
	switch v {
	case V0:
		return "v0"
	case V1:
		return "v1"
	case V2:
		return "v2"
	case V3:
		return "v3"
	case VersionNone:
		return "none"
	default:
		return fmt.Sprintf("version(0x%02x)", uint8(v))
	}
}

// ParseVersion validates a version byte read from disk.
func ParseVersion(b byte) (Version, error) {
	v := Version(b)
	switch v {
	case V0, V1, V2, V3:
		return v, nil
	default:
		return VersionNone, fmt.Errorf("%w: 0x%02x", ErrUnknownVersion, b)
	}
}

// native reports whether the version uses the native batch body.
func (v Version) native() bool {
	return v == V2 || v == V3
}
