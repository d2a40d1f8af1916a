package snapshot

import (
	"errors"
	"fmt"

	"github.com/yndnr/keepermesh-go/internal/core/domain"
)

// ErrInvalidBatch is returned when a batch body cannot be decoded:
// a length field exceeding the remaining input, or a declared element
// count that cannot be read in full.
var ErrInvalidBatch = errors.New("snapshot: invalid batch")

// BatchType selects the entity serializer that interprets a batch's
// elements.
type BatchType int32

const (
	BatchTypeNone          BatchType = 0
	BatchTypeSession       BatchType = 1
	BatchTypeACLMap        BatchType = 2
	BatchTypeStringMap     BatchType = 3
	BatchTypeUintMap       BatchType = 4
	BatchTypeDataEphemeral BatchType = 5
	BatchTypeDataTree      BatchType = 6
)

// String returns the batch type name.
func (t BatchType) String() string {
	switch t {
	case BatchTypeNone:
		return "none"
	case BatchTypeSession:
		return "session"
	case BatchTypeACLMap:
		return "aclmap"
	case BatchTypeStringMap:
		return "stringmap"
	case BatchTypeUintMap:
		return "uintmap"
	case BatchTypeDataEphemeral:
		return "ephemeral"
	case BatchTypeDataTree:
		return "tree"
	default:
		return fmt.Sprintf("batchtype(%d)", int32(t))
	}
}

// Batch is a typed group of opaque byte elements written as one unit
// inside a snapshot object. Element order is insertion order.
type Batch struct {
	Type     BatchType
	Elements [][]byte
}

// Add appends an element.
func (b *Batch) Add(element []byte) {
	b.Elements = append(b.Elements, element)
}

// Len returns the element count.
func (b *Batch) Len() int { return len(b.Elements) }

// Serialize encodes the native batch body: type, element count, then
// each element length-prefixed.
func (b *Batch) Serialize() []byte {
	size := 8
	for _, e := range b.Elements {
		size += 4 + len(e)
	}
	out := make([]byte, 0, size)
	out = domain.AppendInt32(out, int32(b.Type))
	out = domain.AppendInt32(out, int32(len(b.Elements)))
	for _, e := range b.Elements {
		out = domain.AppendBytes(out, e)
	}
	return out
}

// ParseBatch decodes a batch body for the given format version. No
// CRC verification happens here; that is the object reader's job.
func ParseBatch(data []byte, v Version) (*Batch, error) {
	if !v.native() {
		return parseBatchProto(data)
	}
	return parseBatchNative(data)
}

func parseBatchNative(data []byte) (*Batch, error) {
	typ, rest, err := domain.ConsumeInt32(data)
	if err != nil {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidBatch)
	}
	count, rest, err := domain.ConsumeInt32(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: missing element count", ErrInvalidBatch)
	}
	if count < 0 {
		return nil, fmt.Errorf("%w: negative element count %d", ErrInvalidBatch, count)
	}

	batch := &Batch{Type: BatchType(typ)}
	if count > 0 {
		batch.Elements = make([][]byte, 0, count)
	}
	for i := int32(0); i < count; i++ {
		var elem []byte
		elem, rest, err = domain.ConsumeBytes(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: element %d of %d", ErrInvalidBatch, i, count)
		}
		batch.Elements = append(batch.Elements, elem)
	}
	return batch, nil
}
