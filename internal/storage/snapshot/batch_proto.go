package snapshot

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// V0/V1 batch bodies are protobuf messages:
//
//	message SnapshotBatch {
//	  int32 batch_type = 1;
//	  repeated SnapshotItem data = 2;
//	}
//	message SnapshotItem {
//	  bytes data = 1;
//	}
//
// Support is read-only. The fields are walked with protowire rather
// than generated code; unknown fields are skipped.

const (
	protoFieldBatchType = 1
	protoFieldData      = 2
	protoFieldItemData  = 1
)

func parseBatchProto(data []byte) (*Batch, error) {
	batch := &Batch{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad proto tag", ErrInvalidBatch)
		}
		data = data[n:]

		switch {
		case num == protoFieldBatchType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad batch_type varint", ErrInvalidBatch)
			}
			batch.Type = BatchType(int32(v))
			data = data[n:]

		case num == protoFieldData && typ == protowire.BytesType:
			item, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad item bytes", ErrInvalidBatch)
			}
			elem, err := parseProtoItem(item)
			if err != nil {
				return nil, err
			}
			batch.Elements = append(batch.Elements, elem)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad proto field %d", ErrInvalidBatch, num)
			}
			data = data[n:]
		}
	}
	return batch, nil
}

func parseProtoItem(data []byte) ([]byte, error) {
	var elem []byte
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad item tag", ErrInvalidBatch)
		}
		data = data[n:]

		if num == protoFieldItemData && typ == protowire.BytesType {
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad item data", ErrInvalidBatch)
			}
			elem = b
			data = data[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad item field %d", ErrInvalidBatch, num)
		}
		data = data[n:]
	}
	return elem, nil
}

// marshalBatchProto encodes a batch the way V0/V1 writers did. Kept
// for the reader tests; the object writer refuses V0/V1.
func marshalBatchProto(b *Batch) []byte {
	var out []byte
	out = protowire.AppendTag(out, protoFieldBatchType, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(uint32(b.Type)))
	for _, e := range b.Elements {
		var item []byte
		item = protowire.AppendTag(item, protoFieldItemData, protowire.BytesType)
		item = protowire.AppendBytes(item, e)
		out = protowire.AppendTag(out, protoFieldData, protowire.BytesType)
		out = protowire.AppendBytes(out, item)
	}
	return out
}
