package snapshot

import (
	"bytes"
	"errors"
	"testing"

	"github.com/yndnr/keepermesh-go/internal/core/domain"
)

func TestBatchRoundTrip(t *testing.T) {
	b := &Batch{Type: BatchTypeSession}
	b.Add([]byte("first"))
	b.Add(nil)
	b.Add([]byte("third element"))

	got, err := ParseBatch(b.Serialize(), V2)
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	if got.Type != BatchTypeSession {
		t.Fatalf("Type = %v, want %v", got.Type, BatchTypeSession)
	}
	if got.Len() != 3 {
		t.Fatalf("Len = %d, want 3", got.Len())
	}
	if !bytes.Equal(got.Elements[0], []byte("first")) {
		t.Fatalf("element 0 = %q", got.Elements[0])
	}
	if len(got.Elements[1]) != 0 {
		t.Fatalf("element 1 = %q, want empty", got.Elements[1])
	}
	if !bytes.Equal(got.Elements[2], []byte("third element")) {
		t.Fatalf("element 2 = %q", got.Elements[2])
	}
}

func TestBatchRoundTrip_Empty(t *testing.T) {
	b := &Batch{Type: BatchTypeACLMap}
	got, err := ParseBatch(b.Serialize(), V3)
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	if got.Type != BatchTypeACLMap || got.Len() != 0 {
		t.Fatalf("got %+v, want empty aclmap batch", got)
	}
}

func TestBatchPreservesOrder(t *testing.T) {
	b := &Batch{Type: BatchTypeStringMap}
	want := []string{"z", "a", "m", "a"}
	for _, s := range want {
		b.Add([]byte(s))
	}
	got, err := ParseBatch(b.Serialize(), V2)
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	for i, s := range want {
		if string(got.Elements[i]) != s {
			t.Fatalf("element %d = %q, want %q", i, got.Elements[i], s)
		}
	}
}

func TestParseBatch_Invalid(t *testing.T) {
	valid := (&Batch{Type: BatchTypeSession, Elements: [][]byte{[]byte("abc")}}).Serialize()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short type", valid[:3]},
		{"short count", valid[:6]},
		{"short element length", valid[:10]},
		{"element length exceeds input", valid[:len(valid)-1]},
		{"count exceeds elements", func() []byte {
			b := append([]byte(nil), valid...)
			b[4] = 9 // claim nine elements, carry one
			return b
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseBatch(tt.data, V2); !errors.Is(err, ErrInvalidBatch) {
				t.Fatalf("ParseBatch = %v, want ErrInvalidBatch", err)
			}
		})
	}
}

func TestParseBatch_Proto(t *testing.T) {
	b := &Batch{Type: BatchTypeUintMap}
	b.Add(domain.AppendString(nil, "key"))
	b.Add([]byte("raw"))

	wire := marshalBatchProto(b)
	got, err := ParseBatch(wire, V0)
	if err != nil {
		t.Fatalf("ParseBatch(V0): %v", err)
	}
	if got.Type != BatchTypeUintMap {
		t.Fatalf("Type = %v, want %v", got.Type, BatchTypeUintMap)
	}
	if got.Len() != 2 || !bytes.Equal(got.Elements[1], []byte("raw")) {
		t.Fatalf("elements = %q", got.Elements)
	}

	if _, err := ParseBatch([]byte{0xff, 0xff}, V1); !errors.Is(err, ErrInvalidBatch) {
		t.Fatalf("ParseBatch(garbage, V1) = %v, want ErrInvalidBatch", err)
	}
}
