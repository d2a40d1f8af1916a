// Package snapshot implements the snapshot engine: a versioned,
// checksummed, batched binary file format for persisting the
// coordination store, plus the entity serializers and the set manager
// that produces one object file per entity category.
//
// Object layout:
//
//	"SnapHead"                      8-byte magic
//	version                         1 byte
//	{header, body} ...              repeated batches
//	"SnapTail"                      8-byte magic
//	checksum                        4-byte rolling crc
//
// Each 12-byte batch header carries the body length, the body crc32
// and a reserved word. The trailing checksum folds every batch crc in
// file order. All integers are little-endian.
package snapshot
