package ducklake

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
)

// avroMagic opens every Avro Object Container File.
var avroMagic = []byte{'O', 'b', 'j', 1}

// encoder produces Avro binary encoding. All integers are zig-zag varints;
// there is no framing inside a record, so field order must follow the
// schema exactly.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) writeLong(v int64) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutVarint(scratch[:], v)
	e.buf.Write(scratch[:n])
}

func (e *encoder) writeInt(v int32) {
	e.writeLong(int64(v))
}

func (e *encoder) writeBytes(b []byte) {
	e.writeLong(int64(len(b)))
	e.buf.Write(b)
}

func (e *encoder) writeString(s string) {
	e.writeBytes([]byte(s))
}

// writeOptionalLong encodes a ["null", "long"] union.
func (e *encoder) writeOptionalLong(v *int64) {
	if v == nil {
		e.writeLong(0)
		return
	}
	e.writeLong(1)
	e.writeLong(*v)
}

func (e *encoder) bytes() []byte {
	return e.buf.Bytes()
}

// syncMarker derives a deterministic 16-byte block marker so repeated
// generations of the same snapshot are byte-identical.
func syncMarker(tableID, snapshotID int64) [16]byte {
	var seed [16]byte
	binary.LittleEndian.PutUint64(seed[:8], uint64(tableID))
	binary.LittleEndian.PutUint64(seed[8:], uint64(snapshotID))
	sum := sha256.Sum256(seed[:])
	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

// writeOCF assembles an Avro Object Container File: magic, file metadata
// map carrying the schema, the sync marker, then a single data block.
func writeOCF(schemaJSON string, records [][]byte, sync [16]byte) []byte {
	var header encoder
	header.buf.Write(avroMagic)

	// File metadata is an Avro map<bytes>: block count, entries, end.
	header.writeLong(2)
	header.writeString("avro.schema")
	header.writeString(schemaJSON)
	header.writeString("avro.codec")
	header.writeString("null")
	header.writeLong(0)
	header.buf.Write(sync[:])

	var body bytes.Buffer
	for _, record := range records {
		body.Write(record)
	}

	var block encoder
	block.writeLong(int64(len(records)))
	block.writeLong(int64(body.Len()))
	block.buf.Write(body.Bytes())
	block.buf.Write(sync[:])

	return append(header.bytes(), block.bytes()...)
}
