// Package mdbuild builds metadata images programmatically so tests can
// exercise the reader, type system and translator without binary fixtures.
package mdbuild

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"fortio.org/safecast"
	"github.com/google/uuid"

	"github.com/ilclang/ilc/internal/metadata"
)

// Builder accumulates heap entries, table rows and method bodies, then
// serializes a complete metadata root. Helper methods panic on impossible
// inputs since the builder only runs under tests.
type Builder struct {
	strings    []byte
	stringIdx  map[string]uint32
	blobs      []byte
	userStrings []byte
	guids      []byte
	code       []byte

	rows [0x2D][][]uint32
}

func New() *Builder {
	return &Builder{
		strings:   []byte{0},
		stringIdx: map[string]uint32{"": 0},
		blobs:     []byte{0},
	}
}

// String interns s in the strings heap and returns its offset.
func (b *Builder) String(s string) uint32 {
	if off, ok := b.stringIdx[s]; ok {
		return off
	}
	off, err := safecast.Conv[uint32](len(b.strings))
	if err != nil {
		panic(err)
	}
	b.strings = append(b.strings, s...)
	b.strings = append(b.strings, 0)
	b.stringIdx[s] = off
	return off
}

// Blob appends a length-prefixed blob and returns its offset.
func (b *Builder) Blob(data []byte) uint32 {
	off, err := safecast.Conv[uint32](len(b.blobs))
	if err != nil {
		panic(err)
	}
	n, err := safecast.Conv[uint32](len(data))
	if err != nil {
		panic(err)
	}
	b.blobs, err = metadata.EncodeCompressedUint(b.blobs, n)
	if err != nil {
		panic(err)
	}
	b.blobs = append(b.blobs, data...)
	return off
}

// UserString appends a UTF-16 user string (with terminal byte) and returns
// its heap offset, suitable for a 0x70 token.
func (b *Builder) UserString(s string) uint32 {
	if b.userStrings == nil {
		b.userStrings = []byte{0}
	}
	off, err := safecast.Conv[uint32](len(b.userStrings))
	if err != nil {
		panic(err)
	}
	units := utf16.Encode([]rune(s))
	n, err := safecast.Conv[uint32](len(units)*2 + 1)
	if err != nil {
		panic(err)
	}
	b.userStrings, err = metadata.EncodeCompressedUint(b.userStrings, n)
	if err != nil {
		panic(err)
	}
	for _, u := range units {
		b.userStrings = append(b.userStrings, byte(u), byte(u>>8))
	}
	b.userStrings = append(b.userStrings, 0)
	return off
}

// Guid appends a GUID slot and returns its 1-based index.
func (b *Builder) Guid(g uuid.UUID) uint32 {
	b.guids = append(b.guids, g[:]...)
	return uint32(len(b.guids) / 16)
}

// Code appends a method body to the code stream and returns its offset.
func (b *Builder) Code(body []byte) uint32 {
	off, err := safecast.Conv[uint32](len(b.code))
	if err != nil {
		panic(err)
	}
	b.code = append(b.code, body...)
	return off
}

// Row appends a row with raw column values in schema order and returns the
// 1-based row handle.
func (b *Builder) Row(table metadata.TableKind, values ...uint32) metadata.Handle {
	b.rows[table] = append(b.rows[table], values)
	n, err := safecast.Conv[uint32](len(b.rows[table]))
	if err != nil {
		panic(err)
	}
	return metadata.RowHandle(table, n)
}

// NextRow returns the handle the next Row call on table will produce, for
// run-list columns that must point one past the current end.
func (b *Builder) NextRow(table metadata.TableKind) uint32 {
	return uint32(len(b.rows[table]) + 1)
}

// Coded encodes a handle as the raw value of a coded-index column.
func (b *Builder) Coded(kind metadata.CodedKind, h metadata.Handle) uint32 {
	v, err := kind.Encode(h)
	if err != nil {
		panic(err)
	}
	return v
}

func (b *Builder) rowCount(t metadata.TableKind) uint32 {
	if int(t) >= len(b.rows) {
		return 0
	}
	return uint32(len(b.rows[t]))
}

// Build serializes the accumulated state into a metadata root image.
func (b *Builder) Build() []byte {
	tables := b.buildTables()

	type stream struct {
		name string
		body []byte
	}
	streams := []stream{{"#~", tables}, {"#Strings", b.strings}, {"#Blob", b.blobs}}
	if b.userStrings != nil {
		streams = append(streams, stream{"#US", b.userStrings})
	}
	if b.guids != nil {
		streams = append(streams, stream{"#GUID", b.guids})
	}
	if b.code != nil {
		streams = append(streams, stream{"#IL", b.code})
	}

	version := []byte("v1.0\x00\x00\x00\x00") // padded to 4
	var hdr []byte
	hdr = le32(hdr, metadata.Magic)
	hdr = append(hdr, 1, 0, 1, 0)       // major, minor
	hdr = le32(hdr, 0)                  // reserved
	hdr = le32(hdr, uint32(len(version)))
	hdr = append(hdr, version...)
	hdr = append(hdr, 0, 0)             // flags
	hdr = append(hdr, byte(len(streams)), 0)

	// Stream directory size must be known before offsets can be assigned.
	dirSize := 0
	for _, s := range streams {
		dirSize += 8 + ((len(s.name) + 1 + 3) &^ 3)
	}
	offset := len(hdr) + dirSize

	var dir []byte
	for _, s := range streams {
		dir = le32(dir, uint32(offset))
		dir = le32(dir, uint32(len(s.body)))
		dir = append(dir, s.name...)
		dir = append(dir, 0)
		for len(dir)%4 != 0 {
			dir = append(dir, 0)
		}
		offset += len(s.body)
	}

	out := append(hdr, dir...)
	for _, s := range streams {
		out = append(out, s.body...)
	}
	return out
}

func (b *Builder) buildTables() []byte {
	var valid uint64
	for t := range b.rows {
		if len(b.rows[t]) > 0 {
			valid |= 1 << t
		}
	}

	var out []byte
	out = le32(out, 0)            // reserved
	out = append(out, 2, 0, 0, 0) // major, minor, heapSizes (narrow), reserved
	out = le64(out, valid)
	out = le64(out, 0) // sorted mask unused by the reader
	for t := range b.rows {
		if len(b.rows[t]) > 0 {
			out = le32(out, uint32(len(b.rows[t])))
		}
	}

	for t := range b.rows {
		if len(b.rows[t]) == 0 {
			continue
		}
		widths := metadata.ColumnWidths(metadata.TableKind(t), b.rowCount, 0)
		for rowIdx, row := range b.rows[t] {
			if len(row) != len(widths) {
				panic(fmt.Sprintf("table 0x%02x row %d: %d values, schema has %d columns", t, rowIdx+1, len(row), len(widths)))
			}
			for i, v := range row {
				if widths[i] == 2 {
					if v > 0xFFFF {
						panic(fmt.Sprintf("table 0x%02x row %d col %d: value %d overflows narrow column", t, rowIdx+1, i, v))
					}
					out = append(out, byte(v), byte(v>>8))
				} else {
					out = le32(out, v)
				}
			}
		}
	}
	return out
}

func le32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

func le64(dst []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(dst, buf[:]...)
}
