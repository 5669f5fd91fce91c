package metadata

import (
	"encoding/binary"
	"fmt"
)

// Magic is the little-endian signature at the start of a metadata root.
const Magic uint32 = 0x424A5342 // "BSJB"

// Image is the immutable byte view of a metadata root: the tables stream plus
// the four heaps, with precomputed stream bounds. It is read-only for its
// entire lifetime and safe for concurrent use.
type Image struct {
	data []byte

	version string

	tables      []byte
	strings     []byte
	userStrings []byte
	blobs       []byte
	guids       []byte
	code        []byte
}

// NewImage parses the stream directory out of a raw metadata root. The byte
// slice is retained; the caller must not mutate it afterwards.
func NewImage(data []byte) (*Image, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("%w: root header truncated at %d bytes", ErrMalformedImage, len(data))
	}
	if got := binary.LittleEndian.Uint32(data); got != Magic {
		return nil, fmt.Errorf("%w: invalid signature 0x%08x", ErrMalformedImage, got)
	}
	versionLen := binary.LittleEndian.Uint32(data[12:])
	if versionLen%4 != 0 || 16+int64(versionLen) > int64(len(data)) {
		return nil, fmt.Errorf("%w: invalid version length %d", ErrMalformedImage, versionLen)
	}
	version := cstring(data[16 : 16+versionLen])

	pos := 16 + int(versionLen)
	if pos+4 > len(data) {
		return nil, fmt.Errorf("%w: stream directory truncated", ErrMalformedImage)
	}
	streamCount := binary.LittleEndian.Uint16(data[pos+2:])
	pos += 4

	img := &Image{data: data, version: version}
	for i := uint16(0); i < streamCount; i++ {
		if pos+8 > len(data) {
			return nil, fmt.Errorf("%w: stream header %d truncated", ErrMalformedImage, i)
		}
		offset := binary.LittleEndian.Uint32(data[pos:])
		size := binary.LittleEndian.Uint32(data[pos+4:])
		pos += 8
		name, n, err := streamName(data[pos:])
		if err != nil {
			return nil, fmt.Errorf("stream header %d: %w", i, err)
		}
		pos += n
		if int64(offset)+int64(size) > int64(len(data)) {
			return nil, fmt.Errorf("%w: stream %q (offset %d, size %d) exceeds image of %d bytes",
				ErrMalformedImage, name, offset, size, len(data))
		}
		body := data[offset : offset+size]
		switch name {
		case "#~", "#-":
			img.tables = body
		case "#Strings":
			img.strings = body
		case "#US":
			img.userStrings = body
		case "#Blob":
			img.blobs = body
		case "#GUID":
			img.guids = body
		case "#IL":
			img.code = body
		default:
			// Unknown streams are skipped, not rejected.
		}
	}
	if img.tables == nil {
		return nil, fmt.Errorf("%w: no tables stream", ErrMalformedImage)
	}
	return img, nil
}

// Version returns the version string recorded in the metadata root.
func (img *Image) Version() string { return img.version }

// StreamSize reports the byte size of a named stream, zero when absent.
func (img *Image) StreamSize(name string) int {
	switch name {
	case "#~":
		return len(img.tables)
	case "#Strings":
		return len(img.strings)
	case "#US":
		return len(img.userStrings)
	case "#Blob":
		return len(img.blobs)
	case "#GUID":
		return len(img.guids)
	case "#IL":
		return len(img.code)
	}
	return 0
}

// CodeAt returns the code stream from the given offset onward. Method body
// decoding determines the actual body length from its header.
func (img *Image) CodeAt(offset uint32) ([]byte, error) {
	if int64(offset) >= int64(len(img.code)) {
		return nil, fmt.Errorf("%w: code offset %d beyond stream of %d bytes", ErrMalformedImage, offset, len(img.code))
	}
	return img.code[offset:], nil
}

// streamName reads a null-terminated stream name padded to 4 bytes.
func streamName(b []byte) (string, int, error) {
	for i := 0; i < len(b) && i < 32; i++ {
		if b[i] == 0 {
			// Name plus terminator, rounded up to the next 4-byte boundary.
			return string(b[:i]), (i + 4) &^ 3, nil
		}
	}
	return "", 0, fmt.Errorf("%w: unterminated stream name", ErrMalformedImage)
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
