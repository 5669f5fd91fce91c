package metadata

import (
	"fmt"
	"unicode/utf16"

	"github.com/google/uuid"
)

// GetString decodes the null-terminated UTF-8 run starting at offset in the
// strings heap.
func (img *Image) GetString(h Handle) (string, error) {
	if h.IsNil() {
		return "", nil
	}
	if h.Kind() != KindString {
		return "", fmt.Errorf("%w: %s is not a strings-heap handle", ErrUnresolvedReference, h)
	}
	off := h.Offset()
	if int64(off) >= int64(len(img.strings)) {
		return "", fmt.Errorf("%w: string offset %d beyond heap of %d bytes", ErrMalformedImage, off, len(img.strings))
	}
	b := img.strings[off:]
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return "", fmt.Errorf("%w: string at offset %d not terminated before heap end", ErrMalformedImage, off)
}

// GetBlob decodes the compressed-length-prefixed blob starting at offset in
// the blob heap. The returned bytes alias the image; callers must not mutate
// them.
func (img *Image) GetBlob(h Handle) ([]byte, error) {
	if h.IsNil() {
		return nil, nil
	}
	if h.Kind() != KindBlob {
		return nil, fmt.Errorf("%w: %s is not a blob-heap handle", ErrUnresolvedReference, h)
	}
	return heapBlob(img.blobs, h.Offset(), "blob")
}

// GetUserString decodes the length-prefixed UTF-16 string at offset in the
// user-strings heap. The length prefix counts bytes and includes the trailing
// terminal byte.
func (img *Image) GetUserString(h Handle) (string, error) {
	if h.IsNil() {
		return "", nil
	}
	if h.Kind() != KindUserString {
		return "", fmt.Errorf("%w: %s is not a user-strings handle", ErrUnresolvedReference, h)
	}
	b, err := heapBlob(img.userStrings, h.Offset(), "user string")
	if err != nil {
		return "", err
	}
	if len(b) == 0 {
		return "", nil
	}
	if len(b)%2 != 1 {
		return "", fmt.Errorf("%w: user string at offset %d has even byte length %d", ErrMalformedImage, h.Offset(), len(b))
	}
	// Strip the terminal byte; the rest is UTF-16LE code units.
	b = b[:len(b)-1]
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return string(utf16.Decode(units)), nil
}

// GetGuid returns the 16-byte slot at the 1-based index in the GUID heap.
func (img *Image) GetGuid(index uint32) (uuid.UUID, error) {
	if index == 0 {
		return uuid.Nil, nil
	}
	start := int64(index-1) * 16
	if start+16 > int64(len(img.guids)) {
		return uuid.Nil, fmt.Errorf("%w: GUID index %d beyond heap of %d bytes", ErrMalformedImage, index, len(img.guids))
	}
	g, err := uuid.FromBytes(img.guids[start : start+16])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}
	return g, nil
}

func heapBlob(heap []byte, off uint32, what string) ([]byte, error) {
	if int64(off) >= int64(len(heap)) {
		return nil, fmt.Errorf("%w: %s offset %d beyond heap of %d bytes", ErrMalformedImage, what, off, len(heap))
	}
	length, n, err := DecodeCompressedUint(heap[off:])
	if err != nil {
		return nil, fmt.Errorf("%s at offset %d: %w", what, off, err)
	}
	start := int64(off) + int64(n)
	end := start + int64(length)
	if end > int64(len(heap)) {
		return nil, fmt.Errorf("%w: %s at offset %d runs past heap end (%d > %d)", ErrMalformedImage, what, off, end, len(heap))
	}
	return heap[start:end], nil
}

// DecodeCompressedUint reads the 1-, 2- or 4-byte unsigned-integer encoding
// used for blob lengths and signature components: values below 0x80 take one
// byte, a leading 10 selects the 14-bit form, a leading 110 the 29-bit form.
// It returns the value and the number of bytes consumed.
func DecodeCompressedUint(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("%w: empty compressed integer", ErrMalformedImage)
	}
	switch {
	case b[0]&0x80 == 0:
		return uint32(b[0]), 1, nil
	case b[0]&0xC0 == 0x80:
		if len(b) < 2 {
			return 0, 0, fmt.Errorf("%w: truncated 2-byte compressed integer", ErrMalformedImage)
		}
		return uint32(b[0]&0x3F)<<8 | uint32(b[1]), 2, nil
	case b[0]&0xE0 == 0xC0:
		if len(b) < 4 {
			return 0, 0, fmt.Errorf("%w: truncated 4-byte compressed integer", ErrMalformedImage)
		}
		return uint32(b[0]&0x1F)<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), 4, nil
	default:
		return 0, 0, fmt.Errorf("%w: invalid compressed integer lead byte %#x", ErrMalformedImage, b[0])
	}
}

// EncodeCompressedUint appends the compressed encoding of v to dst. Values of
// 2^29 or more are not representable.
func EncodeCompressedUint(dst []byte, v uint32) ([]byte, error) {
	switch {
	case v < 0x80:
		return append(dst, byte(v)), nil
	case v < 0x4000:
		return append(dst, byte(v>>8)|0x80, byte(v)), nil
	case v < 0x20000000:
		return append(dst, byte(v>>24)|0xC0, byte(v>>16), byte(v>>8), byte(v)), nil
	default:
		return dst, fmt.Errorf("value %d exceeds the 29-bit compressed integer range", v)
	}
}
