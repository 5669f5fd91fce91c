package metadata_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ilclang/ilc/internal/metadata"
	"github.com/ilclang/ilc/internal/testing/mdbuild"
)

// buildTwoTypes returns an image with two TypeDefs: Lib.Point with two fields
// and one method, and Lib.Empty with none.
func buildTwoTypes(t *testing.T) *metadata.Reader {
	b := mdbuild.New()
	mvid := b.Guid(uuid.MustParse("11223344-5566-7788-99aa-bbccddeeff00"))
	b.Row(metadata.TableModule, 0, b.String("lib.il"), mvid, 0, 0)

	fieldSig := b.Blob([]byte{0x06, 0x08}) // FIELD, i4
	methodSig := b.Blob([]byte{0x20, 0x00, 0x01})

	b.Row(metadata.TableTypeDef,
		0, b.String("Point"), b.String("Lib"),
		0, // no base
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))
	b.Row(metadata.TableField, 0, b.String("x"), fieldSig)
	b.Row(metadata.TableField, 0, b.String("y"), fieldSig)
	b.Row(metadata.TableMethodDef, 0, 0, 0, b.String("Sum"), methodSig, b.NextRow(metadata.TableParam))

	b.Row(metadata.TableTypeDef,
		0, b.String("Empty"), b.String("Lib"),
		0,
		b.NextRow(metadata.TableField), b.NextRow(metadata.TableMethodDef))

	r, err := metadata.NewReader(b.Build())
	require.NoError(t, err)
	return r
}

func TestReaderModule(t *testing.T) {
	r := buildTwoTypes(t)

	mod, err := r.Module()
	require.NoError(t, err)

	name, err := mod.Name()
	require.NoError(t, err)
	require.Equal(t, "lib.il", name)

	mvid, err := mod.Mvid()
	require.NoError(t, err)
	require.Equal(t, uuid.MustParse("11223344-5566-7788-99aa-bbccddeeff00"), mvid)
}

func TestTypeDefRecord(t *testing.T) {
	r := buildTwoTypes(t)

	td, err := r.TypeDef(metadata.RowHandle(metadata.TableTypeDef, 1))
	require.NoError(t, err)

	full, err := td.FullName()
	require.NoError(t, err)
	require.Equal(t, "Lib.Point", full)

	base, err := td.Extends()
	require.NoError(t, err)
	require.True(t, base.IsNil())

	fields, err := td.Fields()
	require.NoError(t, err)
	require.Equal(t, []metadata.Handle{
		metadata.RowHandle(metadata.TableField, 1),
		metadata.RowHandle(metadata.TableField, 2),
	}, fields)

	methods, err := td.Methods()
	require.NoError(t, err)
	require.Len(t, methods, 1)

	// The second type's runs are empty: both lists point past the tables.
	empty, err := r.TypeDef(metadata.RowHandle(metadata.TableTypeDef, 2))
	require.NoError(t, err)
	fields, err = empty.Fields()
	require.NoError(t, err)
	require.Empty(t, fields)
}

func TestFieldAndMethodOwnership(t *testing.T) {
	r := buildTwoTypes(t)

	f, err := r.Field(metadata.RowHandle(metadata.TableField, 2))
	require.NoError(t, err)
	name, err := f.Name()
	require.NoError(t, err)
	require.Equal(t, "y", name)

	owner, err := f.DeclaringType()
	require.NoError(t, err)
	require.Equal(t, metadata.RowHandle(metadata.TableTypeDef, 1), owner)

	m, err := r.MethodDef(metadata.RowHandle(metadata.TableMethodDef, 1))
	require.NoError(t, err)
	owner, err = m.DeclaringType()
	require.NoError(t, err)
	require.Equal(t, metadata.RowHandle(metadata.TableTypeDef, 1), owner)

	sig, err := m.Signature()
	require.NoError(t, err)
	require.Equal(t, []byte{0x20, 0x00, 0x01}, sig)
}

func TestGetRowBounds(t *testing.T) {
	r := buildTwoTypes(t)
	tables := r.Tables()

	n := tables.RowCount(metadata.TableField)
	require.Equal(t, uint32(2), n)

	for row := uint32(1); row <= n; row++ {
		_, err := tables.GetRow(metadata.TableField, row)
		require.NoError(t, err)
	}

	_, err := tables.GetRow(metadata.TableField, 0)
	require.ErrorIs(t, err, metadata.ErrMalformedImage)
	_, err = tables.GetRow(metadata.TableField, n+1)
	require.ErrorIs(t, err, metadata.ErrMalformedImage)
}

func TestCustomAttributeIterator(t *testing.T) {
	b := mdbuild.New()
	b.Row(metadata.TableModule, 0, b.String("m"), 0, 0, 0)
	td1 := b.Row(metadata.TableTypeDef, 0, b.String("A"), 0, 0, 1, 1)
	td2 := b.Row(metadata.TableTypeDef, 0, b.String("B"), 0, 0, 1, 1)
	ctor := b.Row(metadata.TableMethodDef, 0, 0, 0, b.String(".ctor"), b.Blob([]byte{0x20, 0x00, 0x01}), 1)

	// Two attributes on td1, one on td2, interleaved.
	b.Row(metadata.TableCustomAttribute,
		b.Coded(metadata.CodedHasCustomAttribute, td1),
		b.Coded(metadata.CodedCustomAttributeType, ctor),
		b.Blob([]byte{0x01, 0x00, 0x00, 0x00}))
	b.Row(metadata.TableCustomAttribute,
		b.Coded(metadata.CodedHasCustomAttribute, td2),
		b.Coded(metadata.CodedCustomAttributeType, ctor),
		b.Blob([]byte{0x01, 0x00, 0x00, 0x00}))
	b.Row(metadata.TableCustomAttribute,
		b.Coded(metadata.CodedHasCustomAttribute, td1),
		b.Coded(metadata.CodedCustomAttributeType, ctor),
		b.Blob([]byte{0x01, 0x00, 0x00, 0x00}))

	r, err := metadata.NewReader(b.Build())
	require.NoError(t, err)

	it := r.CustomAttributes(td1)
	var got []metadata.Handle
	for {
		h, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, h)
	}
	require.Equal(t, []metadata.Handle{
		metadata.RowHandle(metadata.TableCustomAttribute, 1),
		metadata.RowHandle(metadata.TableCustomAttribute, 3),
	}, got)

	// Restartable: a second pass sees the same rows.
	it.Reset()
	h, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, metadata.RowHandle(metadata.TableCustomAttribute, 1), h)
}

func TestManifestResource(t *testing.T) {
	b := mdbuild.New()
	b.Row(metadata.TableModule, 0, b.String("m"), 0, 0, 0)
	fileRow := b.Row(metadata.TableFile, 0, b.String("data.bin"), b.Blob([]byte{0xAA}))
	b.Row(metadata.TableManifestResource, 64, 1, b.String("strings.res"),
		b.Coded(metadata.CodedImplementation, fileRow))

	r, err := metadata.NewReader(b.Build())
	require.NoError(t, err)

	res, err := r.ManifestResource(metadata.RowHandle(metadata.TableManifestResource, 1))
	require.NoError(t, err)

	name, err := res.Name()
	require.NoError(t, err)
	require.Equal(t, "strings.res", name)

	off, err := res.Offset()
	require.NoError(t, err)
	require.Equal(t, uint32(64), off)

	impl, err := res.Implementation()
	require.NoError(t, err)
	require.Equal(t, fileRow, impl)
}

func TestUserStringHeap(t *testing.T) {
	b := mdbuild.New()
	b.Row(metadata.TableModule, 0, b.String("m"), 0, 0, 0)
	off := b.UserString("héllo ☃")

	r, err := metadata.NewReader(b.Build())
	require.NoError(t, err)

	s, err := r.Image().GetUserString(metadata.HeapHandle(metadata.KindUserString, off))
	require.NoError(t, err)
	require.Equal(t, "héllo ☃", s)
}

func TestHeapOffsetErrors(t *testing.T) {
	r := buildTwoTypes(t)
	img := r.Image()

	_, err := img.GetString(metadata.HeapHandle(metadata.KindString, 1<<20))
	require.ErrorIs(t, err, metadata.ErrMalformedImage)

	_, err = img.GetBlob(metadata.HeapHandle(metadata.KindBlob, 1<<20))
	require.ErrorIs(t, err, metadata.ErrMalformedImage)

	_, err = img.GetGuid(99)
	require.ErrorIs(t, err, metadata.ErrMalformedImage)
}

func TestTruncatedImage(t *testing.T) {
	r := buildTwoTypes(t)
	_ = r

	img := buildTwoTypesBytes(t)
	for _, cut := range []int{4, 16, 40} {
		_, err := metadata.NewReader(img[:cut])
		require.Error(t, err, "cut at %d", cut)
	}

	_, err := metadata.NewReader([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	require.ErrorIs(t, err, metadata.ErrMalformedImage)
}

func buildTwoTypesBytes(t *testing.T) []byte {
	b := mdbuild.New()
	b.Row(metadata.TableModule, 0, b.String("m"), 0, 0, 0)
	return b.Build()
}
