package signature

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ilclang/ilc/internal/metadata"
)

func TestDecodeField(t *testing.T) {
	tests := []struct {
		name     string
		blob     []byte
		expected Type
	}{
		{name: "i4", blob: []byte{0x06, 0x08}, expected: Type{Elem: ETI4}},
		{name: "string", blob: []byte{0x06, 0x0E}, expected: Type{Elem: ETString}},
		{
			name:     "valuetype typedef 3",
			blob:     []byte{0x06, 0x11, 3 << 2},
			expected: Type{Elem: ETValueType, Ref: metadata.RowHandle(metadata.TableTypeDef, 3)},
		},
		{
			name:     "szarray of i8",
			blob:     []byte{0x06, 0x1D, 0x0A},
			expected: Type{Elem: ETSZArray, Inner: &Type{Elem: ETI8}},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			typ, err := DecodeField(tc.blob)
			require.NoError(t, err)
			require.Equal(t, tc.expected, typ)
		})
	}
}

func TestDecodeFieldBadLead(t *testing.T) {
	_, err := DecodeField([]byte{0x07, 0x08})
	require.ErrorIs(t, err, metadata.ErrMalformedImage)
}

func TestDecodeMethod(t *testing.T) {
	// instance i4 M(i4, string)
	sig, err := DecodeMethod([]byte{0x20, 0x02, 0x08, 0x08, 0x0E})
	require.NoError(t, err)
	require.True(t, sig.HasThis)
	require.Equal(t, Type{Elem: ETI4}, sig.Return)
	require.Equal(t, []Type{{Elem: ETI4}, {Elem: ETString}}, sig.Params)

	// static void N()
	sig, err = DecodeMethod([]byte{0x00, 0x00, 0x01})
	require.NoError(t, err)
	require.False(t, sig.HasThis)
	require.Equal(t, Type{Elem: ETVoid}, sig.Return)
	require.Empty(t, sig.Params)

	// generic<1> !!0 Id(!!0)
	sig, err = DecodeMethod([]byte{0x30, 0x01, 0x01, 0x1E, 0x00, 0x1E, 0x00})
	require.NoError(t, err)
	require.Equal(t, uint32(1), sig.GenericParams)
	require.Equal(t, Type{Elem: ETMVar}, sig.Return)
}

func TestDecodeLocals(t *testing.T) {
	locals, err := DecodeLocals([]byte{0x07, 0x03, 0x08, 0x0D, 0x1C})
	require.NoError(t, err)
	require.Equal(t, []Type{{Elem: ETI4}, {Elem: ETR8}, {Elem: ETObject}}, locals)
}

func TestDecodeGenericInst(t *testing.T) {
	// valuetype Pair<i4, string> as a TypeSpec
	typ, err := DecodeTypeSpec([]byte{0x15, 0x11, 2 << 2, 0x02, 0x08, 0x0E})
	require.NoError(t, err)
	require.Equal(t, ETGenericInst, typ.Elem)
	require.True(t, typ.ValueInst)
	require.Equal(t, metadata.RowHandle(metadata.TableTypeDef, 2), typ.Ref)
	require.Equal(t, []Type{{Elem: ETI4}, {Elem: ETString}}, typ.Args)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := DecodeField([]byte{0x06})
	require.ErrorIs(t, err, metadata.ErrMalformedImage)
	_, err = DecodeMethod([]byte{0x20, 0x02, 0x08, 0x08})
	require.ErrorIs(t, err, metadata.ErrMalformedImage)
	_, err = DecodeTypeSpec([]byte{0x1D})
	require.ErrorIs(t, err, metadata.ErrMalformedImage)
}

func TestSubstitute(t *testing.T) {
	open := Type{Elem: ETSZArray, Inner: &Type{Elem: ETVar}}
	require.True(t, IsOpen(open))

	closed, err := Substitute(open, []Type{{Elem: ETI4}}, nil)
	require.NoError(t, err)
	require.False(t, IsOpen(closed))
	require.Equal(t, Type{Elem: ETSZArray, Inner: &Type{Elem: ETI4}}, closed)

	_, err = Substitute(Type{Elem: ETVar, Num: 2}, []Type{{Elem: ETI4}}, nil)
	require.ErrorIs(t, err, metadata.ErrUnresolvedReference)
}

func TestKey(t *testing.T) {
	inst := Type{
		Elem: ETGenericInst,
		Ref:  metadata.RowHandle(metadata.TableTypeDef, 2),
		Args: []Type{{Elem: ETI4}, {Elem: ETSZArray, Inner: &Type{Elem: ETString}}},
	}
	require.Equal(t, "TypeDef[2]<i4,string[]>", Key(inst))
}
