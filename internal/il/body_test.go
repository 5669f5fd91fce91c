package il_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ilclang/ilc/internal/il"
	"github.com/ilclang/ilc/internal/metadata"
	"github.com/ilclang/ilc/internal/testing/mdbuild"
)

func TestDecodeTinyBody(t *testing.T) {
	code := mdbuild.NewAsm().
		Op(il.OpLdcI42).
		Op(il.OpLdcI43).
		Op(il.OpAdd).
		Op(il.OpRet).
		Bytes()

	body, err := il.DecodeBody(mdbuild.TinyBody(code))
	require.NoError(t, err)
	require.Equal(t, uint32(8), body.MaxStack)
	require.Equal(t, code, body.Code)
	require.Zero(t, body.LocalSigToken)
	require.Empty(t, body.EHClauses)
}

func TestDecodeFatBody(t *testing.T) {
	code := mdbuild.NewAsm().Op(il.OpLdcI40).Op(il.OpRet).Bytes()

	body, err := il.DecodeBody(mdbuild.FatBody(4, 0x11000001, code))
	require.NoError(t, err)
	require.Equal(t, uint32(4), body.MaxStack)
	require.Equal(t, uint32(0x11000001), body.LocalSigToken)
	require.True(t, body.InitLocals)
	require.Equal(t, code, body.Code)
}

func TestDecodeFatBodyWithEH(t *testing.T) {
	code := make([]byte, 20)
	for i := range code {
		code[i] = byte(il.OpNop)
	}
	code[19] = byte(il.OpRet)

	clause := il.EHClause{
		Kind:          il.EHCatch,
		TryOffset:     2,
		TryLength:     6,
		HandlerOffset: 8,
		HandlerLength: 10,
		ClassToken:    0x01000001,
	}
	body, err := il.DecodeBody(mdbuild.FatBody(2, 0, code, clause))
	require.NoError(t, err)
	require.Equal(t, []il.EHClause{clause}, body.EHClauses)
}

func TestDecodeBodyMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{name: "empty", input: nil},
		{name: "tiny truncated", input: []byte{10<<2 | 0x02, 0x00}},
		{name: "fat header truncated", input: []byte{0x13, 0x30, 0, 0}},
		{name: "bad format bits", input: []byte{0x00}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := il.DecodeBody(tc.input)
			require.ErrorIs(t, err, metadata.ErrMalformedImage)
		})
	}
}

func TestDecodeInstructions(t *testing.T) {
	code := mdbuild.NewAsm().
		Op(il.OpLdcI4).I32(1000).
		Op(il.OpLdcI4S).I8(-5).
		Op(il.OpLdarg0).
		Op(il.OpCall).Token(0x06000002).
		Op(il.OpCeq).
		Op(il.OpRet).
		Bytes()

	instrs, err := il.Decode(code)
	require.NoError(t, err)
	require.Len(t, instrs, 6)

	require.Equal(t, il.OpLdcI4, instrs[0].Op)
	require.Equal(t, int64(1000), instrs[0].Int)
	require.Equal(t, il.OpLdcI4S, instrs[1].Op)
	require.Equal(t, int64(-5), instrs[1].Int)
	require.Equal(t, il.OpCall, instrs[3].Op)
	require.Equal(t, uint32(0x06000002), instrs[3].Token)
	require.Equal(t, il.OpCeq, instrs[4].Op)
	require.Equal(t, il.OpRet, instrs[5].Op)
}

func TestDecodeBranchTargets(t *testing.T) {
	// 0: br.s +2 (target 4)
	// 2: ldc.i4.1 ; 3: ret ; 4: ldc.i4.2 ; 5: ret
	code := mdbuild.NewAsm().
		Op(il.OpBrS).I8(2).
		Op(il.OpLdcI41).
		Op(il.OpRet).
		Op(il.OpLdcI42).
		Op(il.OpRet).
		Bytes()

	instrs, err := il.Decode(code)
	require.NoError(t, err)
	require.Equal(t, uint32(4), instrs[0].Target)

	// Long backward branch.
	code = mdbuild.NewAsm().
		Op(il.OpNop).
		Op(il.OpBr).I32(-6).
		Bytes()
	instrs, err = il.Decode(code)
	require.NoError(t, err)
	require.Equal(t, uint32(0), instrs[1].Target)
}

func TestDecodeTruncatedOperand(t *testing.T) {
	_, err := il.Decode([]byte{byte(il.OpLdcI4), 0x01})
	require.ErrorIs(t, err, metadata.ErrMalformedImage)

	_, err = il.Decode([]byte{0xFE})
	require.ErrorIs(t, err, metadata.ErrMalformedImage)
}

func TestOpcodeNames(t *testing.T) {
	require.Equal(t, "ldc.i4.s", il.OpLdcI4S.String())
	require.Equal(t, "unbox.any", il.OpUnboxAny.String())
	require.Equal(t, "ceq", il.OpCeq.String())
	require.Equal(t, "op(0x24)", il.Opcode(0x24).String())
}
