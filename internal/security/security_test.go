package security

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testK    = bytes.Repeat([]byte{0x11}, 16)
	testOP   = bytes.Repeat([]byte{0x22}, 16)
	testRAND = bytes.Repeat([]byte{0x33}, 16)
	testSQN  = bytes.Repeat([]byte{0x00}, 6)
	testAMF  = []byte{0x80, 0x00}
)

func TestComputeOPc_Deterministic(t *testing.T) {
	opc1, err := ComputeOPc(testK, testOP)
	require.NoError(t, err)
	opc2, err := ComputeOPc(testK, testOP)
	require.NoError(t, err)
	require.Equal(t, opc1, opc2)
	require.Len(t, opc1, 16)
}

func TestComputeOPc_RejectsWrongLengths(t *testing.T) {
	_, err := ComputeOPc(testK[:8], testOP)
	require.Error(t, err)
	_, err = ComputeOPc(testK, testOP[:8])
	require.Error(t, err)
}

func TestGenerateVector_ProducesWellFormedFields(t *testing.T) {
	opc, err := ComputeOPc(testK, testOP)
	require.NoError(t, err)

	v, err := GenerateVector(testK, opc, testRAND, testSQN, testAMF, "262010")
	require.NoError(t, err)

	require.Len(t, v.RAND, 16)
	require.Len(t, v.AUTN, 16)
	require.Len(t, v.XRES, 8)
	require.Len(t, v.KASME, 32)
}

func TestGenerateVector_DifferentRANDDifferentVector(t *testing.T) {
	opc, err := ComputeOPc(testK, testOP)
	require.NoError(t, err)

	v1, err := GenerateVector(testK, opc, testRAND, testSQN, testAMF, "262010")
	require.NoError(t, err)

	rand2 := append([]byte{}, testRAND...)
	rand2[0] ^= 0xff
	v2, err := GenerateVector(testK, opc, rand2, testSQN, testAMF, "262010")
	require.NoError(t, err)

	require.NotEqual(t, v1.KASME, v2.KASME)
	require.NotEqual(t, v1.XRES, v2.XRES)
}

func TestGenerateVector_RejectsMalformedInputs(t *testing.T) {
	opc, err := ComputeOPc(testK, testOP)
	require.NoError(t, err)
	_, err = GenerateVector(testK, opc, testRAND[:4], testSQN, testAMF, "262010")
	require.Error(t, err)
}

func TestDeriveNASKeys_StableAndDistinctByAlgorithm(t *testing.T) {
	opc, err := ComputeOPc(testK, testOP)
	require.NoError(t, err)
	v, err := GenerateVector(testK, opc, testRAND, testSQN, testAMF, "262010")
	require.NoError(t, err)

	d := NewDeriver()
	int1, enc1 := d.DeriveNASKeys(v.KASME, "EIA2", "EEA2")
	int2, enc2 := d.DeriveNASKeys(v.KASME, "EIA1", "EEA1")

	require.Len(t, int1, 16)
	require.Len(t, enc1, 16)
	require.NotEqual(t, int1, int2)
	require.NotEqual(t, enc1, enc2)
	require.NotEqual(t, int1, enc1)
}
