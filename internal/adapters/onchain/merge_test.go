package onchain

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCondition = "0x" + "ab00000000000000000000000000000000000000000000000000000000000001"

func TestHexToBytes32(t *testing.T) {
	b, err := hexToBytes32(testCondition)
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), b[0])
	assert.Equal(t, byte(0x01), b[31])

	_, err = hexToBytes32("0x1234")
	assert.Error(t, err)
	_, err = hexToBytes32(strings.Repeat("zz", 32))
	assert.Error(t, err)
}

func TestMergeCall_Normal(t *testing.T) {
	data, to, err := mergeCall(testCondition, 12.5, false)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(ctfAddress), to)

	method, err := ctfABI.MethodById(data[:4])
	require.NoError(t, err)
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(usdcEAddress), args[0])
	assert.Equal(t, []*big.Int{big.NewInt(1), big.NewInt(2)}, args[3])
	assert.Equal(t, big.NewInt(12_500_000), args[4])
}

func TestMergeCall_NegRiskUsesAdapter(t *testing.T) {
	data, to, err := mergeCall(testCondition, 3, true)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(negRiskAdapter), to)

	method, err := adapterABI.MethodById(data[:4])
	require.NoError(t, err)
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3_000_000), args[1])
}

func TestMergeCall_Invalid(t *testing.T) {
	_, _, err := mergeCall("0xdead", 1, false)
	assert.Error(t, err)
	_, _, err = mergeCall(testCondition, 0, false)
	assert.Error(t, err)
}

func TestWeiToPOL(t *testing.T) {
	assert.InDelta(t, 0.5, weiToPOL(big.NewInt(500_000_000_000_000_000)), 1e-12)
}
