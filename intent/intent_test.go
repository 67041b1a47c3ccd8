package intent

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIntent() *Intent {
	return &Intent{
		Sender:               common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Nonce:                big.NewInt(7),
		CallData:             []byte{0xde, 0xad},
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(150_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		Signature:            []byte{0x01},
	}
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, validIntent().Validate())
}

func TestValidateRejectsZeroSender(t *testing.T) {
	op := validIntent()
	op.Sender = common.Address{}
	assert.ErrorIs(t, op.Validate(), ErrSenderZero)
}

func TestValidateRejectsBadFees(t *testing.T) {
	op := validIntent()
	op.MaxFeePerGas = nil
	assert.ErrorIs(t, op.Validate(), ErrFeeInvalid)

	op = validIntent()
	op.MaxFeePerGas = big.NewInt(0)
	assert.ErrorIs(t, op.Validate(), ErrFeeInvalid)

	op = validIntent()
	op.MaxPriorityFeePerGas = big.NewInt(3_000_000_000)
	assert.ErrorIs(t, op.Validate(), ErrTipAboveFeeCap)
}

func TestValidateFactoryPairing(t *testing.T) {
	factory := common.HexToAddress("0x2222222222222222222222222222222222222222")

	op := validIntent()
	op.Factory = &factory
	assert.ErrorIs(t, op.Validate(), ErrFactoryPair)

	op = validIntent()
	op.FactoryData = []byte{0x01}
	assert.ErrorIs(t, op.Validate(), ErrFactoryPair)

	op = validIntent()
	op.Factory = &factory
	op.FactoryData = []byte{0x01}
	assert.NoError(t, op.Validate())
}

func TestValidatePaymasterPairing(t *testing.T) {
	pm := common.HexToAddress("0x3333333333333333333333333333333333333333")

	op := validIntent()
	op.Paymaster = &pm
	assert.ErrorIs(t, op.Validate(), ErrPaymasterPair)

	op = validIntent()
	op.PaymasterData = []byte{0x01}
	assert.ErrorIs(t, op.Validate(), ErrPaymasterPair)

	op = validIntent()
	op.Paymaster = &pm
	op.PaymasterVerificationGasLimit = big.NewInt(60_000)
	op.PaymasterPostOpGasLimit = big.NewInt(20_000)
	assert.NoError(t, op.Validate())
	assert.True(t, op.HasPaymaster())
}

func TestJSONRoundTrip(t *testing.T) {
	pm := common.HexToAddress("0x3333333333333333333333333333333333333333")
	op := validIntent()
	op.Paymaster = &pm
	op.PaymasterVerificationGasLimit = big.NewInt(60_000)
	op.PaymasterPostOpGasLimit = big.NewInt(20_000)
	op.PaymasterData = []byte{0xaa}
	op.Authorization = &Authorization{
		ChainID: big.NewInt(31337),
		Address: common.HexToAddress("0x4444444444444444444444444444444444444444"),
		Nonce:   1,
		YParity: 1,
		R:       big.NewInt(10),
		S:       big.NewInt(20),
	}

	data, err := json.Marshal(op)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"eip7702Auth"`)

	var back Intent
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, op.Sender, back.Sender)
	assert.Equal(t, 0, op.Nonce.Cmp(back.Nonce))
	assert.Equal(t, op.CallData, []byte(back.CallData))
	require.NotNil(t, back.Paymaster)
	assert.Equal(t, pm, *back.Paymaster)
	require.NotNil(t, back.Authorization)
	assert.Equal(t, op.Authorization.Address, back.Authorization.Address)
	assert.Equal(t, op.Authorization.YParity, back.Authorization.YParity)
}

func TestUnmarshalHexWire(t *testing.T) {
	raw := `{
		"sender": "0x1111111111111111111111111111111111111111",
		"nonce": "0x7",
		"callData": "0xdead",
		"callGasLimit": "0x186a0",
		"verificationGasLimit": "0x249f0",
		"preVerificationGas": "0xc350",
		"maxFeePerGas": "0x77359400",
		"maxPriorityFeePerGas": "0x3b9aca00",
		"signature": "0x01"
	}`
	var op Intent
	require.NoError(t, json.Unmarshal([]byte(raw), &op))
	require.NoError(t, op.Validate())
	assert.Equal(t, int64(100_000), op.CallGasLimit.Int64())
	assert.Nil(t, op.Factory)
	assert.Nil(t, op.Authorization)
}

func TestAuthorizationToSetCode(t *testing.T) {
	auth := &Authorization{
		ChainID: big.NewInt(31337),
		Address: common.HexToAddress("0x4444444444444444444444444444444444444444"),
		Nonce:   9,
		YParity: 1,
		R:       big.NewInt(1),
		S:       big.NewInt(2),
	}
	sc, err := auth.ToSetCode()
	require.NoError(t, err)
	assert.Equal(t, uint64(31337), sc.ChainID.Uint64())
	assert.Equal(t, auth.Address, sc.Address)
	assert.Equal(t, uint64(9), sc.Nonce)
	assert.Equal(t, uint8(1), sc.V)

	overflow := new(big.Int).Lsh(big.NewInt(1), 256)
	auth.R = overflow
	_, err = auth.ToSetCode()
	assert.ErrorIs(t, err, ErrAuthorizationBits)
}

func TestGweiToWei(t *testing.T) {
	assert.Equal(t, int64(1_000_000_000), GweiToWei(1).Int64())
	assert.Equal(t, int64(1_500_000_000), GweiToWei(1.5).Int64())
	assert.Equal(t, int64(0), GweiToWei(0).Int64())
}
