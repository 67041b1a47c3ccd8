package intent

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Packed is the on-chain tuple the entry-point consumes. Two fields are
// bit-packed 32-byte blobs:
//
//	accountGasLimits = verificationGasLimit (high 16 bytes) || callGasLimit (low 16 bytes)
//	gasFees          = maxPriorityFeePerGas (high 16 bytes) || maxFeePerGas (low 16 bytes)
//
// initCode is factory || factoryData or empty; paymasterAndData is
// paymaster || pad16(verificationGas) || pad16(postOpGas) || data or empty.
type Packed struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

// Pack converts an intent into its packed on-chain form. The pairing rules
// of Validate are enforced here as well since packing an unpaired intent
// would silently produce a malformed tuple.
func (op *Intent) Pack() (*Packed, error) {
	if err := op.ValidatePairs(); err != nil {
		return nil, err
	}

	accountGasLimits, err := packUint128Pair(op.VerificationGasLimit, op.CallGasLimit)
	if err != nil {
		return nil, err
	}
	gasFees, err := packUint128Pair(op.MaxPriorityFeePerGas, op.MaxFeePerGas)
	if err != nil {
		return nil, err
	}

	var initCode []byte
	if op.Factory != nil && *op.Factory != (common.Address{}) {
		initCode = append(initCode, op.Factory.Bytes()...)
		initCode = append(initCode, op.FactoryData...)
	}

	var pmAndData []byte
	if op.HasPaymaster() {
		pmAndData = append(pmAndData, op.Paymaster.Bytes()...)
		verif, err := pad16(op.PaymasterVerificationGasLimit)
		if err != nil {
			return nil, err
		}
		postOp, err := pad16(op.PaymasterPostOpGasLimit)
		if err != nil {
			return nil, err
		}
		pmAndData = append(pmAndData, verif...)
		pmAndData = append(pmAndData, postOp...)
		pmAndData = append(pmAndData, op.PaymasterData...)
	}

	nonce := op.Nonce
	if nonce == nil {
		nonce = new(big.Int)
	}
	preVerify := op.PreVerificationGas
	if preVerify == nil {
		preVerify = new(big.Int)
	}

	return &Packed{
		Sender:             op.Sender,
		Nonce:              new(big.Int).Set(nonce),
		InitCode:           initCode,
		CallData:           op.CallData,
		AccountGasLimits:   accountGasLimits,
		PreVerificationGas: new(big.Int).Set(preVerify),
		GasFees:            gasFees,
		PaymasterAndData:   pmAndData,
		Signature:          op.Signature,
	}, nil
}

// Unpack reverses Pack for the fields that survive the round trip
// (everything except the chain-derived identity).
func (p *Packed) Unpack() (*Intent, error) {
	verifGas, callGas := unpackUint128Pair(p.AccountGasLimits)
	tip, feeCap := unpackUint128Pair(p.GasFees)

	op := &Intent{
		Sender:               p.Sender,
		Nonce:                cloneBig(p.Nonce),
		CallData:             p.CallData,
		CallGasLimit:         callGas,
		VerificationGasLimit: verifGas,
		PreVerificationGas:   cloneBig(p.PreVerificationGas),
		MaxFeePerGas:         feeCap,
		MaxPriorityFeePerGas: tip,
		Signature:            p.Signature,
	}

	if len(p.InitCode) > 0 {
		if len(p.InitCode) < common.AddressLength {
			return nil, ErrPackedTooShort
		}
		factory := common.BytesToAddress(p.InitCode[:common.AddressLength])
		op.Factory = &factory
		op.FactoryData = p.InitCode[common.AddressLength:]
	}

	if len(p.PaymasterAndData) > 0 {
		// address + two 16-byte gas limits is the minimum.
		if len(p.PaymasterAndData) < common.AddressLength+32 {
			return nil, ErrPackedTooShort
		}
		pm := common.BytesToAddress(p.PaymasterAndData[:common.AddressLength])
		op.Paymaster = &pm
		op.PaymasterVerificationGasLimit = new(big.Int).SetBytes(
			p.PaymasterAndData[common.AddressLength : common.AddressLength+16])
		op.PaymasterPostOpGasLimit = new(big.Int).SetBytes(
			p.PaymasterAndData[common.AddressLength+16 : common.AddressLength+32])
		op.PaymasterData = p.PaymasterAndData[common.AddressLength+32:]
	}

	return op, nil
}

// packUint128Pair packs two 128-bit values into one 32-byte blob, hi in the
// upper half and lo in the lower half.
func packUint128Pair(hi, lo *big.Int) ([32]byte, error) {
	var out [32]byte
	hiBytes, err := pad16(hi)
	if err != nil {
		return out, err
	}
	loBytes, err := pad16(lo)
	if err != nil {
		return out, err
	}
	copy(out[:16], hiBytes)
	copy(out[16:], loBytes)
	return out, nil
}

// unpackUint128Pair splits a 32-byte blob into its two 128-bit halves.
func unpackUint128Pair(b [32]byte) (hi, lo *big.Int) {
	return new(big.Int).SetBytes(b[:16]), new(big.Int).SetBytes(b[16:])
}

// pad16 renders a value as a 16-byte big-endian slice, rejecting anything
// over 128 bits.
func pad16(v *big.Int) ([]byte, error) {
	u := new(uint256.Int)
	if v != nil {
		if overflow := u.SetFromBig(v); overflow || u.BitLen() > 128 {
			return nil, ErrGasLimitOverflow
		}
	}
	b32 := u.Bytes32()
	return b32[16:], nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
