package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// maxUint48 marks an unbounded validUntil (the contract encodes "forever"
// as zero in the 48-bit field).
const maxUint48 = (1 << 48) - 1

// ValidationData is the unpacked form of the 256-bit validationData word
// returned by account and paymaster validation:
//
//	bits 0..159    aggregator address (zero = no aggregator, 1 = sig failed)
//	bits 160..207  validUntil (48 bits, 0 = unbounded)
//	bits 208..255  validAfter (48 bits)
type ValidationData struct {
	Aggregator common.Address
	SigFailed  bool
	ValidAfter uint64
	ValidUntil uint64
}

// ParseValidationData splits a packed validationData word.
func ParseValidationData(v *big.Int) ValidationData {
	if v == nil {
		v = new(big.Int)
	}

	aggregator := new(big.Int).And(v, new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1)))
	validUntil := new(big.Int).And(new(big.Int).Rsh(v, 160), big.NewInt(maxUint48)).Uint64()
	validAfter := new(big.Int).And(new(big.Int).Rsh(v, 208), big.NewInt(maxUint48)).Uint64()

	if validUntil == 0 {
		validUntil = maxUint48
	}

	addr := common.BigToAddress(aggregator)
	return ValidationData{
		Aggregator: addr,
		SigFailed:  aggregator.Cmp(big.NewInt(1)) == 0,
		ValidAfter: validAfter,
		ValidUntil: validUntil,
	}
}

// Intersect returns the tighter of two validity windows.
func (v ValidationData) Intersect(other ValidationData) (validAfter, validUntil uint64) {
	validAfter = v.ValidAfter
	if other.ValidAfter > validAfter {
		validAfter = other.ValidAfter
	}
	validUntil = v.ValidUntil
	if other.ValidUntil < validUntil {
		validUntil = other.ValidUntil
	}
	return validAfter, validUntil
}
