// Package intent models the user-signed intent a bundler submits on the
// user's behalf: the unpacked wire form used on the JSON-RPC surface, the
// packed tuple the entry-point contract consumes, and the conversions
// between them. The intent hash itself is chain-derived (the entry-point's
// getUserOpHash view); everything here is a pure function of the fields.
package intent

import (
	"encoding/json"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// Validation errors.
var (
	ErrSenderZero        = errors.New("intent: sender is zero address")
	ErrFeeInvalid        = errors.New("intent: invalid fee caps")
	ErrTipAboveFeeCap    = errors.New("intent: maxPriorityFeePerGas exceeds maxFeePerGas")
	ErrFactoryPair       = errors.New("intent: factory and factoryData must be present together")
	ErrPaymasterPair     = errors.New("intent: paymaster fields must be present together")
	ErrGasLimitOverflow  = errors.New("intent: gas value exceeds 128 bits")
	ErrPackedTooShort    = errors.New("intent: packed field too short")
	ErrAuthorizationBits = errors.New("intent: authorization signature values exceed 256 bits")
)

// Authorization is an EIP-7702 delegation authorization: an EOA's permission
// for its address to temporarily execute contract code during a single
// transaction.
type Authorization struct {
	ChainID *big.Int       `json:"chainId"`
	Address common.Address `json:"address"`
	Nonce   uint64         `json:"nonce"`
	YParity uint8          `json:"yParity"`
	R       *big.Int       `json:"r"`
	S       *big.Int       `json:"s"`
}

// ToSetCode converts the authorization into go-ethereum's EIP-7702
// representation for inclusion in a SetCodeTx authorization list.
func (a *Authorization) ToSetCode() (types.SetCodeAuthorization, error) {
	chainID, overflow := uint256.FromBig(a.ChainID)
	if a.ChainID == nil {
		chainID = new(uint256.Int)
	} else if overflow {
		return types.SetCodeAuthorization{}, ErrAuthorizationBits
	}
	r, overflow := uint256.FromBig(a.R)
	if a.R == nil {
		r = new(uint256.Int)
	} else if overflow {
		return types.SetCodeAuthorization{}, ErrAuthorizationBits
	}
	s, overflow := uint256.FromBig(a.S)
	if a.S == nil {
		s = new(uint256.Int)
	} else if overflow {
		return types.SetCodeAuthorization{}, ErrAuthorizationBits
	}
	return types.SetCodeAuthorization{
		ChainID: *chainID,
		Address: a.Address,
		Nonce:   a.Nonce,
		V:       a.YParity,
		R:       *r,
		S:       *s,
	}, nil
}

// Intent is the unpacked user operation as it appears on the JSON-RPC wire.
// Factory and Paymaster are nil when absent. Gas values are big ints because
// the packed on-chain form carries them as 128-bit halves.
type Intent struct {
	Sender               common.Address
	Nonce                *big.Int
	Factory              *common.Address
	FactoryData          []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int

	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte

	Signature     []byte
	Authorization *Authorization
}

// wireIntent is the hex-encoded JSON representation.
type wireIntent struct {
	Sender               common.Address  `json:"sender"`
	Nonce                *hexutil.Big    `json:"nonce"`
	Factory              *common.Address `json:"factory,omitempty"`
	FactoryData          hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData             hexutil.Bytes   `json:"callData"`
	CallGasLimit         *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`

	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`

	Signature     hexutil.Bytes      `json:"signature"`
	Authorization *wireAuthorization `json:"eip7702Auth,omitempty"`
}

type wireAuthorization struct {
	ChainID *hexutil.Big   `json:"chainId"`
	Address common.Address `json:"address"`
	Nonce   hexutil.Uint64 `json:"nonce"`
	YParity hexutil.Uint64 `json:"yParity"`
	R       *hexutil.Big   `json:"r"`
	S       *hexutil.Big   `json:"s"`
}

// MarshalJSON encodes the intent in the unpacked wire schema.
func (op *Intent) MarshalJSON() ([]byte, error) {
	w := wireIntent{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(op.Nonce),
		Factory:              op.Factory,
		FactoryData:          op.FactoryData,
		CallData:             op.CallData,
		CallGasLimit:         (*hexutil.Big)(op.CallGasLimit),
		VerificationGasLimit: (*hexutil.Big)(op.VerificationGasLimit),
		PreVerificationGas:   (*hexutil.Big)(op.PreVerificationGas),
		MaxFeePerGas:         (*hexutil.Big)(op.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(op.MaxPriorityFeePerGas),

		Paymaster:                     op.Paymaster,
		PaymasterVerificationGasLimit: (*hexutil.Big)(op.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       (*hexutil.Big)(op.PaymasterPostOpGasLimit),
		PaymasterData:                 op.PaymasterData,

		Signature: op.Signature,
	}
	if op.Authorization != nil {
		w.Authorization = &wireAuthorization{
			ChainID: (*hexutil.Big)(op.Authorization.ChainID),
			Address: op.Authorization.Address,
			Nonce:   hexutil.Uint64(op.Authorization.Nonce),
			YParity: hexutil.Uint64(op.Authorization.YParity),
			R:       (*hexutil.Big)(op.Authorization.R),
			S:       (*hexutil.Big)(op.Authorization.S),
		}
	}
	return json.Marshal(&w)
}

// UnmarshalJSON decodes the unpacked wire schema.
func (op *Intent) UnmarshalJSON(data []byte) error {
	var w wireIntent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	op.Sender = w.Sender
	op.Nonce = (*big.Int)(w.Nonce)
	op.Factory = w.Factory
	op.FactoryData = w.FactoryData
	op.CallData = w.CallData
	op.CallGasLimit = (*big.Int)(w.CallGasLimit)
	op.VerificationGasLimit = (*big.Int)(w.VerificationGasLimit)
	op.PreVerificationGas = (*big.Int)(w.PreVerificationGas)
	op.MaxFeePerGas = (*big.Int)(w.MaxFeePerGas)
	op.MaxPriorityFeePerGas = (*big.Int)(w.MaxPriorityFeePerGas)
	op.Paymaster = w.Paymaster
	op.PaymasterVerificationGasLimit = (*big.Int)(w.PaymasterVerificationGasLimit)
	op.PaymasterPostOpGasLimit = (*big.Int)(w.PaymasterPostOpGasLimit)
	op.PaymasterData = w.PaymasterData
	op.Signature = w.Signature
	if w.Authorization != nil {
		op.Authorization = &Authorization{
			ChainID: (*big.Int)(w.Authorization.ChainID),
			Address: w.Authorization.Address,
			Nonce:   uint64(w.Authorization.Nonce),
			YParity: uint8(w.Authorization.YParity),
			R:       (*big.Int)(w.Authorization.R),
			S:       (*big.Int)(w.Authorization.S),
		}
	}
	return nil
}

// Validate performs static validation of the intent: non-zero sender, sane
// fee caps, and the factory/paymaster pairing rules. It never touches state.
func (op *Intent) Validate() error {
	if op.Sender == (common.Address{}) {
		return ErrSenderZero
	}
	if op.MaxFeePerGas == nil || op.MaxFeePerGas.Sign() <= 0 {
		return ErrFeeInvalid
	}
	if op.MaxPriorityFeePerGas == nil || op.MaxPriorityFeePerGas.Sign() < 0 {
		return ErrFeeInvalid
	}
	if op.MaxPriorityFeePerGas.Cmp(op.MaxFeePerGas) > 0 {
		return ErrTipAboveFeeCap
	}
	if err := op.ValidatePairs(); err != nil {
		return err
	}
	return nil
}

// ValidatePairs enforces that factory/factoryData and the paymaster block
// are present together. Gas estimation uses it on its own since estimate
// requests may omit fee values.
func (op *Intent) ValidatePairs() error {
	hasFactory := op.Factory != nil && *op.Factory != (common.Address{})
	if hasFactory != (len(op.FactoryData) > 0) {
		return ErrFactoryPair
	}
	hasPaymaster := op.Paymaster != nil && *op.Paymaster != (common.Address{})
	if hasPaymaster {
		if op.PaymasterVerificationGasLimit == nil || op.PaymasterPostOpGasLimit == nil {
			return ErrPaymasterPair
		}
	} else if len(op.PaymasterData) > 0 ||
		op.PaymasterVerificationGasLimit != nil || op.PaymasterPostOpGasLimit != nil {
		return ErrPaymasterPair
	}
	return nil
}

// HasPaymaster reports whether the intent carries a non-zero paymaster.
func (op *Intent) HasPaymaster() bool {
	return op.Paymaster != nil && *op.Paymaster != (common.Address{})
}

// GweiToWei converts a gwei-denominated config value into wei.
func GweiToWei(gwei float64) *big.Int {
	wei := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9))
	out, _ := wei.Int(nil)
	return out
}
