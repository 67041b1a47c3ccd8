package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/intent"
)

// Entry-point adapter errors.
var (
	ErrBadHashResult  = errors.New("chain: getUserOpHash returned malformed data")
	ErrBadSimResult   = errors.New("chain: simulateValidation returned malformed data")
	ErrLogShape       = errors.New("chain: log does not match expected event shape")
	ErrWrongEventAddr = errors.New("chain: log emitted by unexpected address")
)

// EntryPoint binds the entry-point contract at a fixed address.
// SimulationCode, when set, is injected over the entry-point's code via an
// eth_call state override so simulateValidation can run against deployments
// that ship the simulation logic out-of-line.
type EntryPoint struct {
	Address        common.Address
	SimulationCode []byte
}

// NewEntryPoint creates an adapter for the entry-point at addr.
func NewEntryPoint(addr common.Address) *EntryPoint {
	return &EntryPoint{Address: addr}
}

// UserOpHash derives the intent hash by calling the entry-point's
// getUserOpHash view with the packed tuple. The result is a pure function
// of every field except the signature and delegation authorization.
func (ep *EntryPoint) UserOpHash(ctx context.Context, backend Backend, op *intent.Packed) (common.Hash, error) {
	data, err := entryPointABI.Pack("getUserOpHash", op)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack getUserOpHash: %w", err)
	}
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &ep.Address, Data: data}, nil)
	if err != nil {
		return common.Hash{}, err
	}
	if len(out) != 32 {
		return common.Hash{}, ErrBadHashResult
	}
	return common.BytesToHash(out), nil
}

// HandleOpsCalldata encodes a handleOps bundle submission for the given
// packed intents and beneficiary.
func (ep *EntryPoint) HandleOpsCalldata(ops []*intent.Packed, beneficiary common.Address) ([]byte, error) {
	// abi.Pack wants value slices for tuple arrays.
	vals := make([]intent.Packed, len(ops))
	for i, op := range ops {
		vals[i] = *op
	}
	return entryPointABI.Pack("handleOps", vals, beneficiary)
}

// SimulationResult carries the decoded outcome of simulateValidation:
// the packed validationData words for the account and the paymaster.
type SimulationResult struct {
	Account   ValidationData
	Paymaster ValidationData
}

// SimulateValidation runs the entry-point's simulateValidation through a
// state-overridden eth_call and parses both packed validationData words.
// A revert surfaces as an error whose message carries the decoded reason.
func (ep *EntryPoint) SimulateValidation(ctx context.Context, raw RawCaller, op *intent.Packed) (*SimulationResult, error) {
	data, err := entryPointABI.Pack("simulateValidation", op)
	if err != nil {
		return nil, fmt.Errorf("chain: pack simulateValidation: %w", err)
	}

	args := []interface{}{
		callArgs{To: &ep.Address, Data: hexutil.Encode(data)},
		"latest",
	}
	if len(ep.SimulationCode) > 0 {
		args = append(args, map[common.Address]overrideAccount{
			ep.Address: {Code: hexutil.Encode(ep.SimulationCode)},
		})
	}

	var result hexutil.Bytes
	if err := raw.CallContext(ctx, &result, "eth_call", args...); err != nil {
		return nil, fmt.Errorf("chain: simulateValidation: %s", ParseRevertError(err))
	}

	outs, err := entryPointABI.Unpack("simulateValidation", result)
	if err != nil || len(outs) != 2 {
		return nil, ErrBadSimResult
	}
	accountData, ok1 := outs[0].(*big.Int)
	paymasterData, ok2 := outs[1].(*big.Int)
	if !ok1 || !ok2 {
		return nil, ErrBadSimResult
	}
	return &SimulationResult{
		Account:   ParseValidationData(accountData),
		Paymaster: ParseValidationData(paymasterData),
	}, nil
}

// ParseUserOperationEvent decodes a UserOperationEvent log into an
// IntentOutcome. Bundler, Ts, and ChainID are enrichment fields the caller
// fills from the surrounding context.
func (ep *EntryPoint) ParseUserOperationEvent(lg types.Log) (*IntentOutcome, error) {
	if len(lg.Topics) != 4 || lg.Topics[0] != UserOperationEventTopic {
		return nil, ErrLogShape
	}
	outs, err := entryPointABI.Unpack("UserOperationEvent", lg.Data)
	if err != nil || len(outs) != 4 {
		return nil, ErrLogShape
	}
	nonce, ok1 := outs[0].(*big.Int)
	success, ok2 := outs[1].(bool)
	gasCost, ok3 := outs[2].(*big.Int)
	gasUsed, ok4 := outs[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, ErrLogShape
	}
	return &IntentOutcome{
		UserOpHash:    lg.Topics[1],
		Sender:        common.BytesToAddress(lg.Topics[2].Bytes()),
		Paymaster:     common.BytesToAddress(lg.Topics[3].Bytes()),
		Nonce:         (*DecBig)(nonce),
		Success:       success,
		ActualGasCost: (*DecBig)(gasCost),
		ActualGasUsed: (*DecBig)(gasUsed),
		BlockNumber:   lg.BlockNumber,
		TxHash:        lg.TxHash,
		LogIndex:      lg.Index,
	}, nil
}

// Deposit reads the entry-point deposit of the given account (typically the
// paymaster) via balanceOf.
func (ep *EntryPoint) Deposit(ctx context.Context, backend Backend, account common.Address) (*big.Int, error) {
	data, err := entryPointABI.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &ep.Address, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	outs, err := entryPointABI.Unpack("balanceOf", out)
	if err != nil || len(outs) != 1 {
		return nil, ErrBadHashResult
	}
	bal, ok := outs[0].(*big.Int)
	if !ok {
		return nil, ErrBadHashResult
	}
	return bal, nil
}
