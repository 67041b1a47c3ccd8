package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Paymaster binds the sponsoring paymaster contract at a fixed address.
type Paymaster struct {
	Address common.Address
}

// NewPaymaster creates an adapter for the paymaster at addr.
func NewPaymaster(addr common.Address) *Paymaster {
	return &Paymaster{Address: addr}
}

// ParsePostOpProcessed decodes a PostOpProcessed log into a
// PaymasterPostOp. Ts and ChainID are enrichment fields the caller fills.
func (pm *Paymaster) ParsePostOpProcessed(lg types.Log) (*PaymasterPostOp, error) {
	if len(lg.Topics) != 3 || lg.Topics[0] != PostOpProcessedTopic {
		return nil, ErrLogShape
	}
	outs, err := paymasterABI.Unpack("PostOpProcessed", lg.Data)
	if err != nil || len(outs) != 4 {
		return nil, ErrLogShape
	}
	mode, ok1 := outs[0].(uint8)
	gasCost, ok2 := outs[1].(*big.Int)
	feePerGas, ok3 := outs[2].(*big.Int)
	feeAmount, ok4 := outs[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, ErrLogShape
	}
	return &PaymasterPostOp{
		Sender:                common.BytesToAddress(lg.Topics[1].Bytes()),
		UserOpHash:            lg.Topics[2],
		Mode:                  PostOpModeFromCode(mode),
		ActualGasCost:         (*DecBig)(gasCost),
		ActualUserOpFeePerGas: (*DecBig)(feePerGas),
		FeeAmount:             (*DecBig)(feeAmount),
		BlockNumber:           lg.BlockNumber,
		TxHash:                lg.TxHash,
		LogIndex:              lg.Index,
	}, nil
}

// FeeToken reads the paymaster's configured fee token address.
func (pm *Paymaster) FeeToken(ctx context.Context, backend Backend) (common.Address, error) {
	data, err := paymasterABI.Pack("feeToken")
	if err != nil {
		return common.Address{}, err
	}
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &pm.Address, Data: data}, nil)
	if err != nil {
		return common.Address{}, err
	}
	outs, err := paymasterABI.Unpack("feeToken", out)
	if err != nil || len(outs) != 1 {
		return common.Address{}, ErrLogShape
	}
	addr, ok := outs[0].(common.Address)
	if !ok {
		return common.Address{}, ErrLogShape
	}
	return addr, nil
}

// CollectedFees reads the cumulative token fees the paymaster has taken.
func (pm *Paymaster) CollectedFees(ctx context.Context, backend Backend) (*big.Int, error) {
	data, err := paymasterABI.Pack("collectedFees")
	if err != nil {
		return nil, err
	}
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &pm.Address, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	outs, err := paymasterABI.Unpack("collectedFees", out)
	if err != nil || len(outs) != 1 {
		return nil, ErrLogShape
	}
	fees, ok := outs[0].(*big.Int)
	if !ok {
		return nil, ErrLogShape
	}
	return fees, nil
}
