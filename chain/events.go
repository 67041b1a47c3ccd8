package chain

import (
	"github.com/ethereum/go-ethereum/common"
)

// PostOpMode classifies the paymaster's post-operation outcome.
type PostOpMode string

const (
	PostOpSucceeded    PostOpMode = "SUCCEEDED"
	PostOpReverted     PostOpMode = "REVERTED"
	PostOpPostOpRevert PostOpMode = "POST_OP_REVERTED"
	PostOpUnknown      PostOpMode = "UNKNOWN"
)

// PostOpModeFromCode maps the on-chain uint8 mode to its symbolic form.
func PostOpModeFromCode(code uint8) PostOpMode {
	switch code {
	case 0:
		return PostOpSucceeded
	case 1:
		return PostOpReverted
	case 2:
		return PostOpPostOpRevert
	default:
		return PostOpUnknown
	}
}

// IntentOutcome is the decoded UserOperationEvent, enriched with the
// submitting bundler (tx sender), the block timestamp, and the chain id.
type IntentOutcome struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Paymaster     common.Address `json:"paymaster"`
	Nonce         *DecBig        `json:"nonce"`
	Success       bool           `json:"success"`
	ActualGasCost *DecBig        `json:"actualGasCost"`
	ActualGasUsed *DecBig        `json:"actualGasUsed"`
	BlockNumber   uint64         `json:"blockNumber"`
	TxHash        common.Hash    `json:"txHash"`
	LogIndex      uint           `json:"logIndex"`
	Bundler       common.Address `json:"bundler"`
	Ts            int64          `json:"ts"`
	ChainID       uint64         `json:"chainId"`
}

// PaymasterPostOp is the decoded PostOpProcessed event, enriched with the
// block timestamp and chain id.
type PaymasterPostOp struct {
	Sender                common.Address `json:"sender"`
	UserOpHash            common.Hash    `json:"userOpHash"`
	Mode                  PostOpMode     `json:"mode"`
	ActualGasCost         *DecBig        `json:"actualGasCost"`
	ActualUserOpFeePerGas *DecBig        `json:"actualUserOpFeePerGas"`
	FeeAmount             *DecBig        `json:"feeAmount"`
	BlockNumber           uint64         `json:"blockNumber"`
	TxHash                common.Hash    `json:"txHash"`
	LogIndex              uint           `json:"logIndex"`
	Ts                    int64          `json:"ts"`
	ChainID               uint64         `json:"chainId"`
}
