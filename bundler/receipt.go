package bundler

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/chain"
)

// Receipt is the per-intent receipt served by eth_getUserOperationReceipt:
// the decoded outcome fields plus the slice of the transaction's logs that
// belong to this intent, and the underlying transaction receipt.
type Receipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	EntryPoint    common.Address `json:"entryPoint"`
	Sender        common.Address `json:"sender"`
	Nonce         *hexutil.Big   `json:"nonce"`
	Paymaster     common.Address `json:"paymaster"`
	Success       bool           `json:"success"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	Reason        string         `json:"reason,omitempty"`
	Logs          []*types.Log   `json:"logs"`
	TxReceipt     *types.Receipt `json:"receipt"`
}

// IntentLocation is the inclusion location served alongside the intent on
// eth_getUserOperationByHash.
type IntentLocation struct {
	EntryPoint  common.Address `json:"entryPoint"`
	BlockNumber hexutil.Uint64 `json:"blockNumber,omitempty"`
	TxHash      *common.Hash   `json:"transactionHash,omitempty"`
}

// opLogWindow selects the logs of one intent from a bundle transaction's
// log array. Each BeforeExecution marker from the entry-point starts a
// window; the intent's own UserOperationEvent closes it; logs between two
// consecutive UserOperationEvents belong to the later intent.
func opLogWindow(logs []*types.Log, entryPoint common.Address, opHash common.Hash) []*types.Log {
	start := 0
	for i, lg := range logs {
		if lg.Address != entryPoint || len(lg.Topics) == 0 {
			continue
		}
		switch lg.Topics[0] {
		case chain.BeforeExecutionTopic:
			start = i + 1
		case chain.UserOperationEventTopic:
			if len(lg.Topics) >= 2 && lg.Topics[1] == opHash {
				return logs[start:i]
			}
			start = i + 1
		}
	}
	return nil
}

// receiptFromOutcome assembles a Receipt from a decoded outcome, the
// transaction receipt it came from, and the intent's log window.
func receiptFromOutcome(entryPoint common.Address, outcome *chain.IntentOutcome, txr *types.Receipt) *Receipt {
	return &Receipt{
		UserOpHash:    outcome.UserOpHash,
		EntryPoint:    entryPoint,
		Sender:        outcome.Sender,
		Nonce:         (*hexutil.Big)(outcome.Nonce.Big()),
		Paymaster:     outcome.Paymaster,
		Success:       outcome.Success,
		ActualGasCost: (*hexutil.Big)(outcome.ActualGasCost.Big()),
		ActualGasUsed: (*hexutil.Big)(outcome.ActualGasUsed.Big()),
		Logs:          opLogWindow(txr.Logs, entryPoint, outcome.UserOpHash),
		TxReceipt:     txr,
	}
}
