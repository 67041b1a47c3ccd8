package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Backend is the slice of an Ethereum client the control plane uses.
// *ethclient.Client satisfies it; tests substitute mocks.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionSender(ctx context.Context, tx *types.Transaction, block common.Hash, index uint) (common.Address, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// RawCaller issues raw JSON-RPC calls. It exists for the one call shape
// ethclient does not expose: eth_call with state overrides, which strict
// admission uses for simulateValidation. *rpc.Client satisfies it.
type RawCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Client bundles a Backend with the RawCaller it was dialed from.
type Client struct {
	Backend
	raw RawCaller
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Client{Backend: ethclient.NewClient(rc), raw: rc}, nil
}

// NewClient wraps an existing backend and raw caller; used by tests.
func NewClient(backend Backend, raw RawCaller) *Client {
	return &Client{Backend: backend, raw: raw}
}

// Raw returns the underlying raw caller.
func (c *Client) Raw() RawCaller { return c.raw }

// overrideAccount is the eth_call state-override entry shape.
type overrideAccount struct {
	Code string `json:"code,omitempty"`
}

// callArgs is the eth_call transaction argument shape.
type callArgs struct {
	To   *common.Address `json:"to"`
	Data string          `json:"data"`
}
