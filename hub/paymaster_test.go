package hub

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/chain"
	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/obs"
)

// paymasterBackend answers the four reads Status issues, routed by
// contract address and call selector.
type paymasterBackend struct {
	chain.Backend
	deposit   *big.Int
	balance   *big.Int
	feeToken  common.Address
	collected *big.Int
}

func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

func (b *paymasterBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(31337), nil
}

func (b *paymasterBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return b.balance, nil
}

func (b *paymasterBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	var word [32]byte
	switch {
	case bytes.HasPrefix(msg.Data, selector("balanceOf(address)")):
		b.deposit.FillBytes(word[:])
	case bytes.HasPrefix(msg.Data, selector("feeToken()")):
		copy(word[12:], b.feeToken.Bytes())
	case bytes.HasPrefix(msg.Data, selector("collectedFees()")):
		b.collected.FillBytes(word[:])
	default:
		return nil, errors.New("unexpected call")
	}
	return word[:], nil
}

func TestPaymasterMonitorStatus(t *testing.T) {
	backend := &paymasterBackend{
		deposit:   big.NewInt(5_000_000),
		balance:   big.NewInt(123),
		feeToken:  common.HexToAddress("0x2222222222222222222222222222222222222222"),
		collected: big.NewInt(777),
	}
	pm := NewPaymasterMonitor(chain.NewClient(backend, nil),
		idxEntryPoint, idxPaymaster, obs.New(slog.LevelError))

	counters := map[string]int64{"paid_fallback_attempts": 2}
	deployments := map[string]string{"swapRouter": "0x4444444444444444444444444444444444444444"}
	status := pm.Status(context.Background(), counters, deployments)
	require.NotNil(t, status)

	assert.Equal(t, "31337", status.ChainID)
	assert.Equal(t, idxEntryPoint.Hex(), status.EntryPoint)
	assert.Equal(t, idxPaymaster.Hex(), status.Paymaster)
	assert.Equal(t, "5000000", status.Deposit)
	assert.Equal(t, "123", status.Balance)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", status.FeeToken)
	assert.Equal(t, "777", status.CollectedFees)
	assert.Equal(t, counters, status.Counters)
	assert.Equal(t, deployments, status.Addresses)
}

// deadBackend fails every read.
type deadBackend struct {
	chain.Backend
}

func (deadBackend) ChainID(context.Context) (*big.Int, error) {
	return nil, errors.New("connection refused")
}

func (deadBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return nil, errors.New("connection refused")
}

func (deadBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func TestPaymasterMonitorStatusDegrades(t *testing.T) {
	pm := NewPaymasterMonitor(chain.NewClient(deadBackend{}, nil),
		idxEntryPoint, idxPaymaster, obs.New(slog.LevelError))

	status := pm.Status(context.Background(), map[string]int64{}, nil)
	assert.Equal(t, "0", status.ChainID)
	assert.Equal(t, "0", status.Deposit)
	assert.Equal(t, "0", status.Balance)
	assert.Equal(t, "0", status.CollectedFees)
	assert.Empty(t, status.FeeToken)
}
