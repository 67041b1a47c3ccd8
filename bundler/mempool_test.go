package bundler

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/intent"
)

func testOp(nonce int64) *intent.Intent {
	return &intent.Intent{
		Sender:               common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Nonce:                big.NewInt(nonce),
		MaxFeePerGas:         big.NewInt(2_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
	}
}

func hashN(n byte) common.Hash {
	var h common.Hash
	h[31] = n
	return h
}

func TestMempoolAddIsIdempotent(t *testing.T) {
	mp := NewMempool()
	_, added := mp.Add(testOp(1), nil, hashN(1))
	assert.True(t, added)
	entry, added := mp.Add(testOp(1), nil, hashN(1))
	assert.False(t, added)
	assert.Equal(t, StatusPending, entry.Status)
	assert.Equal(t, 1, mp.Size())
}

func TestMempoolLifecycle(t *testing.T) {
	mp := NewMempool()
	mp.Add(testOp(1), nil, hashN(1))

	tx := common.HexToHash("0xbeef")
	require.NoError(t, mp.MarkSent([]common.Hash{hashN(1)}, tx))
	entry, ok := mp.Get(hashN(1))
	require.True(t, ok)
	assert.Equal(t, StatusSent, entry.Status)
	require.NotNil(t, entry.TxHash)
	assert.Equal(t, tx, *entry.TxHash)

	require.NoError(t, mp.MarkMined(hashN(1), &Receipt{Success: true}))
	entry, _ = mp.Get(hashN(1))
	assert.Equal(t, StatusMined, entry.Status)
	require.NotNil(t, entry.Receipt)
}

func TestMempoolRejectsBackEdges(t *testing.T) {
	mp := NewMempool()
	mp.Add(testOp(1), nil, hashN(1))

	// MINED straight from PENDING is illegal.
	assert.ErrorIs(t, mp.MarkMined(hashN(1), nil), ErrBadTransition)

	require.NoError(t, mp.MarkSent([]common.Hash{hashN(1)}, common.Hash{}))
	// SENT twice is illegal.
	assert.ErrorIs(t, mp.MarkSent([]common.Hash{hashN(1)}, common.Hash{}), ErrBadTransition)

	require.NoError(t, mp.MarkMined(hashN(1), &Receipt{}))
	// MINED is terminal.
	assert.ErrorIs(t, mp.MarkFailed([]common.Hash{hashN(1)}), ErrBadTransition)
}

func TestMempoolFailedFromPendingOrSent(t *testing.T) {
	mp := NewMempool()
	mp.Add(testOp(1), nil, hashN(1))
	mp.Add(testOp(2), nil, hashN(2))
	require.NoError(t, mp.MarkSent([]common.Hash{hashN(2)}, common.Hash{}))

	require.NoError(t, mp.MarkFailed([]common.Hash{hashN(1), hashN(2)}))
	for _, h := range []common.Hash{hashN(1), hashN(2)} {
		entry, _ := mp.Get(h)
		assert.Equal(t, StatusFailed, entry.Status)
	}
	// FAILED is terminal too.
	assert.ErrorIs(t, mp.MarkFailed([]common.Hash{hashN(1)}), ErrBadTransition)
}

func TestMempoolUnknownHash(t *testing.T) {
	mp := NewMempool()
	assert.ErrorIs(t, mp.MarkSent([]common.Hash{hashN(9)}, common.Hash{}), ErrEntryNotFound)
	_, ok := mp.Get(hashN(9))
	assert.False(t, ok)
}

func TestPendingOldestOrdersByReception(t *testing.T) {
	mp := NewMempool()
	for i := byte(1); i <= 5; i++ {
		mp.Add(testOp(int64(i)), nil, hashN(i))
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, mp.MarkSent([]common.Hash{hashN(2)}, common.Hash{}))

	got := mp.PendingOldest(3)
	require.Len(t, got, 3)
	assert.Equal(t, hashN(1), got[0].Hash)
	assert.Equal(t, hashN(3), got[1].Hash)
	assert.Equal(t, hashN(4), got[2].Hash)
	assert.Equal(t, 4, mp.PendingCount())
}
