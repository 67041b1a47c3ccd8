package hub

import (
	"context"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/chain"
	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/obs"
)

var (
	idxEntryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	idxPaymaster  = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

// indexerBackend is a chain.Backend stub recording the filter queries the
// scan issues.
type indexerBackend struct {
	chain.Backend
	head    uint64
	queries []ethereum.FilterQuery
}

func (b *indexerBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(31337), nil
}

func (b *indexerBackend) BlockNumber(context.Context) (uint64, error) {
	return b.head, nil
}

func (b *indexerBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.queries = append(b.queries, q)
	return nil, nil
}

func newTestIndexer(t *testing.T, cfg IndexerConfig, dataDir string, backend *indexerBackend) *Indexer {
	t.Helper()
	ix, err := NewIndexer(cfg, dataDir, chain.NewClient(backend, nil),
		idxEntryPoint, idxPaymaster, NewAnalytics(100), nil, NewMetrics(), obs.New(slog.LevelError))
	require.NoError(t, err)
	t.Cleanup(ix.Stop)
	ix.chainID = 31337
	return ix
}

func TestIndexerInitialBlockLookback(t *testing.T) {
	cfg := IndexerConfig{TickMs: 50, LookbackBlocks: 100, MaxBlockRange: 10}
	ix := newTestIndexer(t, cfg, t.TempDir(), &indexerBackend{head: 500})

	assert.Equal(t, uint64(400), ix.initialBlock(500))
	// Shallow chains clamp at genesis.
	assert.Equal(t, uint64(0), ix.initialBlock(50))
}

func TestIndexerCheckpointResume(t *testing.T) {
	dir := t.TempDir()
	cfg := IndexerConfig{TickMs: 50, LookbackBlocks: 100, MaxBlockRange: 10}

	ix := newTestIndexer(t, cfg, dir, &indexerBackend{head: 500})
	ix.lastProcessed.Store(321)
	require.NoError(t, ix.persistCheckpoint())

	// A fresh indexer over the same data dir resumes from the checkpoint.
	fresh := newTestIndexer(t, cfg, dir, &indexerBackend{head: 500})
	assert.Equal(t, uint64(321), fresh.initialBlock(500))

	// A chain id mismatch invalidates it.
	fresh.chainID = 1
	assert.Equal(t, uint64(400), fresh.initialBlock(500))
}

func TestIndexerCheckpointAddressMismatch(t *testing.T) {
	dir := t.TempDir()
	cfg := IndexerConfig{TickMs: 50, LookbackBlocks: 100, MaxBlockRange: 10}

	ix := newTestIndexer(t, cfg, dir, &indexerBackend{head: 500})
	ix.lastProcessed.Store(321)
	require.NoError(t, ix.persistCheckpoint())

	other, err := NewIndexer(cfg, dir, chain.NewClient(&indexerBackend{head: 500}, nil),
		idxEntryPoint, common.HexToAddress("0x9999999999999999999999999999999999999999"),
		NewAnalytics(100), nil, NewMetrics(), obs.New(slog.LevelError))
	require.NoError(t, err)
	t.Cleanup(other.Stop)
	other.chainID = 31337
	assert.Equal(t, uint64(400), other.initialBlock(500))
}

func TestIndexerRehydratesAnalytics(t *testing.T) {
	dir := t.TempDir()
	cfg := IndexerConfig{TickMs: 50, LookbackBlocks: 100, MaxBlockRange: 10}

	ix := newTestIndexer(t, cfg, dir, &indexerBackend{head: 500})
	outcome := &chain.IntentOutcome{
		UserOpHash:    common.HexToHash("0xaaaa"),
		Sender:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Success:       true,
		ActualGasCost: chain.NewDecBig(big.NewInt(1000)),
		BlockNumber:   140,
		TxHash:        common.HexToHash("0xbbbb"),
		Ts:            1_700_000_000,
		ChainID:       31337,
	}
	postOp := &chain.PaymasterPostOp{
		UserOpHash:  outcome.UserOpHash,
		Sender:      outcome.Sender,
		Mode:        chain.PostOpSucceeded,
		FeeAmount:   chain.NewDecBig(big.NewInt(42)),
		BlockNumber: 140,
		TxHash:      outcome.TxHash,
		Ts:          1_700_000_000,
		ChainID:     31337,
	}
	ix.intentWriter.Append(outcome)
	ix.postOpWriter.Append(postOp)
	ix.intentWriter.Flush()
	ix.postOpWriter.Flush()
	ix.lastProcessed.Store(150)
	require.NoError(t, ix.persistCheckpoint())

	// A restart resumes past the indexed blocks and never re-scans them,
	// so the persisted events must come back through the day files.
	fresh := newTestIndexer(t, cfg, dir, &indexerBackend{head: 500})
	assert.Equal(t, uint64(150), fresh.initialBlock(500))

	got := fresh.analytics.List(0, "", nil)
	require.Len(t, got, 1)
	assert.Equal(t, strings.ToLower(outcome.UserOpHash.Hex()), got[0].UserOpHash)
	assert.True(t, got[0].Success)
	assert.Equal(t, uint64(140), got[0].BlockNumber)
	assert.Equal(t, chain.PostOpSucceeded, got[0].PostOpMode)
	require.NotNil(t, got[0].FeeAmount)
	assert.Equal(t, "42", got[0].FeeAmount.Big().String())
}

func TestIndexerScanWindows(t *testing.T) {
	dir := t.TempDir()
	backend := &indexerBackend{head: 25}
	cfg := IndexerConfig{TickMs: 50, LookbackBlocks: 100, MaxBlockRange: 10}
	ix := newTestIndexer(t, cfg, dir, backend)

	require.NoError(t, ix.scan(context.Background()))
	assert.Equal(t, uint64(25), ix.LastProcessedBlock())

	// Two filter calls per window over [1,10], [11,20], [21,25].
	require.Len(t, backend.queries, 6)
	assert.Equal(t, uint64(1), backend.queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(10), backend.queries[0].ToBlock.Uint64())
	assert.Equal(t, uint64(21), backend.queries[4].FromBlock.Uint64())
	assert.Equal(t, uint64(25), backend.queries[4].ToBlock.Uint64())

	// The entry-point query pins the paymaster topic, the paymaster query
	// the post-op signature.
	epQuery := backend.queries[0]
	require.Len(t, epQuery.Topics, 4)
	assert.Equal(t, chain.UserOperationEventTopic, epQuery.Topics[0][0])
	assert.Equal(t, common.BytesToHash(idxPaymaster.Bytes()), epQuery.Topics[3][0])
	pmQuery := backend.queries[1]
	assert.Equal(t, []common.Address{idxPaymaster}, pmQuery.Addresses)
	assert.Equal(t, chain.PostOpProcessedTopic, pmQuery.Topics[0][0])

	// The checkpoint landed on disk.
	_, err := os.Stat(ix.statePath)
	require.NoError(t, err)
	cp, err := ix.loadCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, uint64(25), cp.LastProcessedBlock)
	assert.Equal(t, uint64(31337), cp.ChainID)
}

func TestIndexerScanIdleAtHead(t *testing.T) {
	backend := &indexerBackend{head: 25}
	cfg := IndexerConfig{TickMs: 50, LookbackBlocks: 100, MaxBlockRange: 10}
	ix := newTestIndexer(t, cfg, t.TempDir(), backend)
	ix.lastProcessed.Store(25)

	require.NoError(t, ix.scan(context.Background()))
	assert.Empty(t, backend.queries)
}
