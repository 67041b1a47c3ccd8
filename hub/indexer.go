package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/chain"
	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/obs"
)

// Checkpoint is the indexer's persisted scan position. It only resumes
// when chain id and contract addresses match the running configuration.
type Checkpoint struct {
	ChainID            uint64    `json:"chainId"`
	EntryPoint         string    `json:"entryPoint"`
	Paymaster          string    `json:"paymaster"`
	LastProcessedBlock uint64    `json:"lastProcessedBlock"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Indexer tails the entry-point's outcome events and the paymaster's
// post-op events, enriches them, persists them, and feeds the analytics
// store. One scan runs at a time; a failed window is retried on the next
// tick without advancing the checkpoint.
type Indexer struct {
	cfg        IndexerConfig
	client     *chain.Client
	entryPoint *chain.EntryPoint
	paymaster  *chain.Paymaster
	analytics  *Analytics
	wallets    *WalletStats
	metrics    *Metrics
	log        *obs.Logger

	statePath    string
	intentWriter *NDJSONWriter
	postOpWriter *NDJSONWriter
	chainID      uint64

	// lastProcessed is written by the scan loop and read by the health
	// endpoint.
	lastProcessed atomic.Uint64

	blockTs  map[uint64]int64
	txSender map[common.Hash]common.Address

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewIndexer wires an indexer. wallets may be nil to disable the
// per-address analytics walk.
func NewIndexer(cfg IndexerConfig, dataDir string, client *chain.Client,
	entryPoint, paymaster common.Address, analytics *Analytics,
	wallets *WalletStats, metrics *Metrics, logger *obs.Logger) (*Indexer, error) {

	chainDir := filepath.Join(dataDir, "chain")
	intentWriter, err := NewNDJSONWriter(filepath.Join(chainDir, "entrypoint_intents"))
	if err != nil {
		return nil, err
	}
	postOpWriter, err := NewNDJSONWriter(filepath.Join(chainDir, "paymaster_postops"))
	if err != nil {
		return nil, err
	}

	ix := &Indexer{
		cfg:          cfg,
		client:       client,
		entryPoint:   chain.NewEntryPoint(entryPoint),
		paymaster:    chain.NewPaymaster(paymaster),
		analytics:    analytics,
		wallets:      wallets,
		metrics:      metrics,
		log:          logger.Service("indexer"),
		statePath:    filepath.Join(chainDir, "indexer_state.json"),
		intentWriter: intentWriter,
		postOpWriter: postOpWriter,
		blockTs:      make(map[uint64]int64),
		txSender:     make(map[common.Hash]common.Address),
		quit:         make(chan struct{}),
	}
	ix.rehydrate()
	return ix, nil
}

// rehydrateDayFiles bounds how many persisted day files feed the
// analytics store on startup.
const rehydrateDayFiles = 3

// rehydrate replays persisted chain events into the analytics store.
// The checkpoint makes the scan resume past already-indexed blocks, so
// without this replay a restart would lose their events.
func (ix *Indexer) rehydrate() {
	outcomes, postOps := 0, 0
	err := TailNDJSON(ix.intentWriter.dir, rehydrateDayFiles, func(line []byte) bool {
		var o chain.IntentOutcome
		if json.Unmarshal(line, &o) != nil || o.UserOpHash == (common.Hash{}) {
			return false
		}
		ix.analytics.IngestOutcome(&o)
		outcomes++
		return true
	})
	if err != nil {
		ix.log.Warn("intent event replay incomplete", "err", err)
	}
	err = TailNDJSON(ix.postOpWriter.dir, rehydrateDayFiles, func(line []byte) bool {
		var p chain.PaymasterPostOp
		if json.Unmarshal(line, &p) != nil || p.UserOpHash == (common.Hash{}) {
			return false
		}
		ix.analytics.IngestPostOp(&p)
		postOps++
		return true
	})
	if err != nil {
		ix.log.Warn("post-op event replay incomplete", "err", err)
	}
	if outcomes > 0 || postOps > 0 {
		ix.log.Info("analytics rehydrated", "outcomes", outcomes, "postOps", postOps)
	}
}

// Start resolves the chain id, loads the checkpoint, and launches the
// scan loop.
func (ix *Indexer) Start(ctx context.Context) error {
	chainID, err := ix.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("indexer: fetch chain id: %w", err)
	}
	ix.chainID = chainID.Uint64()

	head, err := ix.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("indexer: fetch head: %w", err)
	}
	ix.lastProcessed.Store(ix.initialBlock(head))

	ix.log.Info("indexer started",
		"chainId", ix.chainID,
		"fromBlock", ix.lastProcessed.Load()+1,
		"head", head,
		"entryPoint", ix.entryPoint.Address.Hex(),
		"paymaster", ix.paymaster.Address.Hex())

	ix.wg.Add(1)
	go ix.loop()
	return nil
}

// Stop halts scanning and flushes the persistence queues.
func (ix *Indexer) Stop() {
	ix.once.Do(func() { close(ix.quit) })
	ix.wg.Wait()
	ix.intentWriter.Close()
	ix.postOpWriter.Close()
}

// initialBlock resumes from a matching checkpoint, else backs off the
// configured lookback from head.
func (ix *Indexer) initialBlock(head uint64) uint64 {
	cp, err := ix.loadCheckpoint()
	if err == nil && cp != nil &&
		cp.ChainID == ix.chainID &&
		strings.EqualFold(cp.EntryPoint, ix.entryPoint.Address.Hex()) &&
		strings.EqualFold(cp.Paymaster, ix.paymaster.Address.Hex()) {
		return cp.LastProcessedBlock
	}
	lookback := uint64(ix.cfg.LookbackBlocks)
	if head > lookback {
		return head - lookback
	}
	return 0
}

func (ix *Indexer) loadCheckpoint() (*Checkpoint, error) {
	data, err := os.ReadFile(ix.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// persistCheckpoint writes the checkpoint atomically (temp file + rename).
func (ix *Indexer) persistCheckpoint() error {
	cp := Checkpoint{
		ChainID:            ix.chainID,
		EntryPoint:         ix.entryPoint.Address.Hex(),
		Paymaster:          ix.paymaster.Address.Hex(),
		LastProcessedBlock: ix.lastProcessed.Load(),
		UpdatedAt:          time.Now(),
	}
	data, err := json.MarshalIndent(&cp, "", "  ")
	if err != nil {
		return err
	}
	tmp := ix.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, ix.statePath)
}

func (ix *Indexer) loop() {
	defer ix.wg.Done()
	ticker := time.NewTicker(time.Duration(ix.cfg.TickMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ix.quit:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(ix.cfg.TickMs)*time.Millisecond*4)
			if err := ix.scan(ctx); err != nil {
				ix.log.Warn("scan failed, retrying next tick", "err", err)
			}
			cancel()
		}
	}
}

// scan walks from the checkpoint to head in bounded windows, processing
// each window's logs in block-then-logIndex order. The checkpoint only
// advances after a window fully persists.
func (ix *Indexer) scan(ctx context.Context) error {
	head, err := ix.client.BlockNumber(ctx)
	if err != nil {
		return err
	}
	for ix.lastProcessed.Load() < head {
		from := ix.lastProcessed.Load() + 1
		to := from + uint64(ix.cfg.MaxBlockRange) - 1
		if to > head {
			to = head
		}
		if err := ix.scanWindow(ctx, from, to); err != nil {
			return fmt.Errorf("window [%d, %d]: %w", from, to, err)
		}
		// Events must reach disk before the checkpoint moves past them.
		ix.intentWriter.Flush()
		ix.postOpWriter.Flush()
		ix.lastProcessed.Store(to)
		if err := ix.persistCheckpoint(); err != nil {
			return fmt.Errorf("persist checkpoint: %w", err)
		}
	}
	ix.pruneCaches()
	return nil
}

func (ix *Indexer) scanWindow(ctx context.Context, from, to uint64) error {
	paymasterTopic := common.BytesToHash(ix.paymaster.Address.Bytes())
	intentLogs, err := ix.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{ix.entryPoint.Address},
		Topics:    [][]common.Hash{{chain.UserOperationEventTopic}, nil, nil, {paymasterTopic}},
	})
	if err != nil {
		return err
	}
	postOpLogs, err := ix.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{ix.paymaster.Address},
		Topics:    [][]common.Hash{{chain.PostOpProcessedTopic}},
	})
	if err != nil {
		return err
	}

	logs := append(intentLogs, postOpLogs...)
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		switch lg.Address {
		case ix.entryPoint.Address:
			if err := ix.processIntentLog(ctx, lg); err != nil {
				ix.log.Warn("undecodable intent event", "block", lg.BlockNumber, "err", err)
			}
		case ix.paymaster.Address:
			if err := ix.processPostOpLog(ctx, lg); err != nil {
				ix.log.Warn("undecodable post-op event", "block", lg.BlockNumber, "err", err)
			}
		}
	}

	if ix.wallets != nil {
		if err := ix.walkBlocks(ctx, from, to); err != nil {
			ix.log.Warn("wallet analytics walk failed", "err", err)
		}
	}
	return nil
}

func (ix *Indexer) processIntentLog(ctx context.Context, lg types.Log) error {
	outcome, err := ix.entryPoint.ParseUserOperationEvent(lg)
	if err != nil {
		return err
	}
	outcome.Ts = ix.blockTimestamp(ctx, lg.BlockNumber)
	outcome.ChainID = ix.chainID
	outcome.Bundler = ix.submitter(ctx, lg)

	ix.intentWriter.Append(outcome)
	ix.analytics.IngestOutcome(outcome)
	ix.metrics.ChainEvents.WithLabelValues("intent").Inc()
	return nil
}

func (ix *Indexer) processPostOpLog(ctx context.Context, lg types.Log) error {
	postOp, err := ix.paymaster.ParsePostOpProcessed(lg)
	if err != nil {
		return err
	}
	postOp.Ts = ix.blockTimestamp(ctx, lg.BlockNumber)
	postOp.ChainID = ix.chainID

	ix.postOpWriter.Append(postOp)
	ix.analytics.IngestPostOp(postOp)
	ix.metrics.ChainEvents.WithLabelValues("postOp").Inc()
	return nil
}

// blockTimestamp resolves a block's timestamp through a cache.
func (ix *Indexer) blockTimestamp(ctx context.Context, number uint64) int64 {
	if ts, ok := ix.blockTs[number]; ok {
		return ts
	}
	header, err := ix.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		ix.log.Warn("fetch block header", "block", number, "err", err)
		return 0
	}
	ts := int64(header.Time)
	ix.blockTs[number] = ts
	return ts
}

// submitter resolves the sender of the transaction carrying a log,
// through a cache. This is the bundler wallet that submitted the bundle.
func (ix *Indexer) submitter(ctx context.Context, lg types.Log) common.Address {
	if addr, ok := ix.txSender[lg.TxHash]; ok {
		return addr
	}
	tx, _, err := ix.client.TransactionByHash(ctx, lg.TxHash)
	if err != nil || tx == nil {
		return common.Address{}
	}
	addr, err := ix.client.TransactionSender(ctx, tx, lg.BlockHash, lg.TxIndex)
	if err != nil {
		return common.Address{}
	}
	ix.txSender[lg.TxHash] = addr
	return addr
}

// walkBlocks feeds full blocks to the wallet analytics store.
func (ix *Indexer) walkBlocks(ctx context.Context, from, to uint64) error {
	for n := from; n <= to; n++ {
		block, err := ix.client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return err
		}
		ix.wallets.ProcessBlock(ctx, ix.client, block)
	}
	return nil
}

// pruneCaches drops enrichment caches once they grow past a few scan
// windows' worth of entries.
func (ix *Indexer) pruneCaches() {
	const maxCached = 8192
	if len(ix.blockTs) > maxCached {
		ix.blockTs = make(map[uint64]int64)
	}
	if len(ix.txSender) > maxCached {
		ix.txSender = make(map[common.Hash]common.Address)
	}
}

// LastProcessedBlock reports the scan position, for the health endpoint.
func (ix *Indexer) LastProcessedBlock() uint64 {
	return ix.lastProcessed.Load()
}
