package hub

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/chain"
	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/obs"
)

// txRingSize bounds the rolling transaction summary buffer.
const txRingSize = 256

// WalletRecord is the tracked state of one watched address.
type WalletRecord struct {
	Address   string        `json:"address"`
	Balance   *chain.DecBig `json:"balance,omitempty"`
	Nonce     uint64        `json:"nonce"`
	TxCount   int           `json:"txCount"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// TxSummary is one observed transaction touching a watched address.
type TxSummary struct {
	Hash        string        `json:"hash"`
	From        string        `json:"from"`
	To          string        `json:"to,omitempty"`
	Value       *chain.DecBig `json:"value"`
	GasLimit    uint64        `json:"gasLimit"`
	BlockNumber uint64        `json:"blockNumber"`
	Ts          int64         `json:"ts"`
}

// WalletStats maintains balance, nonce, and a rolling tx buffer for a
// fixed set of watched addresses. The indexer feeds it block by block.
type WalletStats struct {
	mu      sync.Mutex
	watch   map[common.Address]struct{}
	records map[common.Address]*WalletRecord
	txRing  []*TxSummary
	log     *obs.Logger
}

// NewWalletStats builds a store over the given watch list. Returns nil
// when the list is empty, which disables the feature.
func NewWalletStats(addresses []string, logger *obs.Logger) *WalletStats {
	watch := make(map[common.Address]struct{})
	for _, a := range addresses {
		if common.IsHexAddress(a) {
			watch[common.HexToAddress(a)] = struct{}{}
		}
	}
	if len(watch) == 0 {
		return nil
	}
	return &WalletStats{
		watch:   watch,
		records: make(map[common.Address]*WalletRecord),
		log:     logger.Service("walletstats"),
	}
}

// ProcessBlock records every transaction touching a watched address and
// refreshes the touched addresses' balance and nonce at that block.
func (ws *WalletStats) ProcessBlock(ctx context.Context, backend chain.Backend, block *types.Block) {
	touched := make(map[common.Address]struct{})
	blockTs := int64(block.Time())
	number := block.NumberU64()

	for _, tx := range block.Transactions() {
		var from common.Address
		if sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
			from = sender
		}
		to := tx.To()

		_, fromWatched := ws.watch[from]
		toWatched := false
		if to != nil {
			_, toWatched = ws.watch[*to]
		}
		if !fromWatched && !toWatched {
			continue
		}

		summary := &TxSummary{
			Hash:        tx.Hash().Hex(),
			From:        from.Hex(),
			Value:       chain.NewDecBig(tx.Value()),
			GasLimit:    tx.Gas(),
			BlockNumber: number,
			Ts:          blockTs,
		}
		if to != nil {
			summary.To = to.Hex()
		}
		ws.appendTx(summary)

		if fromWatched {
			touched[from] = struct{}{}
		}
		if toWatched {
			touched[*to] = struct{}{}
		}
	}

	for addr := range touched {
		ws.refresh(ctx, backend, addr, block.Number())
	}
}

func (ws *WalletStats) appendTx(s *TxSummary) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.txRing = append(ws.txRing, s)
	if len(ws.txRing) > txRingSize {
		ws.txRing = ws.txRing[len(ws.txRing)-txRingSize:]
	}
}

func (ws *WalletStats) refresh(ctx context.Context, backend chain.Backend, addr common.Address, blockNumber *big.Int) {
	balance, err := backend.BalanceAt(ctx, addr, blockNumber)
	if err != nil {
		ws.log.Warn("fetch balance", "addr", addr.Hex(), "err", err)
		return
	}
	nonce, err := backend.NonceAt(ctx, addr, blockNumber)
	if err != nil {
		ws.log.Warn("fetch nonce", "addr", addr.Hex(), "err", err)
		return
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	rec, ok := ws.records[addr]
	if !ok {
		rec = &WalletRecord{Address: addr.Hex()}
		ws.records[addr] = rec
	}
	rec.Balance = chain.NewDecBig(balance)
	rec.Nonce = nonce
	rec.TxCount++
	rec.UpdatedAt = time.Now()
}

// Snapshot returns the wallet records and the recent tx buffer.
func (ws *WalletStats) Snapshot() ([]WalletRecord, []TxSummary) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	records := make([]WalletRecord, 0, len(ws.records))
	for _, rec := range ws.records {
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Address < records[j].Address })

	txs := make([]TxSummary, len(ws.txRing))
	for i, s := range ws.txRing {
		txs[i] = *s
	}
	return records, txs
}
