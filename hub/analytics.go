package hub

import (
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/chain"
)

// IntentSummary is the per-intent merge of the entry-point outcome event
// and the paymaster post-op event, keyed by intent hash.
type IntentSummary struct {
	UserOpHash    string           `json:"userOpHash"`
	Sender        string           `json:"sender,omitempty"`
	Paymaster     string           `json:"paymaster,omitempty"`
	Nonce         *chain.DecBig    `json:"nonce,omitempty"`
	Success       bool             `json:"success"`
	ActualGasCost *chain.DecBig    `json:"actualGasCost,omitempty"`
	ActualGasUsed *chain.DecBig    `json:"actualGasUsed,omitempty"`
	FeeAmount     *chain.DecBig    `json:"feeAmount,omitempty"`
	PostOpMode    chain.PostOpMode `json:"postOpMode,omitempty"`
	RevertReason  string           `json:"revertReason,omitempty"`
	BlockNumber   uint64           `json:"blockNumber,omitempty"`
	TxHash        string           `json:"txHash,omitempty"`
	Bundler       string           `json:"bundler,omitempty"`
	Ts            int64            `json:"ts,omitempty"`
	ChainID       uint64           `json:"chainId,omitempty"`
}

// SenderMetrics is the per-sender aggregate served by the metrics API.
type SenderMetrics struct {
	Sender    string        `json:"sender"`
	Count     int           `json:"count"`
	Successes int           `json:"successes"`
	Failures  int           `json:"failures"`
	LastOpTs  int64         `json:"lastOpTs"`
	SumGas    *chain.DecBig `json:"sumGasCost"`
	SumFee    *chain.DecBig `json:"sumFee"`
}

// AnalyticsSummary is the store-wide rollup.
type AnalyticsSummary struct {
	Total         int           `json:"total"`
	Successes     int           `json:"successes"`
	Failures      int           `json:"failures"`
	UniqueSenders int           `json:"uniqueSenders"`
	SumGasCost    *chain.DecBig `json:"sumGasCost"`
	SumFee        *chain.DecBig `json:"sumFee"`
}

// TimeBucket is one point of the metrics time series.
type TimeBucket struct {
	Ts        int64 `json:"ts"`
	Count     int   `json:"count"`
	Successes int   `json:"successes"`
	Failures  int   `json:"failures"`
}

// Analytics merges both chain event variants into one IntentSummary map.
// Both ingestion paths funnel through the same record; the entry-point
// path owns the outcome fields, the paymaster path owns fee fields, and
// neither clobbers the other's. Eviction drops oldest by (ts, block).
type Analytics struct {
	mu      sync.Mutex
	byHash  map[string]*IntentSummary
	maxSize int
	now     func() time.Time
}

// NewAnalytics creates a store capped at maxEntries summaries.
func NewAnalytics(maxEntries int) *Analytics {
	return &Analytics{
		byHash:  make(map[string]*IntentSummary),
		maxSize: maxEntries,
		now:     time.Now,
	}
}

// IngestOutcome merges an entry-point outcome event. Re-delivery of the
// same {txHash, blockNumber} for a hash is a no-op.
func (a *Analytics) IngestOutcome(o *chain.IntentOutcome) {
	key := strings.ToLower(o.UserOpHash.Hex())
	txHash := o.TxHash.Hex()

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.byHash[key]
	if ok && s.TxHash == txHash && s.BlockNumber == o.BlockNumber && s.Sender != "" {
		return
	}
	if !ok {
		s = &IntentSummary{UserOpHash: key}
		a.byHash[key] = s
	}
	s.Sender = strings.ToLower(o.Sender.Hex())
	s.Paymaster = strings.ToLower(o.Paymaster.Hex())
	s.Nonce = o.Nonce
	s.Success = o.Success
	s.ActualGasCost = o.ActualGasCost
	s.ActualGasUsed = o.ActualGasUsed
	s.BlockNumber = o.BlockNumber
	s.TxHash = txHash
	s.Bundler = strings.ToLower(o.Bundler.Hex())
	s.Ts = o.Ts
	s.ChainID = o.ChainID
	a.evictLocked()
}

// IngestPostOp merges a paymaster post-op event. When the outcome has not
// arrived yet a partial record is created, with success derived from the
// post-op mode.
func (a *Analytics) IngestPostOp(p *chain.PaymasterPostOp) {
	key := strings.ToLower(p.UserOpHash.Hex())

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.byHash[key]
	if !ok {
		s = &IntentSummary{
			UserOpHash:  key,
			Sender:      strings.ToLower(p.Sender.Hex()),
			Success:     p.Mode == chain.PostOpSucceeded,
			BlockNumber: p.BlockNumber,
			TxHash:      p.TxHash.Hex(),
			Ts:          p.Ts,
			ChainID:     p.ChainID,
		}
		a.byHash[key] = s
	}
	s.FeeAmount = p.FeeAmount
	s.PostOpMode = p.Mode
	a.evictLocked()
}

// SetRevertReason attaches a decoded failure reason to a summary, when a
// structured log event carries one for a known hash.
func (a *Analytics) SetRevertReason(userOpHash, reason string) {
	key := strings.ToLower(userOpHash)
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.byHash[key]; ok && reason != "" {
		s.RevertReason = reason
	}
}

func (a *Analytics) evictLocked() {
	if len(a.byHash) <= a.maxSize {
		return
	}
	var oldestKey string
	var oldest *IntentSummary
	for k, s := range a.byHash {
		if oldest == nil || s.Ts < oldest.Ts ||
			(s.Ts == oldest.Ts && s.BlockNumber < oldest.BlockNumber) {
			oldestKey, oldest = k, s
		}
	}
	delete(a.byHash, oldestKey)
}

// Size returns the number of summaries held.
func (a *Analytics) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byHash)
}

// List returns summaries newest-first, optionally filtered by sender and
// success flag.
func (a *Analytics) List(limit int, sender string, success *bool) []*IntentSummary {
	sender = strings.ToLower(strings.TrimSpace(sender))

	a.mu.Lock()
	all := make([]*IntentSummary, 0, len(a.byHash))
	for _, s := range a.byHash {
		c := *s
		all = append(all, &c)
	}
	a.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Ts != all[j].Ts {
			return all[i].Ts > all[j].Ts
		}
		return all[i].BlockNumber > all[j].BlockNumber
	})

	out := make([]*IntentSummary, 0, len(all))
	for _, s := range all {
		if sender != "" && s.Sender != sender {
			continue
		}
		if success != nil && s.Success != *success {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Summary computes the store-wide rollup.
func (a *Analytics) Summary() AnalyticsSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	senders := make(map[string]struct{})
	sumGas := new(big.Int)
	sumFee := new(big.Int)
	out := AnalyticsSummary{}
	for _, s := range a.byHash {
		out.Total++
		if s.Success {
			out.Successes++
		} else {
			out.Failures++
		}
		if s.Sender != "" {
			senders[s.Sender] = struct{}{}
		}
		if s.ActualGasCost != nil {
			sumGas.Add(sumGas, s.ActualGasCost.Big())
		}
		if s.FeeAmount != nil {
			sumFee.Add(sumFee, s.FeeAmount.Big())
		}
	}
	out.UniqueSenders = len(senders)
	out.SumGasCost = chain.NewDecBig(sumGas)
	out.SumFee = chain.NewDecBig(sumFee)
	return out
}

// PerSender computes per-sender aggregates, sorted by op count.
func (a *Analytics) PerSender() []SenderMetrics {
	a.mu.Lock()
	acc := make(map[string]*SenderMetrics)
	for _, s := range a.byHash {
		if s.Sender == "" {
			continue
		}
		m, ok := acc[s.Sender]
		if !ok {
			m = &SenderMetrics{
				Sender: s.Sender,
				SumGas: chain.NewDecBig(new(big.Int)),
				SumFee: chain.NewDecBig(new(big.Int)),
			}
			acc[s.Sender] = m
		}
		m.Count++
		if s.Success {
			m.Successes++
		} else {
			m.Failures++
		}
		if s.Ts > m.LastOpTs {
			m.LastOpTs = s.Ts
		}
		if s.ActualGasCost != nil {
			m.SumGas.Big().Add(m.SumGas.Big(), s.ActualGasCost.Big())
		}
		if s.FeeAmount != nil {
			m.SumFee.Big().Add(m.SumFee.Big(), s.FeeAmount.Big())
		}
	}
	a.mu.Unlock()

	out := make([]SenderMetrics, 0, len(acc))
	for _, m := range acc {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// Failures groups failed intents by revert reason. Failures without a
// decoded reason group under "unknown".
func (a *Analytics) Failures() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]int)
	for _, s := range a.byHash {
		if s.Success {
			continue
		}
		reason := s.RevertReason
		if reason == "" {
			reason = "unknown"
		}
		out[reason]++
	}
	return out
}

// Timeseries buckets intents over the trailing window.
func (a *Analytics) Timeseries(windowSec, bucketSec int64) []TimeBucket {
	if bucketSec <= 0 {
		bucketSec = 60
	}
	if windowSec <= 0 {
		windowSec = 3600
	}
	nowTs := a.now().Unix()
	startTs := (nowTs - windowSec) / bucketSec * bucketSec

	buckets := make(map[int64]*TimeBucket)
	a.mu.Lock()
	for _, s := range a.byHash {
		if s.Ts < startTs {
			continue
		}
		bt := s.Ts / bucketSec * bucketSec
		b, ok := buckets[bt]
		if !ok {
			b = &TimeBucket{Ts: bt}
			buckets[bt] = b
		}
		b.Count++
		if s.Success {
			b.Successes++
		} else {
			b.Failures++
		}
	}
	a.mu.Unlock()

	out := make([]TimeBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ts < out[j].Ts })
	return out
}
