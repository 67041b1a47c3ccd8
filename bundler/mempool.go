package bundler

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/intent"
)

// Status is the lifecycle state of a mempool entry. Transitions form a DAG
// with no back-edges: PENDING -> SENT -> MINED | FAILED (FAILED is also
// reachable straight from PENDING when a bundle never leaves the node).
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusMined   Status = "MINED"
	StatusFailed  Status = "FAILED"
)

// Mempool errors.
var (
	ErrEntryNotFound = errors.New("mempool: entry not found")
	ErrBadTransition = errors.New("mempool: illegal status transition")
)

// Entry is one admitted intent and everything the engine learns about it.
// Entries are never reused; re-admitting the same hash is idempotent.
type Entry struct {
	Op         *intent.Intent
	Packed     *intent.Packed
	Hash       common.Hash
	ReceivedAt time.Time
	Status     Status
	TxHash     *common.Hash
	Receipt    *Receipt
}

// Mempool holds admitted intents keyed by intent hash. All methods are safe
// for concurrent use; the entry count is monotone non-decreasing.
type Mempool struct {
	mu      sync.Mutex
	entries map[common.Hash]*Entry
}

// NewMempool creates an empty mempool.
func NewMempool() *Mempool {
	return &Mempool{entries: make(map[common.Hash]*Entry)}
}

// Add admits an intent. When the hash is already known the existing entry
// is returned and added is false.
func (mp *Mempool) Add(op *intent.Intent, packed *intent.Packed, hash common.Hash) (entry Entry, added bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if existing, ok := mp.entries[hash]; ok {
		return *existing, false
	}
	e := &Entry{
		Op:         op,
		Packed:     packed,
		Hash:       hash,
		ReceivedAt: time.Now(),
		Status:     StatusPending,
	}
	mp.entries[hash] = e
	return *e, true
}

// Get returns a snapshot of the entry for hash.
func (mp *Mempool) Get(hash common.Hash) (Entry, bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	e, ok := mp.entries[hash]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// PendingOldest returns up to n PENDING entries sorted by reception time,
// oldest first.
func (mp *Mempool) PendingOldest(n int) []Entry {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	pending := make([]*Entry, 0, n)
	for _, e := range mp.entries {
		if e.Status == StatusPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].ReceivedAt.Before(pending[j].ReceivedAt)
	})
	if len(pending) > n {
		pending = pending[:n]
	}
	out := make([]Entry, len(pending))
	for i, e := range pending {
		out[i] = *e
	}
	return out
}

// MarkSent transitions the given entries PENDING -> SENT and records the
// submission tx hash.
func (mp *Mempool) MarkSent(hashes []common.Hash, txHash common.Hash) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for _, h := range hashes {
		e, ok := mp.entries[h]
		if !ok {
			return ErrEntryNotFound
		}
		if e.Status != StatusPending {
			return ErrBadTransition
		}
	}
	for _, h := range hashes {
		e := mp.entries[h]
		e.Status = StatusSent
		tx := txHash
		e.TxHash = &tx
	}
	return nil
}

// MarkMined transitions one entry SENT -> MINED and attaches its receipt.
func (mp *Mempool) MarkMined(hash common.Hash, receipt *Receipt) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	e, ok := mp.entries[hash]
	if !ok {
		return ErrEntryNotFound
	}
	if e.Status != StatusSent {
		return ErrBadTransition
	}
	e.Status = StatusMined
	e.Receipt = receipt
	return nil
}

// MarkFailed transitions entries to FAILED from PENDING or SENT. MINED is
// terminal; attempting to fail a mined entry is an error.
func (mp *Mempool) MarkFailed(hashes []common.Hash) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for _, h := range hashes {
		e, ok := mp.entries[h]
		if !ok {
			return ErrEntryNotFound
		}
		if e.Status == StatusMined || e.Status == StatusFailed {
			return ErrBadTransition
		}
	}
	for _, h := range hashes {
		mp.entries[h].Status = StatusFailed
	}
	return nil
}

// Size returns the total entry count (all states).
func (mp *Mempool) Size() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return len(mp.entries)
}

// PendingCount returns the number of PENDING entries.
func (mp *Mempool) PendingCount() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	n := 0
	for _, e := range mp.entries {
		if e.Status == StatusPending {
			n++
		}
	}
	return n
}
