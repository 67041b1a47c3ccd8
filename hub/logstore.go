package hub

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/obs"
)

// LogFilter is the query shape of GET /logs. Zero values mean "no
// constraint".
type LogFilter struct {
	Service    string
	Level      obs.Level
	Text       string
	RequestID  string
	QuoteID    string
	UserOpHash string
	Sender     string
	TxHash     string
	SinceTs    float64
	UntilTs    float64
	Limit      int
}

// LogStore is the log hub: a fixed-size ring of recent events, a live
// subscriber set, and best-effort NDJSON persistence. Subscribers are
// notified synchronously after an event is ring-buffered; persistence
// never blocks delivery.
type LogStore struct {
	mu    sync.Mutex
	ring  []*obs.LogEvent
	next  int
	count int

	subs   map[int]chan *obs.LogEvent
	nextID int

	limitCap int
	writer   *NDJSONWriter
}

// NewLogStore builds a store with the given ring size and query cap.
// writer may be nil to disable persistence.
func NewLogStore(ringSize, limitCap int, writer *NDJSONWriter) *LogStore {
	return &LogStore{
		ring:     make([]*obs.LogEvent, ringSize),
		subs:     make(map[int]chan *obs.LogEvent),
		limitCap: limitCap,
		writer:   writer,
	}
}

// Recover repopulates the ring from the most recent persisted day files.
func (s *LogStore) Recover(dir string) error {
	return TailNDJSON(dir, 2, func(line []byte) bool {
		var ev obs.LogEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return false
		}
		if ev.Validate() != nil {
			return false
		}
		s.buffer(&ev, false)
		return true
	})
}

// Ingest validates and stores one event, notifies subscribers, and queues
// it for persistence.
func (s *LogStore) Ingest(ev *obs.LogEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	s.buffer(ev, true)
	if s.writer != nil {
		s.writer.Append(ev)
	}
	return nil
}

func (s *LogStore) buffer(ev *obs.LogEvent, notify bool) {
	s.mu.Lock()
	s.ring[s.next] = ev
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}
	var subs []chan *obs.LogEvent
	if notify {
		subs = make([]chan *obs.LogEvent, 0, len(s.subs))
		for _, ch := range s.subs {
			subs = append(subs, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; skip rather than stall ingest.
		}
	}
}

// Count returns the number of buffered events.
func (s *LogStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Query returns buffered events matching the filter, oldest first. The
// limit is capped at the configured maximum.
func (s *LogStore) Query(f LogFilter) []*obs.LogEvent {
	limit := f.Limit
	if limit <= 0 || limit > s.limitCap {
		limit = s.limitCap
	}

	s.mu.Lock()
	snapshot := make([]*obs.LogEvent, 0, s.count)
	start := s.next - s.count
	if start < 0 {
		start += len(s.ring)
	}
	for i := 0; i < s.count; i++ {
		snapshot = append(snapshot, s.ring[(start+i)%len(s.ring)])
	}
	s.mu.Unlock()

	out := make([]*obs.LogEvent, 0, limit)
	// Walk newest-first so the limit keeps the most recent matches, then
	// reverse back to ingest order.
	for i := len(snapshot) - 1; i >= 0 && len(out) < limit; i-- {
		if matches(snapshot[i], &f) {
			out = append(out, snapshot[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func matches(ev *obs.LogEvent, f *LogFilter) bool {
	if f.Service != "" && ev.Service != f.Service {
		return false
	}
	if f.Level != "" && ev.Level != f.Level {
		return false
	}
	if f.RequestID != "" && ev.RequestID != f.RequestID {
		return false
	}
	if f.QuoteID != "" && ev.QuoteID != f.QuoteID {
		return false
	}
	if f.UserOpHash != "" && !strings.EqualFold(ev.UserOpHash, f.UserOpHash) {
		return false
	}
	if f.Sender != "" && !strings.EqualFold(ev.Sender, f.Sender) {
		return false
	}
	if f.TxHash != "" && !strings.EqualFold(ev.TxHash, f.TxHash) {
		return false
	}
	if f.SinceTs > 0 && ev.Ts < f.SinceTs {
		return false
	}
	if f.UntilTs > 0 && ev.Ts > f.UntilTs {
		return false
	}
	if f.Text != "" {
		needle := strings.ToLower(f.Text)
		if !strings.Contains(strings.ToLower(ev.Msg), needle) && !metaContains(ev.Meta, needle) {
			return false
		}
	}
	return true
}

func metaContains(meta map[string]any, needle string) bool {
	for k, v := range meta {
		if strings.Contains(strings.ToLower(k), needle) {
			return true
		}
		if strings.Contains(strings.ToLower(fmt.Sprint(v)), needle) {
			return true
		}
	}
	return false
}

// Subscribe registers a live-stream subscriber. The returned channel
// receives every event ingested after the call; cancel removes it.
func (s *LogStore) Subscribe() (<-chan *obs.LogEvent, func()) {
	ch := make(chan *obs.LogEvent, 256)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
	return ch, cancel
}
