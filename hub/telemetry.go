package hub

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Telemetry errors.
var (
	ErrUnknownCounter   = errors.New("telemetry: unknown event name")
	ErrMissingSessionID = errors.New("telemetry: missing sessionId")
	ErrUnknownApp       = errors.New("telemetry: unknown app")
)

// Recognized counter event names.
const (
	CounterPaidFallbackAttempt = "paid_fallback_attempt"
	CounterPaidFallbackSuccess = "paid_fallback_success"
	CounterPaidFallbackFailure = "paid_fallback_failure"
)

// Recognized app identifiers. A heartbeat without one defaults to the
// user app.
const (
	AppUser  = "user-app"
	AppAdmin = "admin-app"
)

// Session is one heartbeating UI session.
type Session struct {
	SessionID  string `json:"sessionId"`
	App        string `json:"app"`
	Owner      string `json:"owner,omitempty"`
	Sender     string `json:"sender,omitempty"`
	LastSeenMs int64  `json:"lastSeenMs"`
}

// OwnerRecord tracks when an owner address was first and last seen.
type OwnerRecord struct {
	Owner       string `json:"owner"`
	FirstSeenMs int64  `json:"firstSeenMs"`
	LastSeenMs  int64  `json:"lastSeenMs"`
}

// SenderRecord tracks a smart-account sender and its owning key.
type SenderRecord struct {
	Sender      string `json:"sender"`
	Owner       string `json:"owner,omitempty"`
	FirstSeenMs int64  `json:"firstSeenMs"`
	LastSeenMs  int64  `json:"lastSeenMs"`
}

// Telemetry aggregates UI heartbeats: active sessions, seen owners and
// sender accounts, and named demo counters. All address keys are
// lowercased.
type Telemetry struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	owners       map[string]*OwnerRecord
	senders      map[string]*SenderRecord
	ownerSenders map[string]map[string]struct{}
	counters     map[string]int64

	activeWindow time.Duration
	now          func() time.Time
}

// NewTelemetry creates a store with the given active-session window.
func NewTelemetry(activeWindow time.Duration) *Telemetry {
	return &Telemetry{
		sessions:     make(map[string]*Session),
		owners:       make(map[string]*OwnerRecord),
		senders:      make(map[string]*SenderRecord),
		ownerSenders: make(map[string]map[string]struct{}),
		counters:     make(map[string]int64),
		activeWindow: activeWindow,
		now:          time.Now,
	}
}

// Heartbeat records a session ping and updates the owner and sender
// indexes it carries.
func (t *Telemetry) Heartbeat(sessionID, app, owner, sender string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrMissingSessionID
	}
	switch app = strings.ToLower(strings.TrimSpace(app)); app {
	case "":
		app = AppUser
	case AppUser, AppAdmin:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownApp, app)
	}
	owner = strings.ToLower(strings.TrimSpace(owner))
	sender = strings.ToLower(strings.TrimSpace(sender))
	nowMs := t.now().UnixMilli()

	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[sessionID]
	if !ok {
		sess = &Session{SessionID: sessionID}
		t.sessions[sessionID] = sess
	}
	sess.App = app
	if owner != "" {
		sess.Owner = owner
	}
	if sender != "" {
		sess.Sender = sender
	}
	sess.LastSeenMs = nowMs

	if owner != "" {
		rec, ok := t.owners[owner]
		if !ok {
			rec = &OwnerRecord{Owner: owner, FirstSeenMs: nowMs}
			t.owners[owner] = rec
		}
		rec.LastSeenMs = nowMs
	}
	if sender != "" {
		rec, ok := t.senders[sender]
		if !ok {
			rec = &SenderRecord{Sender: sender, FirstSeenMs: nowMs}
			t.senders[sender] = rec
		}
		if owner != "" {
			rec.Owner = owner
		}
		rec.LastSeenMs = nowMs
	}
	if owner != "" && sender != "" {
		set, ok := t.ownerSenders[owner]
		if !ok {
			set = make(map[string]struct{})
			t.ownerSenders[owner] = set
		}
		set[sender] = struct{}{}
	}
	return nil
}

// Count increments a recognized counter.
func (t *Telemetry) Count(name string) error {
	switch name {
	case CounterPaidFallbackAttempt, CounterPaidFallbackSuccess, CounterPaidFallbackFailure:
	default:
		return ErrUnknownCounter
	}
	t.mu.Lock()
	t.counters[name]++
	t.mu.Unlock()
	return nil
}

// Counters returns a copy of the counter map.
func (t *Telemetry) Counters() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int64, len(t.counters))
	for k, v := range t.counters {
		out[k] = v
	}
	return out
}

// ActiveSessions counts sessions seen within the active window.
func (t *Telemetry) ActiveSessions() int {
	cutoff := t.now().Add(-t.activeWindow).UnixMilli()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.sessions {
		if s.LastSeenMs >= cutoff {
			n++
		}
	}
	return n
}

// UniqueOwners returns the number of distinct owner addresses seen.
func (t *Telemetry) UniqueOwners() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.owners)
}

// Users returns every owner and sender record, sorted by first-seen time.
func (t *Telemetry) Users() (owners []OwnerRecord, senders []SenderRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.owners {
		owners = append(owners, *rec)
	}
	for _, rec := range t.senders {
		senders = append(senders, *rec)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].FirstSeenMs < owners[j].FirstSeenMs })
	sort.Slice(senders, func(i, j int) bool { return senders[i].FirstSeenMs < senders[j].FirstSeenMs })
	return owners, senders
}

// SendersOf returns the sender accounts observed for an owner.
func (t *Telemetry) SendersOf(owner string) []string {
	owner = strings.ToLower(strings.TrimSpace(owner))
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.ownerSenders[owner]
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
