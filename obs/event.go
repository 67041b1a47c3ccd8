package obs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a LogEvent. The set is closed: the hub rejects
// events whose level is not one of the four values below.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Validation errors for LogEvent ingestion.
var (
	ErrUnknownLevel   = errors.New("obs: unknown log level")
	ErrMissingService = errors.New("obs: missing service")
	ErrMissingMessage = errors.New("obs: missing message")
)

// ParseLevel parses a level string, case-insensitively. Unknown values are
// an error, not a default: the ingest boundary must reject them.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

// Severity returns a numeric rank for level comparisons (debug lowest).
func (l Level) Severity() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return -1
	}
}

// LogEvent is the structured log record shared by every service and the
// hub's log store. Ts is unix seconds (fractional). The correlation ids are
// all optional; Meta carries anything else.
type LogEvent struct {
	Ts      float64 `json:"ts"`
	Level   Level   `json:"level"`
	Service string  `json:"service"`
	Msg     string  `json:"msg"`

	RequestID  string `json:"requestId,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	QuoteID    string `json:"quoteId,omitempty"`
	UserOpHash string `json:"userOpHash,omitempty"`
	Sender     string `json:"sender,omitempty"`
	Owner      string `json:"owner,omitempty"`
	TxHash     string `json:"txHash,omitempty"`
	ChainID    uint64 `json:"chainId,omitempty"`

	Meta map[string]any `json:"meta,omitempty"`
}

// Validate checks the mandatory fields and the closed level set. A zero Ts
// is filled with the current time rather than rejected, since remote
// emitters may omit it.
func (ev *LogEvent) Validate() error {
	if _, err := ParseLevel(string(ev.Level)); err != nil {
		return err
	}
	if strings.TrimSpace(ev.Service) == "" {
		return ErrMissingService
	}
	if strings.TrimSpace(ev.Msg) == "" {
		return ErrMissingMessage
	}
	if ev.Ts <= 0 {
		ev.Ts = NowTs()
	}
	return nil
}

// Time returns the event timestamp as a time.Time.
func (ev *LogEvent) Time() time.Time {
	sec := int64(ev.Ts)
	nsec := int64((ev.Ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// NowTs returns the current time as unix seconds with fractional precision.
func NowTs() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
