package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// emitterQueueSize bounds the forwarding queue. When the hub is slow or
// unreachable, excess events are dropped rather than blocking the caller.
const emitterQueueSize = 1024

// Emitter publishes structured LogEvents for one service. Every event is
// written to the local logger; when an ingest URL is configured the event is
// additionally forwarded to the hub's /logs/ingest endpoint by a single
// background goroutine. Forwarding is best-effort and never blocks Emit.
type Emitter struct {
	service   string
	logger    *Logger
	ingestURL string
	httpc     *http.Client

	queue chan LogEvent

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewEmitter creates an Emitter for the named service. ingestURL may be
// empty, in which case events are only logged locally.
func NewEmitter(service, ingestURL string, logger *Logger) *Emitter {
	if logger == nil {
		logger = Default()
	}
	e := &Emitter{
		service:   service,
		logger:    logger.Service(service),
		ingestURL: ingestURL,
		httpc:     &http.Client{Timeout: 5 * time.Second},
		queue:     make(chan LogEvent, emitterQueueSize),
		done:      make(chan struct{}),
	}
	if ingestURL != "" {
		e.wg.Add(1)
		go e.forward()
	}
	return e
}

// Service returns the service name this emitter stamps on events.
func (e *Emitter) Service() string { return e.service }

// Emit stamps the event with the emitter's service and the current time
// (when unset), logs it locally, and queues it for forwarding.
func (e *Emitter) Emit(ev LogEvent) {
	if ev.Service == "" {
		ev.Service = e.service
	}
	if ev.Ts <= 0 {
		ev.Ts = NowTs()
	}
	if ev.Level == "" {
		ev.Level = LevelInfo
	}

	e.logLocal(ev)

	if e.ingestURL == "" {
		return
	}
	select {
	case e.queue <- ev:
	default:
		// Queue full: drop. Local stdout copy already happened.
	}
}

// Debugf, Infof-style helpers keep call sites compact.

// Debug emits a debug-level event.
func (e *Emitter) Debug(msg string, ev LogEvent) { ev.Level = LevelDebug; ev.Msg = msg; e.Emit(ev) }

// Info emits an info-level event.
func (e *Emitter) Info(msg string, ev LogEvent) { ev.Level = LevelInfo; ev.Msg = msg; e.Emit(ev) }

// Warn emits a warn-level event.
func (e *Emitter) Warn(msg string, ev LogEvent) { ev.Level = LevelWarn; ev.Msg = msg; e.Emit(ev) }

// Error emits an error-level event.
func (e *Emitter) Error(msg string, ev LogEvent) { ev.Level = LevelError; ev.Msg = msg; e.Emit(ev) }

// Close stops the forwarder after draining queued events.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
}

func (e *Emitter) logLocal(ev LogEvent) {
	args := make([]any, 0, 16)
	if ev.UserOpHash != "" {
		args = append(args, "userOpHash", ev.UserOpHash)
	}
	if ev.Sender != "" {
		args = append(args, "sender", ev.Sender)
	}
	if ev.TxHash != "" {
		args = append(args, "txHash", ev.TxHash)
	}
	if ev.RequestID != "" {
		args = append(args, "requestId", ev.RequestID)
	}
	if ev.ChainID != 0 {
		args = append(args, "chainId", ev.ChainID)
	}
	for k, v := range ev.Meta {
		args = append(args, k, v)
	}

	switch ev.Level {
	case LevelDebug:
		e.logger.Debug(ev.Msg, args...)
	case LevelWarn:
		e.logger.Warn(ev.Msg, args...)
	case LevelError:
		e.logger.Error(ev.Msg, args...)
	default:
		e.logger.Info(ev.Msg, args...)
	}
}

// forward ships queued events to the hub one POST per event. A failed POST
// is dropped; the hub tolerates gaps and the local copy is authoritative.
func (e *Emitter) forward() {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.queue:
			e.post(ev)
		case <-e.done:
			// Drain whatever is left without waiting for new events.
			for {
				select {
				case ev := <-e.queue:
					e.post(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) post(ev LogEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	resp, err := e.httpc.Post(e.ingestURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return
	}
	resp.Body.Close()
}
