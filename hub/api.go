package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/bundler"
	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/obs"
)

// API is the hub's HTTP surface: public meta, admin registry and
// analytics, log ingest/query/stream, and telemetry ingest.
type API struct {
	cfg        Config
	registry   *Registry
	supervisor *Supervisor
	logs       *LogStore
	telemetry  *Telemetry
	analytics  *Analytics
	paymaster  *PaymasterMonitor
	indexer    *Indexer
	wallets    *WalletStats
	metrics    *Metrics
	log        *obs.Logger

	startedAt time.Time
	http      *http.Server
}

// NewAPI assembles the router over the hub's stores. paymaster, indexer,
// and wallets may be nil when the corresponding feature is unconfigured.
func NewAPI(cfg Config, registry *Registry, supervisor *Supervisor, logs *LogStore,
	telemetry *Telemetry, analytics *Analytics, paymaster *PaymasterMonitor,
	indexer *Indexer, wallets *WalletStats, metrics *Metrics, logger *obs.Logger) *API {

	a := &API{
		cfg:        cfg,
		registry:   registry,
		supervisor: supervisor,
		logs:       logs,
		telemetry:  telemetry,
		analytics:  analytics,
		paymaster:  paymaster,
		indexer:    indexer,
		wallets:    wallets,
		metrics:    metrics,
		log:        logger.Service("api"),
		startedAt:  time.Now(),
	}

	r := mux.NewRouter()

	// Public meta.
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/bundlers", a.handleListBundlers).Methods(http.MethodGet)
	r.HandleFunc("/deployments", a.handleDeployments).Methods(http.MethodGet)
	r.Handle("/metrics", a.instrumentedMetrics()).Methods(http.MethodGet)

	// Admin registry + supervisor.
	r.HandleFunc("/bundlers/spawn", a.admin(a.handleSpawn)).Methods(http.MethodPost)
	r.HandleFunc("/bundlers/register", a.admin(a.handleRegister)).Methods(http.MethodPost)
	r.HandleFunc("/bundlers/{id}/stop", a.admin(a.handleStop)).Methods(http.MethodPost)
	r.HandleFunc("/bundlers/{id}/unregister", a.admin(a.handleUnregister)).Methods(http.MethodPost)

	// Admin analytics.
	r.HandleFunc("/paymaster/status", a.admin(a.handlePaymasterStatus)).Methods(http.MethodGet)
	r.HandleFunc("/metrics/summary", a.admin(a.handleMetricsSummary)).Methods(http.MethodGet)
	r.HandleFunc("/metrics/timeseries", a.admin(a.handleTimeseries)).Methods(http.MethodGet)
	r.HandleFunc("/metrics/failures", a.admin(a.handleFailures)).Methods(http.MethodGet)
	r.HandleFunc("/userops", a.admin(a.handleUserOps)).Methods(http.MethodGet)
	r.HandleFunc("/users", a.admin(a.handleUsers)).Methods(http.MethodGet)
	r.HandleFunc("/wallets", a.admin(a.handleWallets)).Methods(http.MethodGet)

	// Logs + telemetry ingest.
	r.HandleFunc("/logs/ingest", a.handleLogIngest).Methods(http.MethodPost)
	r.HandleFunc("/logs", a.handleLogQuery).Methods(http.MethodGet)
	r.HandleFunc("/logs/stream", a.handleLogStream).Methods(http.MethodGet)
	r.HandleFunc("/telemetry/session", a.handleSession).Methods(http.MethodPost)
	r.HandleFunc("/telemetry/event", a.handleTelemetryEvent).Methods(http.MethodPost)

	// The request counter wraps outside the router so unmatched routes
	// are counted too.
	a.http = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     a.countRequests(r),
		ReadTimeout: 30 * time.Second,
		// No write timeout: /logs/stream holds connections open.
	}
	return a
}

// Start begins serving and blocks until Shutdown.
func (a *API) Start() error {
	ln, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", a.http.Addr, err)
	}
	a.log.Info("http listening", "addr", ln.Addr().String())
	if err := a.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (a *API) Shutdown(ctx context.Context) error {
	return a.http.Shutdown(ctx)
}

// admin wraps a handler with bearer-token authorization. With no token
// configured the admin surface is disabled outright.
func (a *API) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.AdminToken == "" {
			a.writeError(w, http.StatusForbidden, "admin endpoints disabled")
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != a.cfg.AdminToken {
			a.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// statusRecorder captures the response status for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush passes through so /logs/stream keeps streaming.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// countRequests increments the per-group request counter once the
// handler returns.
func (a *API) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.metrics.HTTPRequests.WithLabelValues(
			routeGroup(r.URL.Path), fmt.Sprintf("%dxx", rec.status/100)).Inc()
	})
}

// routeGroup is the first path segment, the label granularity the
// request counter uses.
func routeGroup(path string) string {
	p := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "root"
	}
	return p
}

// instrumentedMetrics refreshes the gauges, then serves the registry.
func (a *API) instrumentedMetrics() http.Handler {
	inner := a.metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up, total := a.registry.Counts()
		a.metrics.BundlersUp.Set(float64(up))
		a.metrics.BundlersTotal.Set(float64(total))
		a.metrics.IntentsHeld.Set(float64(a.analytics.Size()))
		inner.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	up, total := a.registry.Counts()
	out := map[string]interface{}{
		"ok":            true,
		"startedAt":     a.startedAt.UTC().Format(time.RFC3339),
		"bundlersUp":    up,
		"bundlersTotal": total,
		"logsCount":     a.logs.Count(),
	}
	if a.indexer != nil {
		out["indexedBlock"] = a.indexer.LastProcessedBlock()
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *API) handleListBundlers(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"bundlers": a.registry.ListPublic(),
	})
}

func (a *API) handleDeployments(w http.ResponseWriter, _ *http.Request) {
	out := map[string]string{}
	for k, v := range a.cfg.Deployments {
		out[k] = v
	}
	if a.cfg.EntryPoint != "" {
		out["entryPoint"] = a.cfg.EntryPointAddress().Hex()
	}
	if a.cfg.Paymaster != "" {
		out["paymaster"] = a.cfg.PaymasterAddress().Hex()
	}
	a.writeJSON(w, http.StatusOK, out)
}

type spawnRequest struct {
	Name   string                `json:"name,omitempty"`
	Policy *bundler.PolicyConfig `json:"policy,omitempty"`
}

func (a *API) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	inst, err := a.supervisor.Spawn(req.Name, req.Policy)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInstanceExists) {
			status = http.StatusConflict
		}
		a.writeError(w, status, err.Error())
		return
	}
	a.writeJSON(w, http.StatusCreated, publicOf(inst))
}

type registerRequest struct {
	ID     string               `json:"id,omitempty"`
	Label  string               `json:"label"`
	URL    string               `json:"url"`
	Policy bundler.PolicyConfig `json:"policy"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if req.URL == "" {
		a.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	inst, err := a.supervisor.Register(req.ID, req.Label, req.URL, req.Policy)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInstanceExists) {
			status = http.StatusConflict
		}
		a.writeError(w, status, err.Error())
		return
	}
	a.writeJSON(w, http.StatusCreated, publicOf(inst))
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.supervisor.StopInstance(id); err != nil {
		switch {
		case errors.Is(err, ErrInstanceNotFound):
			a.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrAlreadyStopped):
			a.writeError(w, http.StatusConflict, err.Error())
		default:
			a.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(StatusStopped)})
}

func (a *API) handleUnregister(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.supervisor.Unregister(id); err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			a.writeError(w, http.StatusNotFound, err.Error())
		} else {
			a.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"id": id, "removed": "true"})
}

func (a *API) handlePaymasterStatus(w http.ResponseWriter, r *http.Request) {
	if a.paymaster == nil {
		a.writeError(w, http.StatusNotFound, "paymaster not configured")
		return
	}
	status := a.paymaster.Status(r.Context(), a.telemetry.Counters(), a.cfg.Deployments)
	a.writeJSON(w, http.StatusOK, status)
}

func (a *API) handleMetricsSummary(w http.ResponseWriter, _ *http.Request) {
	summary := a.analytics.Summary()
	counters := a.telemetry.Counters()
	_, total := a.registry.Counts()
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":     a.telemetry.ActiveSessions(),
		"uniqueOwners": a.telemetry.UniqueOwners(),
		"bundlers":     total,
		"logsCount":    a.logs.Count(),
		"userOps":      summary,
		"paidFallback": map[string]int64{
			"attempts":  counters[CounterPaidFallbackAttempt],
			"successes": counters[CounterPaidFallbackSuccess],
			"failures":  counters[CounterPaidFallbackFailure],
		},
	})
}

func (a *API) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	windowSec := queryInt64(r, "windowSec", 3600)
	bucketSec := queryInt64(r, "bucketSec", 60)
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"windowSec": windowSec,
		"bucketSec": bucketSec,
		"buckets":   a.analytics.Timeseries(windowSec, bucketSec),
	})
}

func (a *API) handleFailures(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"failures": a.analytics.Failures(),
	})
}

func (a *API) handleUserOps(w http.ResponseWriter, r *http.Request) {
	limit := int(queryInt64(r, "limit", 100))
	sender := r.URL.Query().Get("sender")
	var success *bool
	if v := r.URL.Query().Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "invalid success filter")
			return
		}
		success = &b
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"userOps": a.analytics.List(limit, sender, success),
	})
}

func (a *API) handleUsers(w http.ResponseWriter, _ *http.Request) {
	owners, senders := a.telemetry.Users()
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"owners":  owners,
		"senders": senders,
	})
}

func (a *API) handleWallets(w http.ResponseWriter, _ *http.Request) {
	if a.wallets == nil {
		a.writeError(w, http.StatusNotFound, "wallet analytics not configured")
		return
	}
	records, txs := a.wallets.Snapshot()
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"wallets":   records,
		"recentTxs": txs,
	})
}

// handleLogIngest accepts one event or an array. A batch is all-or-
// nothing per event: valid events are stored, the response reports how
// many were rejected.
func (a *API) handleLogIngest(w http.ResponseWriter, r *http.Request) {
	body := json.NewDecoder(r.Body)
	var raw json.RawMessage
	if err := body.Decode(&raw); err != nil {
		a.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}

	var events []*obs.LogEvent
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &events); err != nil {
			a.writeError(w, http.StatusBadRequest, "malformed event array: "+err.Error())
			return
		}
	} else {
		var ev obs.LogEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			a.writeError(w, http.StatusBadRequest, "malformed event: "+err.Error())
			return
		}
		events = []*obs.LogEvent{&ev}
	}

	accepted, rejected := 0, 0
	var firstErr error
	for _, ev := range events {
		if err := a.logs.Ingest(ev); err != nil {
			rejected++
			if firstErr == nil {
				firstErr = err
			}
			a.metrics.LogsRejected.Inc()
			continue
		}
		accepted++
		a.metrics.LogsIngested.Inc()
	}
	if accepted == 0 && rejected > 0 {
		a.writeError(w, http.StatusBadRequest, firstErr.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]int{"accepted": accepted, "rejected": rejected})
}

func (a *API) handleLogQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := LogFilter{
		Service:    q.Get("service"),
		Text:       q.Get("text"),
		RequestID:  q.Get("requestId"),
		QuoteID:    q.Get("quoteId"),
		UserOpHash: q.Get("userOpHash"),
		Sender:     q.Get("sender"),
		TxHash:     q.Get("txHash"),
		Limit:      int(queryInt64(r, "limit", 0)),
	}
	if lv := q.Get("level"); lv != "" {
		level, err := obs.ParseLevel(lv)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Level = level
	}
	if v := q.Get("since"); v != "" {
		ts, err := strconv.ParseFloat(v, 64)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		f.SinceTs = ts
	}
	if v := q.Get("until"); v != "" {
		ts, err := strconv.ParseFloat(v, 64)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "invalid until timestamp")
			return
		}
		f.UntilTs = ts
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs": a.logs.Query(f),
	})
}

// handleLogStream serves the live event stream as server-sent events.
func (a *API) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := a.logs.Subscribe()
	defer cancel()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
	App       string `json:"app"`
	Owner     string `json:"owner,omitempty"`
	Sender    string `json:"sender,omitempty"`
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if err := a.telemetry.Heartbeat(req.SessionID, req.App, req.Owner, req.Sender); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type telemetryEventRequest struct {
	Name string `json:"name"`
}

func (a *API) handleTelemetryEvent(w http.ResponseWriter, r *http.Request) {
	var req telemetryEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if err := a.telemetry.Count(req.Name); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func publicOf(inst *Instance) PublicView {
	v := PublicView{
		ID:      inst.ID,
		Label:   inst.Label,
		URL:     inst.URL,
		Status:  inst.Status,
		Policy:  inst.Policy,
		Spawned: inst.Spawned,
	}
	if !inst.SpawnedAt.IsZero() {
		t := inst.SpawnedAt
		v.SpawnedAt = &t
	}
	if !inst.LastSeen.IsZero() {
		t := inst.LastSeen
		v.LastSeen = &t
	}
	return v
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}
