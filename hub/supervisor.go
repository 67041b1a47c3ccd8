package hub

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/bundler"
	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/obs"
)

// Supervisor errors.
var (
	ErrNoFreePort     = errors.New("supervisor: no free port in configured range")
	ErrNotSpawned     = errors.New("supervisor: instance was not spawned by this hub")
	ErrSpawnDisabled  = errors.New("supervisor: spawning not configured")
	ErrAlreadyStopped = errors.New("supervisor: instance already stopped")
)

// killGrace is how long a stopped child gets to exit before SIGKILL.
const killGrace = 5 * time.Second

// Supervisor spawns, stops, and health-probes bundler instances.
type Supervisor struct {
	cfg      Config
	registry *Registry
	logs     *LogStore
	log      *obs.Logger
	httpc    *http.Client

	// ingestURL is the hub's own log-ingest endpoint, handed to children
	// so their structured events flow back without stdout scraping.
	ingestURL string

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewSupervisor wires a supervisor over the registry and log store.
func NewSupervisor(cfg Config, registry *Registry, logs *LogStore, logger *obs.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		registry:  registry,
		logs:      logs,
		log:       logger.Service("supervisor"),
		httpc:     &http.Client{Timeout: 3 * time.Second},
		ingestURL: fmt.Sprintf("http://127.0.0.1:%d/logs/ingest", cfg.Port),
		quit:      make(chan struct{}),
	}
}

// Start launches the periodic health probe.
func (s *Supervisor) Start() {
	s.wg.Add(1)
	go s.probeLoop()
}

// Stop halts probing and terminates every spawned child.
func (s *Supervisor) Stop() {
	s.once.Do(func() { close(s.quit) })
	s.wg.Wait()
	for _, inst := range s.registry.All() {
		if inst.Spawned && inst.Status != StatusStopped {
			if err := s.StopInstance(inst.ID); err != nil {
				s.log.Warn("stop child on shutdown", "id", inst.ID, "err", err)
			}
		}
	}
}

// Register adds an externally managed bundler to the registry.
func (s *Supervisor) Register(id, label, url string, policy bundler.PolicyConfig) (*Instance, error) {
	if id == "" {
		id = "bundler-" + uuid.NewString()[:8]
	}
	if _, ok := s.registry.Get(id); ok {
		return nil, ErrInstanceExists
	}
	inst := &Instance{
		ID:     id,
		Label:  label,
		URL:    strings.TrimSuffix(url, "/"),
		Status: StatusDown,
		Policy: policy,
	}
	s.registry.Upsert(inst)
	return inst, nil
}

// Spawn launches a new bundler child: allocates a port, materializes a
// merged config, starts the process, and registers it.
func (s *Supervisor) Spawn(name string, overrides *bundler.PolicyConfig) (*Instance, error) {
	if s.cfg.Spawn.Binary == "" {
		return nil, ErrSpawnDisabled
	}

	id := name
	if id == "" {
		id = "bundler-" + uuid.NewString()[:8]
	}
	if _, ok := s.registry.Get(id); ok {
		return nil, ErrInstanceExists
	}

	port, err := s.allocatePort()
	if err != nil {
		return nil, err
	}

	cfg, err := s.childConfig(id, port, overrides)
	if err != nil {
		return nil, err
	}
	cfgPath := fmt.Sprintf("%s/bundlers/%s/bundler.config.json", s.cfg.DataDir, id)
	if err := bundler.WriteConfig(cfgPath, cfg); err != nil {
		return nil, fmt.Errorf("supervisor: write child config: %w", err)
	}

	cmd := exec.Command(s.cfg.Spawn.Binary, "-config", cfgPath)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%s", s.cfg.Spawn.WalletKeyEnv, os.Getenv(s.cfg.Spawn.WalletKeyEnv)))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start %s: %w", s.cfg.Spawn.Binary, err)
	}

	inst := &Instance{
		ID:         id,
		Label:      id,
		URL:        fmt.Sprintf("http://127.0.0.1:%d", port),
		Status:     StatusDown,
		Policy:     cfg.Policy,
		Spawned:    true,
		SpawnedAt:  time.Now(),
		Port:       port,
		Process:    cmd,
		ConfigPath: cfgPath,
	}
	s.registry.Upsert(inst)

	go s.captureOutput(id, stdout, obs.LevelInfo)
	go s.captureOutput(id, stderr, obs.LevelError)
	go s.awaitExit(inst)

	s.log.Info("spawned bundler", "id", id, "port", port, "pid", cmd.Process.Pid)
	return inst, nil
}

// childConfig layers the base config template, the spawn parameters, and
// the policy overrides into the child's config.
func (s *Supervisor) childConfig(id string, port int, overrides *bundler.PolicyConfig) (*bundler.Config, error) {
	var cfg bundler.Config
	if s.cfg.Spawn.BaseConfig != "" {
		loaded, err := bundler.LoadConfig(s.cfg.Spawn.BaseConfig)
		if err != nil {
			return nil, fmt.Errorf("supervisor: base config: %w", err)
		}
		cfg = *loaded
	} else {
		cfg = bundler.DefaultConfig()
	}
	cfg.Service = id
	cfg.Port = port
	cfg.ChainRPCURL = s.cfg.ChainRPCURL
	if s.cfg.EntryPoint != "" {
		cfg.EntryPoint = s.cfg.EntryPointAddress()
	}
	cfg.WalletKeyEnv = s.cfg.Spawn.WalletKeyEnv
	cfg.LogIngestURL = s.ingestURL
	if overrides != nil {
		cfg.Policy = *overrides
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// allocatePort TCP-probes the configured range for a bindable port.
func (s *Supervisor) allocatePort() (int, error) {
	for port := s.cfg.Spawn.PortRangeStart; port <= s.cfg.Spawn.PortRangeEnd; port++ {
		if s.portTaken(port) {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, ErrNoFreePort
}

func (s *Supervisor) portTaken(port int) bool {
	for _, inst := range s.registry.All() {
		if inst.Port == port && inst.Status != StatusStopped {
			return true
		}
	}
	return false
}

// captureOutput wraps each child output line as a log event, unless the
// line already is a valid structured event. Those are dropped here: the
// child ships them to the ingest endpoint itself, and re-ingesting the
// stdout copy would double every event.
func (s *Supervisor) captureOutput(id string, r io.Reader, level obs.Level) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if isStructuredEvent(line) {
			continue
		}
		ev := &obs.LogEvent{
			Ts:      obs.NowTs(),
			Level:   level,
			Service: id,
			Msg:     string(line),
		}
		if err := s.logs.Ingest(ev); err != nil {
			s.log.Warn("ingest child output", "id", id, "err", err)
		}
	}
}

// isStructuredEvent reports whether a child output line is already a
// well-formed LogEvent.
func isStructuredEvent(line []byte) bool {
	if len(line) == 0 || line[0] != '{' {
		return false
	}
	var ev obs.LogEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return false
	}
	if _, err := obs.ParseLevel(string(ev.Level)); err != nil {
		return false
	}
	return strings.TrimSpace(ev.Service) != "" && strings.TrimSpace(ev.Msg) != ""
}

// awaitExit reaps the child and marks it STOPPED. No automatic restart.
func (s *Supervisor) awaitExit(inst *Instance) {
	err := inst.Process.Wait()
	s.log.Warn("bundler exited", "id", inst.ID, "err", err)
	if uerr := s.registry.UpdateStatus(inst.ID, StatusStopped); uerr != nil && !errors.Is(uerr, ErrInstanceNotFound) {
		s.log.Error("mark stopped", "id", inst.ID, "err", uerr)
	}
}

// StopInstance gracefully terminates a spawned child: SIGTERM, then
// SIGKILL after the grace period. The instance stays registered as
// STOPPED.
func (s *Supervisor) StopInstance(id string) error {
	inst, ok := s.registry.Get(id)
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.Status == StatusStopped {
		return ErrAlreadyStopped
	}
	if !inst.Spawned || inst.Process == nil || inst.Process.Process == nil {
		// External instance; just mark it.
		return s.registry.UpdateStatus(id, StatusStopped)
	}

	proc := inst.Process.Process
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warn("sigterm", "id", id, "err", err)
	}

	done := make(chan struct{})
	go func() {
		// awaitExit owns Wait; poll the registry instead.
		for {
			if cur, ok := s.registry.Get(id); !ok || cur.Status == StatusStopped {
				close(done)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
	}()
	select {
	case <-done:
	case <-time.After(killGrace):
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.Warn("sigkill", "id", id, "err", err)
		}
	}
	return s.registry.UpdateStatus(id, StatusStopped)
}

// Unregister stops a running instance and removes it from the registry.
func (s *Supervisor) Unregister(id string) error {
	inst, ok := s.registry.Get(id)
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.Status != StatusStopped {
		if err := s.StopInstance(id); err != nil && !errors.Is(err, ErrAlreadyStopped) {
			s.log.Warn("stop before unregister", "id", id, "err", err)
		}
	}
	s.registry.Remove(id)
	return nil
}

func (s *Supervisor) probeLoop() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.HealthProbeMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.probeAll()
		}
	}
}

// probeAll calls web3_clientVersion on every non-STOPPED instance and
// flips UP/DOWN accordingly.
func (s *Supervisor) probeAll() {
	for _, inst := range s.registry.All() {
		if inst.Status == StatusStopped {
			continue
		}
		status := StatusDown
		if s.probe(inst.URL) {
			status = StatusUp
		}
		if err := s.registry.UpdateStatus(inst.ID, status); err != nil && !errors.Is(err, ErrInstanceNotFound) {
			s.log.Error("update status", "id", inst.ID, "err", err)
		}
	}
}

func (s *Supervisor) probe(url string) bool {
	body := `{"jsonrpc":"2.0","id":1,"method":"web3_clientVersion","params":[]}`
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/rpc", strings.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var out struct {
		Result string `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false
	}
	return out.Result != ""
}
