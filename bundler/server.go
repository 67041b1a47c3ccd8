package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/intent"
	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/obs"
)

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// intentAndLocation is the eth_getUserOperationByHash response shape.
type intentAndLocation struct {
	UserOperation *intent.Intent `json:"userOperation"`
	EntryPoint    common.Address `json:"entryPoint"`
	BlockNumber   hexutil.Uint64 `json:"blockNumber,omitempty"`
	TxHash        *common.Hash   `json:"transactionHash,omitempty"`
}

// Server exposes the engine over JSON-RPC on /rpc, plus a plain health
// endpoint.
type Server struct {
	cfg    Config
	engine *Engine
	log    *obs.Logger
	http   *http.Server
}

// NewServer builds the HTTP layer over an engine.
func NewServer(cfg Config, engine *Engine, logger *obs.Logger) *Server {
	s := &Server{cfg: cfg, engine: engine, log: logger.Service("rpc")}

	r := mux.NewRouter()
	r.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return s
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.http.Addr, err)
	}
	s.log.Info("rpc listening", "addr", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"service":      s.cfg.Service,
		"chainId":      s.engine.ChainID(),
		"mempoolSize":  s.engine.Mempool().Size(),
		"pendingCount": s.engine.Mempool().PendingCount(),
	})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParseError, Message: "parse error"},
		})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"},
		})
		return
	}

	result, rpcErr := s.dispatch(r.Context(), &req)
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
		s.log.Debug("rpc error", "method", req.Method, "code", rpcErr.Code, "msg", rpcErr.Message)
	} else {
		resp.Result = result
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) dispatch(ctx context.Context, req *rpcRequest) (interface{}, *rpcError) {
	switch req.Method {
	case "web3_clientVersion":
		return s.cfg.Version(), nil

	case "eth_chainId":
		return hexutil.EncodeUint64(s.engine.ChainID()), nil

	case "eth_supportedEntryPoints":
		return []string{s.cfg.EntryPoint.Hex()}, nil

	case "eth_sendUserOperation":
		op, rerr := s.decodeOpParams(req.Params)
		if rerr != nil {
			return nil, rerr
		}
		hash, err := s.engine.SendIntent(ctx, op)
		if err != nil {
			return nil, admissionError(err)
		}
		return hash.Hex(), nil

	case "eth_estimateUserOperationGas":
		op, rerr := s.decodeOpParams(req.Params)
		if rerr != nil {
			return nil, rerr
		}
		est, err := s.engine.EstimateGas(ctx, op)
		if err != nil {
			return nil, admissionError(err)
		}
		return est, nil

	case "eth_getUserOperationReceipt":
		hash, rerr := s.decodeHashParam(req.Params)
		if rerr != nil {
			return nil, rerr
		}
		receipt, err := s.engine.GetReceipt(ctx, hash)
		if err != nil {
			return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
		}
		if receipt == nil {
			return nil, nil
		}
		return receipt, nil

	case "eth_getUserOperationByHash":
		hash, rerr := s.decodeHashParam(req.Params)
		if rerr != nil {
			return nil, rerr
		}
		op, loc, err := s.engine.Lookup(hash)
		if err != nil {
			if errors.Is(err, ErrUnknownIntent) {
				return nil, nil
			}
			return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
		}
		out := &intentAndLocation{UserOperation: op, EntryPoint: loc.EntryPoint}
		if loc.TxHash != nil {
			out.TxHash = loc.TxHash
			out.BlockNumber = loc.BlockNumber
		}
		return out, nil

	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %s not found", req.Method)}
	}
}

// decodeOpParams parses [userOperation, entryPoint] params. The entry
// point, when present, must match the instance's supported one.
func (s *Server) decodeOpParams(params []json.RawMessage) (*intent.Intent, *rpcError) {
	if len(params) < 1 {
		return nil, &rpcError{Code: codeInvalidParams, Message: "missing user operation"}
	}
	var op intent.Intent
	if err := json.Unmarshal(params[0], &op); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf("malformed user operation: %v", err)}
	}
	if len(params) >= 2 {
		var epHex string
		if err := json.Unmarshal(params[1], &epHex); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "malformed entryPoint param"}
		}
		if !strings.EqualFold(epHex, s.cfg.EntryPoint.Hex()) {
			return nil, &rpcError{Code: codeInvalidParams, Message: "unsupported entryPoint"}
		}
	}
	return &op, nil
}

func (s *Server) decodeHashParam(params []json.RawMessage) (common.Hash, *rpcError) {
	if len(params) < 1 {
		return common.Hash{}, &rpcError{Code: codeInvalidParams, Message: "missing hash"}
	}
	var hex string
	if err := json.Unmarshal(params[0], &hex); err != nil {
		return common.Hash{}, &rpcError{Code: codeInvalidParams, Message: "malformed hash"}
	}
	if !strings.HasPrefix(hex, "0x") || len(hex) != 66 {
		return common.Hash{}, &rpcError{Code: codeInvalidParams, Message: "malformed hash"}
	}
	return common.HexToHash(hex), nil
}

// admissionError maps engine and policy failures onto JSON-RPC codes:
// everything the caller could fix is INVALID_PARAMS, the injected demo
// failure and infrastructure errors are INTERNAL.
func admissionError(err error) *rpcError {
	switch {
	case errors.Is(err, ErrInjectedFailure):
		return &rpcError{Code: codeInternalError, Message: err.Error()}
	case errors.Is(err, ErrPriorityFeeBelowFloor),
		errors.Is(err, ErrMaxFeeBelowFloor),
		errors.Is(err, ErrExpiresTooSoon),
		errors.Is(err, intent.ErrSenderZero),
		errors.Is(err, intent.ErrFeeInvalid),
		errors.Is(err, intent.ErrTipAboveFeeCap),
		errors.Is(err, intent.ErrFactoryPair),
		errors.Is(err, intent.ErrPaymasterPair),
		errors.Is(err, intent.ErrGasLimitOverflow),
		errors.Is(err, intent.ErrAuthorizationBits):
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	default:
		return &rpcError{Code: codeInternalError, Message: err.Error()}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
