package bundler

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/chain"
	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/intent"
	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/obs"
)

// Engine errors.
var (
	ErrWalletKeyMissing = errors.New("engine: submission wallet key not set")
	ErrUnknownIntent    = errors.New("engine: unknown intent hash")
	ErrEngineStopped    = errors.New("engine: stopped")
)

const (
	// maxBundleSize caps one handleOps call regardless of configuration.
	maxBundleSize = 25
	// receiptPollInterval is how often a submitted bundle is polled for
	// inclusion.
	receiptPollInterval = 500 * time.Millisecond
	// receiptWaitBudget bounds how long the engine waits for a bundle to
	// land before giving the entries back as FAILED.
	receiptWaitBudget = 90 * time.Second
	// revertLookupBudget bounds the re-execution call used to recover a
	// revert reason from a mined-but-reverted bundle.
	revertLookupBudget = 3 * time.Second
)

// GasEstimate is the response of eth_estimateUserOperationGas, including
// the validity window when strict admission could compute one.
type GasEstimate struct {
	PreVerificationGas   hexutil.Uint64 `json:"preVerificationGas"`
	VerificationGasLimit hexutil.Uint64 `json:"verificationGasLimit"`
	CallGasLimit         hexutil.Uint64 `json:"callGasLimit"`
	ValidAfter           hexutil.Uint64 `json:"validAfter"`
	ValidUntil           hexutil.Uint64 `json:"validUntil"`
}

// Engine admits intents, schedules bundle attempts, submits handleOps
// transactions, and decodes per-intent outcomes from mined bundles.
type Engine struct {
	cfg     Config
	client  *chain.Client
	ep      *chain.EntryPoint
	policy  *Policy
	mempool *Mempool
	emitter *obs.Emitter
	log     *obs.Logger

	key        *ecdsa.PrivateKey
	wallet     common.Address
	chainID    *big.Int
	startBlock uint64

	kick chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	inFlight bool
	started  bool
}

// NewEngine wires an engine from its configuration. The submission wallet
// key is read from the environment variable named by cfg.WalletKeyEnv.
func NewEngine(cfg Config, client *chain.Client, emitter *obs.Emitter, logger *obs.Logger) (*Engine, error) {
	keyHex := os.Getenv(cfg.WalletKeyEnv)
	if keyHex == "" {
		return nil, fmt.Errorf("%w: $%s is empty", ErrWalletKeyMissing, cfg.WalletKeyEnv)
	}
	key, err := crypto.HexToECDSA(trimHexPrefix(keyHex))
	if err != nil {
		return nil, fmt.Errorf("engine: parse wallet key from $%s: %w", cfg.WalletKeyEnv, err)
	}

	ep := chain.NewEntryPoint(cfg.EntryPoint)
	return &Engine{
		cfg:     cfg,
		client:  client,
		ep:      ep,
		policy:  NewPolicy(cfg.Policy, ep, client.Raw()),
		mempool: NewMempool(),
		emitter: emitter,
		log:     logger.Service("engine"),
		key:     key,
		wallet:  crypto.PubkeyToAddress(key.PublicKey),
		kick:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Wallet returns the submission wallet address.
func (e *Engine) Wallet() common.Address { return e.wallet }

// Mempool exposes the engine's mempool for status endpoints.
func (e *Engine) Mempool() *Mempool { return e.mempool }

// Policy exposes the admission policy in force.
func (e *Engine) Policy() *Policy { return e.policy }

// ChainID returns the connected chain id; zero before Start.
func (e *Engine) ChainID() uint64 {
	if e.chainID == nil {
		return 0
	}
	return e.chainID.Uint64()
}

// beneficiary resolves the refund recipient, falling back to the wallet
// address when unconfigured. handleOps rejects the zero address.
func (e *Engine) beneficiary() common.Address {
	if e.cfg.Beneficiary != (common.Address{}) {
		return e.cfg.Beneficiary
	}
	return e.wallet
}

// bundleSize is the number of pending intents one attempt drains.
func (e *Engine) bundleSize() int {
	n := e.cfg.MempoolSizeTrigger
	if n > maxBundleSize {
		n = maxBundleSize
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Start fetches the chain id and launches the bundling scheduler.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	chainID, err := e.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("engine: fetch chain id: %w", err)
	}
	e.chainID = chainID
	if head, err := e.client.BlockNumber(ctx); err == nil {
		e.startBlock = head
	}

	e.log.Info("engine started",
		"wallet", e.wallet.Hex(),
		"entryPoint", e.cfg.EntryPoint.Hex(),
		"chainId", chainID.Uint64(),
		"intervalMs", e.cfg.BundleIntervalMs,
		"trigger", e.cfg.MempoolSizeTrigger)

	e.wg.Add(1)
	go e.loop()
	return nil
}

// Stop halts the scheduler and waits for an in-flight attempt to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	close(e.quit)
	e.wg.Wait()
}

func (e *Engine) loop() {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Duration(e.cfg.BundleIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-e.quit:
			return
		case <-ticker.C:
		case <-e.kick:
		}
		e.maybeBundle()
	}
}

// maybeBundle runs one bundle attempt unless another is already running.
// Concurrent triggers collapse into the attempt in flight.
func (e *Engine) maybeBundle() {
	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return
	}
	e.inFlight = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inFlight = false
		e.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), receiptWaitBudget+30*time.Second)
	defer cancel()
	e.attemptBundle(ctx)
}

// SendIntent runs the full admission pipeline: structural validation,
// packing, hashing, policy checks, mempool insertion. Re-sending a known
// hash returns the same hash without re-running policy.
func (e *Engine) SendIntent(ctx context.Context, op *intent.Intent) (common.Hash, error) {
	if err := op.Validate(); err != nil {
		return common.Hash{}, e.rejectIntent(op, common.Hash{}, "validation", err)
	}
	packed, err := op.Pack()
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := e.ep.UserOpHash(ctx, e.client, packed)
	if err != nil {
		return common.Hash{}, fmt.Errorf("engine: derive intent hash: %w", err)
	}

	if existing, ok := e.mempool.Get(hash); ok {
		e.log.Debug("duplicate intent", "userOpHash", hash.Hex(), "status", string(existing.Status))
		return hash, nil
	}

	if err := e.policy.CheckFees(op); err != nil {
		return common.Hash{}, e.rejectIntent(op, hash, "feeFloor", err)
	}
	if err := e.policy.RollFailure(); err != nil {
		return common.Hash{}, e.rejectIntent(op, hash, "injectedFailure", err)
	}
	if err := e.policy.CheckValidity(ctx, packed); err != nil {
		return common.Hash{}, e.rejectIntent(op, hash, "validity", err)
	}

	e.policy.Delay(ctx)

	_, added := e.mempool.Add(op, packed, hash)
	if added {
		e.emitter.Info("intent accepted", obs.LogEvent{
			UserOpHash: hash.Hex(),
			Sender:     op.Sender.Hex(),
			ChainID:    e.ChainID(),
			Meta: map[string]any{
				"pending": e.mempool.PendingCount(),
				"nonce":   op.Nonce.String(),
			},
		})
	}
	if e.mempool.PendingCount() >= e.cfg.MempoolSizeTrigger {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
	return hash, nil
}

// rejectIntent emits the rejection with the policy that fired and passes
// the cause through.
func (e *Engine) rejectIntent(op *intent.Intent, hash common.Hash, policy string, cause error) error {
	ev := obs.LogEvent{
		Sender:  op.Sender.Hex(),
		ChainID: e.ChainID(),
		Meta: map[string]any{
			"policy": policy,
			"reason": cause.Error(),
		},
	}
	if hash != (common.Hash{}) {
		ev.UserOpHash = hash.Hex()
	}
	e.emitter.Warn("intent rejected", ev)
	return cause
}

// EstimateGas produces gas limit estimates for an intent without admitting
// it. Call gas comes from eth_estimateGas with the entry-point as caller;
// verification gas is a heuristic that widens when deployment is involved;
// pre-verification gas prices the calldata footprint.
func (e *Engine) EstimateGas(ctx context.Context, op *intent.Intent) (*GasEstimate, error) {
	if err := op.ValidatePairs(); err != nil {
		return nil, err
	}
	packed, err := op.Pack()
	if err != nil {
		return nil, err
	}

	callGas := uint64(50_000)
	if len(op.CallData) > 0 {
		est, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
			From: e.cfg.EntryPoint,
			To:   &op.Sender,
			Data: op.CallData,
		})
		if err == nil {
			callGas = est
		} else {
			e.log.Debug("call gas estimation fell back to default", "err", err)
		}
	}

	verificationGas := uint64(150_000)
	if op.Factory != nil {
		verificationGas += 300_000
	}
	if op.HasPaymaster() {
		verificationGas += 50_000
	}

	encoded, err := e.ep.HandleOpsCalldata([]*intent.Packed{packed}, e.beneficiary())
	if err != nil {
		return nil, err
	}
	preVerification := uint64(21_000) + calldataGas(encoded)

	est := &GasEstimate{
		PreVerificationGas:   hexutil.Uint64(preVerification),
		VerificationGasLimit: hexutil.Uint64(verificationGas),
		CallGasLimit:         hexutil.Uint64(callGas),
		ValidUntil:           hexutil.Uint64((1 << 48) - 1),
	}
	if e.cfg.Policy.Strict {
		if sim, err := e.ep.SimulateValidation(ctx, e.client.Raw(), packed); err == nil {
			after, until := sim.Account.Intersect(sim.Paymaster)
			est.ValidAfter = hexutil.Uint64(after)
			est.ValidUntil = hexutil.Uint64(until)
		}
	}
	return est, nil
}

// calldataGas prices calldata bytes at the protocol's 4/16 split.
func calldataGas(data []byte) uint64 {
	var g uint64
	for _, b := range data {
		if b == 0 {
			g += 4
		} else {
			g += 16
		}
	}
	return g
}

// GetReceipt serves eth_getUserOperationReceipt. A nil receipt with a nil
// error means "not mined yet" and maps to a JSON null at the RPC boundary.
// Hashes the mempool never saw are reconstructed from chain logs.
func (e *Engine) GetReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	if entry, ok := e.mempool.Get(hash); ok {
		switch entry.Status {
		case StatusMined:
			return entry.Receipt, nil
		case StatusSent:
			if entry.TxHash == nil {
				return nil, nil
			}
			txr, err := e.client.TransactionReceipt(ctx, *entry.TxHash)
			if err != nil || txr == nil {
				return nil, nil
			}
			return e.receiptFromTx(ctx, hash, txr)
		default:
			return nil, nil
		}
	}
	return e.lookupReceipt(ctx, hash)
}

// lookupReceipt reconstructs a receipt for an intent this instance never
// bundled, by searching UserOperationEvent logs keyed on the hash topic
// from the block height remembered at startup.
func (e *Engine) lookupReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	logs, err := e.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(e.startBlock),
		Addresses: []common.Address{e.cfg.EntryPoint},
		Topics:    [][]common.Hash{{chain.UserOperationEventTopic}, {hash}},
	})
	if err != nil || len(logs) == 0 {
		return nil, nil
	}
	lg := logs[len(logs)-1]
	txr, err := e.client.TransactionReceipt(ctx, lg.TxHash)
	if err != nil || txr == nil {
		return nil, nil
	}
	return e.receiptFromTx(ctx, hash, txr)
}

// receiptFromTx decodes the intent's outcome out of a bundle transaction
// receipt.
func (e *Engine) receiptFromTx(ctx context.Context, hash common.Hash, txr *types.Receipt) (*Receipt, error) {
	for _, lg := range txr.Logs {
		if lg.Address != e.cfg.EntryPoint || len(lg.Topics) < 2 {
			continue
		}
		if lg.Topics[0] != chain.UserOperationEventTopic || lg.Topics[1] != hash {
			continue
		}
		outcome, err := e.ep.ParseUserOperationEvent(*lg)
		if err != nil {
			return nil, err
		}
		r := receiptFromOutcome(e.cfg.EntryPoint, outcome, txr)
		if !outcome.Success {
			r.Reason = e.recoverRevertReason(ctx, txr)
		}
		return r, nil
	}
	return nil, nil
}

// Lookup serves eth_getUserOperationByHash: the admitted intent plus its
// inclusion location once known.
func (e *Engine) Lookup(hash common.Hash) (*intent.Intent, *IntentLocation, error) {
	entry, ok := e.mempool.Get(hash)
	if !ok {
		return nil, nil, ErrUnknownIntent
	}
	loc := &IntentLocation{EntryPoint: e.cfg.EntryPoint}
	if entry.TxHash != nil {
		loc.TxHash = entry.TxHash
	}
	if entry.Receipt != nil && entry.Receipt.TxReceipt != nil {
		loc.BlockNumber = hexutil.Uint64(entry.Receipt.TxReceipt.BlockNumber.Uint64())
	}
	return entry.Op, loc, nil
}

// attemptBundle drains up to bundleSize pending intents into one handleOps
// transaction, submits it, waits for inclusion, and settles every entry.
func (e *Engine) attemptBundle(ctx context.Context) {
	entries := e.mempool.PendingOldest(e.bundleSize())
	if len(entries) == 0 {
		return
	}
	e.emitter.Info("bundle attempt", obs.LogEvent{
		ChainID: e.ChainID(),
		Meta:    map[string]any{"ops": len(entries), "pending": e.mempool.PendingCount()},
	})

	hashes := make([]common.Hash, len(entries))
	packed := make([]*intent.Packed, len(entries))
	var auths []types.SetCodeAuthorization
	for i, en := range entries {
		hashes[i] = en.Hash
		packed[i] = en.Packed
		if en.Op.Authorization != nil {
			auth, err := en.Op.Authorization.ToSetCode()
			if err != nil {
				e.log.Warn("dropping malformed delegation authorization", "userOpHash", en.Hash.Hex(), "err", err)
				continue
			}
			auths = append(auths, auth)
		}
	}

	calldata, err := e.ep.HandleOpsCalldata(packed, e.beneficiary())
	if err != nil {
		e.failBundle(hashes, fmt.Errorf("pack handleOps: %w", err))
		return
	}

	tx, err := e.buildBundleTx(ctx, calldata, auths)
	if err != nil {
		e.failBundle(hashes, err)
		return
	}

	if err := e.client.SendTransaction(ctx, tx); err != nil {
		e.failBundle(hashes, fmt.Errorf("submit bundle: %s", chain.ParseRevertError(err)))
		return
	}
	txHash := tx.Hash()
	if err := e.mempool.MarkSent(hashes, txHash); err != nil {
		e.log.Error("mark sent", "err", err)
	}
	e.emitter.Info("bundle submitted", obs.LogEvent{
		TxHash:  txHash.Hex(),
		ChainID: e.ChainID(),
		Meta:    map[string]any{"ops": len(entries)},
	})

	txr, err := e.waitMined(ctx, txHash)
	if err != nil {
		e.failBundle(hashes, fmt.Errorf("await bundle %s: %w", txHash.Hex(), err))
		return
	}
	e.settleBundle(ctx, hashes, txr)
}

// buildBundleTx assembles and signs the bundle transaction. Presence of
// any delegation authorization upgrades the transaction to a set-code tx.
func (e *Engine) buildBundleTx(ctx context.Context, calldata []byte, auths []types.SetCodeAuthorization) (*types.Transaction, error) {
	nonce, err := e.client.PendingNonceAt(ctx, e.wallet)
	if err != nil {
		return nil, fmt.Errorf("fetch wallet nonce: %w", err)
	}
	tip, err := e.client.SuggestGasTipCap(ctx)
	if err != nil {
		tip = big.NewInt(1_000_000_000)
	}
	head, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	var txdata types.TxData
	if len(auths) > 0 {
		chainID, overflow := uint256.FromBig(e.chainID)
		if overflow {
			return nil, errors.New("chain id overflows uint256")
		}
		tipU, _ := uint256.FromBig(tip)
		feeU, _ := uint256.FromBig(feeCap)
		txdata = &types.SetCodeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tipU,
			GasFeeCap: feeU,
			Gas:       e.cfg.MaxBundleGas,
			To:        e.cfg.EntryPoint,
			Data:      calldata,
			AuthList:  auths,
		}
	} else {
		to := e.cfg.EntryPoint
		txdata = &types.DynamicFeeTx{
			ChainID:   e.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       e.cfg.MaxBundleGas,
			To:        &to,
			Data:      calldata,
		}
	}
	signer := types.LatestSignerForChainID(e.chainID)
	return types.SignNewTx(e.key, signer, txdata)
}

// waitMined polls for the bundle receipt until found or the budget runs
// out.
func (e *Engine) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	deadline := time.NewTimer(receiptWaitBudget)
	defer deadline.Stop()
	tick := time.NewTicker(receiptPollInterval)
	defer tick.Stop()

	for {
		txr, err := e.client.TransactionReceipt(ctx, txHash)
		if err == nil && txr != nil {
			return txr, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errors.New("inclusion timeout")
		case <-tick.C:
		}
	}
}

// settleBundle walks the mined bundle's logs and resolves every submitted
// entry to MINED or FAILED. A reverted bundle fails everything and tries
// to recover the revert reason by re-executing the call.
func (e *Engine) settleBundle(ctx context.Context, hashes []common.Hash, txr *types.Receipt) {
	if txr.Status == types.ReceiptStatusFailed {
		reason := e.recoverRevertReason(ctx, txr)
		if err := e.mempool.MarkFailed(hashes); err != nil {
			e.log.Error("mark failed", "err", err)
		}
		e.emitter.Error("bundle reverted", obs.LogEvent{
			TxHash:  txr.TxHash.Hex(),
			ChainID: e.ChainID(),
			Meta:    map[string]any{"reason": reason, "ops": len(hashes)},
		})
		return
	}

	seen := make(map[common.Hash]bool, len(hashes))
	for _, lg := range txr.Logs {
		if lg.Address != e.cfg.EntryPoint || len(lg.Topics) != 4 || lg.Topics[0] != chain.UserOperationEventTopic {
			continue
		}
		outcome, err := e.ep.ParseUserOperationEvent(*lg)
		if err != nil {
			e.log.Warn("undecodable intent event", "tx", txr.TxHash.Hex(), "err", err)
			continue
		}
		r := receiptFromOutcome(e.cfg.EntryPoint, outcome, txr)
		if err := e.mempool.MarkMined(outcome.UserOpHash, r); err != nil {
			// Not one of ours; another instance's intent sharing the block.
			continue
		}
		seen[outcome.UserOpHash] = true
		e.emitter.Info("intent mined", obs.LogEvent{
			UserOpHash: outcome.UserOpHash.Hex(),
			Sender:     outcome.Sender.Hex(),
			TxHash:     txr.TxHash.Hex(),
			ChainID:    e.ChainID(),
			Meta: map[string]any{
				"success":       outcome.Success,
				"actualGasCost": outcome.ActualGasCost.String(),
			},
		})
	}

	var missing []common.Hash
	for _, h := range hashes {
		if !seen[h] {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		if err := e.mempool.MarkFailed(missing); err != nil {
			e.log.Error("mark failed", "err", err)
		}
		for _, h := range missing {
			e.emitter.Warn("intent dropped from bundle", obs.LogEvent{
				UserOpHash: h.Hex(),
				TxHash:     txr.TxHash.Hex(),
				ChainID:    e.ChainID(),
			})
		}
	}
}

// recoverRevertReason re-executes the bundle call at its inclusion block
// to surface the revert payload. Best effort and time-capped.
func (e *Engine) recoverRevertReason(ctx context.Context, txr *types.Receipt) string {
	cctx, cancel := context.WithTimeout(ctx, revertLookupBudget)
	defer cancel()

	tx, _, err := e.client.TransactionByHash(cctx, txr.TxHash)
	if err != nil || tx == nil {
		return ""
	}
	from, err := e.client.TransactionSender(cctx, tx, txr.BlockHash, txr.TransactionIndex)
	if err != nil {
		from = e.wallet
	}
	_, callErr := e.client.CallContract(cctx, ethereum.CallMsg{
		From:      from,
		To:        tx.To(),
		Gas:       tx.Gas(),
		GasFeeCap: tx.GasFeeCap(),
		GasTipCap: tx.GasTipCap(),
		Value:     tx.Value(),
		Data:      tx.Data(),
	}, txr.BlockNumber)
	if callErr == nil {
		return ""
	}
	return chain.ParseRevertError(callErr)
}

// failBundle marks entries FAILED and emits the failure.
func (e *Engine) failBundle(hashes []common.Hash, cause error) {
	if err := e.mempool.MarkFailed(hashes); err != nil {
		e.log.Error("mark failed", "err", err)
	}
	e.emitter.Error("bundle attempt failed", obs.LogEvent{
		ChainID: e.ChainID(),
		Meta:    map[string]any{"ops": len(hashes), "error": cause.Error()},
	})
}
