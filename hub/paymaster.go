package hub

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/chain"
	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/obs"
)

// PaymasterStatus is the GET /paymaster/status response. Every numeric
// field is a decimal string, whatever shape the RPC layer returned it in.
type PaymasterStatus struct {
	ChainID       string            `json:"chainId"`
	EntryPoint    string            `json:"entryPoint"`
	Paymaster     string            `json:"paymaster"`
	FeeToken      string            `json:"feeToken,omitempty"`
	Deposit       string            `json:"deposit"`
	Balance       string            `json:"balance"`
	CollectedFees string            `json:"collectedFees"`
	Counters      map[string]int64  `json:"counters"`
	Addresses     map[string]string `json:"addresses,omitempty"`
}

// PaymasterMonitor assembles the paymaster's live status from chain
// reads.
type PaymasterMonitor struct {
	client     *chain.Client
	entryPoint *chain.EntryPoint
	paymaster  *chain.Paymaster
	log        *obs.Logger
}

// NewPaymasterMonitor wires a monitor over the two contract adapters.
func NewPaymasterMonitor(client *chain.Client, entryPoint, paymaster common.Address, logger *obs.Logger) *PaymasterMonitor {
	return &PaymasterMonitor{
		client:     client,
		entryPoint: chain.NewEntryPoint(entryPoint),
		paymaster:  chain.NewPaymaster(paymaster),
		log:        logger.Service("paymaster"),
	}
}

// Status reads the paymaster's entry-point deposit, native balance, fee
// token, and collected fees. Individual read failures degrade to "0"
// rather than failing the whole response.
func (pm *PaymasterMonitor) Status(ctx context.Context, counters map[string]int64, deployments map[string]string) *PaymasterStatus {
	status := &PaymasterStatus{
		EntryPoint:    pm.entryPoint.Address.Hex(),
		Paymaster:     pm.paymaster.Address.Hex(),
		ChainID:       "0",
		Deposit:       "0",
		Balance:       "0",
		CollectedFees: "0",
		Counters:      counters,
		Addresses:     deployments,
	}

	if chainID, err := pm.client.ChainID(ctx); err == nil {
		status.ChainID = pm.decimal(chainID)
	} else {
		pm.log.Warn("fetch chain id", "err", err)
	}
	if deposit, err := pm.entryPoint.Deposit(ctx, pm.client, pm.paymaster.Address); err == nil {
		status.Deposit = pm.decimal(deposit)
	} else {
		pm.log.Warn("fetch deposit", "err", err)
	}
	if balance, err := pm.client.BalanceAt(ctx, pm.paymaster.Address, nil); err == nil {
		status.Balance = pm.decimal(balance)
	} else {
		pm.log.Warn("fetch balance", "err", err)
	}
	if token, err := pm.paymaster.FeeToken(ctx, pm.client); err == nil {
		status.FeeToken = token.Hex()
	}
	if fees, err := pm.paymaster.CollectedFees(ctx, pm.client); err == nil {
		status.CollectedFees = pm.decimal(fees)
	}
	return status
}

// decimal normalizes any numeric shape to a decimal string, falling back
// to "0" on unrecognized input.
func (pm *PaymasterMonitor) decimal(v interface{}) string {
	s, err := chain.CoerceDecimalString(v)
	if err != nil {
		pm.log.Warn("numeric coercion failed", "err", err)
		return "0"
	}
	return s
}
