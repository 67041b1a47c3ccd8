package hub

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaTiToMaSteR/gassless-swap-demo-sub000/chain"
)

func outcomeFixture(hash byte, ts int64, success bool) *chain.IntentOutcome {
	return &chain.IntentOutcome{
		UserOpHash:    common.Hash{31: hash},
		Sender:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Paymaster:     common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Nonce:         chain.NewDecBig(big.NewInt(1)),
		Success:       success,
		ActualGasCost: chain.NewDecBig(big.NewInt(1000)),
		ActualGasUsed: chain.NewDecBig(big.NewInt(100)),
		BlockNumber:   50,
		TxHash:        common.Hash{31: 0xf0},
		Bundler:       common.HexToAddress("0x5555555555555555555555555555555555555555"),
		Ts:            ts,
		ChainID:       31337,
	}
}

func postOpFixture(hash byte, ts int64, mode chain.PostOpMode) *chain.PaymasterPostOp {
	return &chain.PaymasterPostOp{
		Sender:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		UserOpHash:  common.Hash{31: hash},
		Mode:        mode,
		FeeAmount:   chain.NewDecBig(big.NewInt(777)),
		BlockNumber: 50,
		TxHash:      common.Hash{31: 0xf0},
		Ts:          ts,
		ChainID:     31337,
	}
}

func TestAnalyticsMergeOutcomeThenPostOp(t *testing.T) {
	a := NewAnalytics(100)
	a.IngestOutcome(outcomeFixture(1, 100, true))
	a.IngestPostOp(postOpFixture(1, 100, chain.PostOpSucceeded))

	require.Equal(t, 1, a.Size())
	got := a.List(0, "", nil)
	require.Len(t, got, 1)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", got[0].Sender)
	assert.True(t, got[0].Success)
	assert.Equal(t, "1000", got[0].ActualGasCost.String())
	assert.Equal(t, "777", got[0].FeeAmount.String())
	assert.Equal(t, chain.PostOpSucceeded, got[0].PostOpMode)
}

func TestAnalyticsMergePostOpThenOutcome(t *testing.T) {
	a := NewAnalytics(100)
	a.IngestPostOp(postOpFixture(1, 100, chain.PostOpSucceeded))

	// Partial record until the outcome arrives.
	got := a.List(0, "", nil)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].ActualGasCost)
	assert.Equal(t, "777", got[0].FeeAmount.String())

	a.IngestOutcome(outcomeFixture(1, 100, true))
	require.Equal(t, 1, a.Size())
	got = a.List(0, "", nil)
	require.Len(t, got, 1)
	assert.Equal(t, "1000", got[0].ActualGasCost.String())
	// The outcome merge must not clobber the fee side.
	assert.Equal(t, "777", got[0].FeeAmount.String())
}

func TestAnalyticsOutcomeRedeliveryIsNoop(t *testing.T) {
	a := NewAnalytics(100)
	o := outcomeFixture(1, 100, true)
	a.IngestOutcome(o)

	redelivered := *o
	redelivered.Success = false
	a.IngestOutcome(&redelivered)

	got := a.List(0, "", nil)
	require.Len(t, got, 1)
	assert.True(t, got[0].Success)
}

func TestAnalyticsPostOpModeDrivesPartialSuccess(t *testing.T) {
	a := NewAnalytics(100)
	a.IngestPostOp(postOpFixture(1, 100, chain.PostOpReverted))
	got := a.List(0, "", nil)
	require.Len(t, got, 1)
	assert.False(t, got[0].Success)
}

func TestAnalyticsEviction(t *testing.T) {
	a := NewAnalytics(2)
	a.IngestOutcome(outcomeFixture(1, 100, true))
	a.IngestOutcome(outcomeFixture(2, 200, true))
	a.IngestOutcome(outcomeFixture(3, 300, true))

	assert.Equal(t, 2, a.Size())
	got := a.List(0, "", nil)
	require.Len(t, got, 2)
	// The oldest summary by timestamp is gone.
	assert.Equal(t, int64(300), got[0].Ts)
	assert.Equal(t, int64(200), got[1].Ts)
}

func TestAnalyticsListFilters(t *testing.T) {
	a := NewAnalytics(100)
	a.IngestOutcome(outcomeFixture(1, 100, true))

	failed := outcomeFixture(2, 200, false)
	failed.Sender = common.HexToAddress("0x2222222222222222222222222222222222222222")
	a.IngestOutcome(failed)

	succ := true
	assert.Len(t, a.List(0, "", &succ), 1)
	succ = false
	assert.Len(t, a.List(0, "", &succ), 1)
	assert.Len(t, a.List(0, "0x2222222222222222222222222222222222222222", nil), 1)
	assert.Len(t, a.List(1, "", nil), 1)
}

func TestAnalyticsSummary(t *testing.T) {
	a := NewAnalytics(100)
	a.IngestOutcome(outcomeFixture(1, 100, true))
	a.IngestOutcome(outcomeFixture(2, 200, false))
	a.IngestPostOp(postOpFixture(1, 100, chain.PostOpSucceeded))

	sum := a.Summary()
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Successes)
	assert.Equal(t, 1, sum.Failures)
	assert.Equal(t, 1, sum.UniqueSenders)
	assert.Equal(t, "2000", sum.SumGasCost.String())
	assert.Equal(t, "777", sum.SumFee.String())
}

func TestAnalyticsPerSender(t *testing.T) {
	a := NewAnalytics(100)
	a.IngestOutcome(outcomeFixture(1, 100, true))
	a.IngestOutcome(outcomeFixture(2, 300, false))

	other := outcomeFixture(3, 200, true)
	other.Sender = common.HexToAddress("0x2222222222222222222222222222222222222222")
	a.IngestOutcome(other)

	got := a.PerSender()
	require.Len(t, got, 2)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", got[0].Sender)
	assert.Equal(t, 2, got[0].Count)
	assert.Equal(t, 1, got[0].Successes)
	assert.Equal(t, 1, got[0].Failures)
	assert.Equal(t, int64(300), got[0].LastOpTs)
	assert.Equal(t, "2000", got[0].SumGas.String())
}

func TestAnalyticsFailures(t *testing.T) {
	a := NewAnalytics(100)
	a.IngestOutcome(outcomeFixture(1, 100, false))
	a.IngestOutcome(outcomeFixture(2, 200, false))
	a.SetRevertReason(common.Hash{31: 2}.Hex(), "AA21 didn't pay prefund")
	a.SetRevertReason(common.Hash{31: 99}.Hex(), "ignored, unknown hash")

	got := a.Failures()
	assert.Equal(t, 1, got["unknown"])
	assert.Equal(t, 1, got["AA21 didn't pay prefund"])
}

func TestAnalyticsTimeseries(t *testing.T) {
	a := NewAnalytics(100)
	base := time.Unix(10_000, 0)
	a.now = func() time.Time { return base }

	a.IngestOutcome(outcomeFixture(1, 9_000, true))
	a.IngestOutcome(outcomeFixture(2, 9_010, false))
	a.IngestOutcome(outcomeFixture(3, 9_130, true))
	a.IngestOutcome(outcomeFixture(4, 1_000, true)) // outside the window

	got := a.Timeseries(3600, 60)
	require.Len(t, got, 2)
	assert.Equal(t, int64(9_000), got[0].Ts)
	assert.Equal(t, 2, got[0].Count)
	assert.Equal(t, 1, got[0].Failures)
	assert.Equal(t, int64(9_120), got[1].Ts)
	assert.Equal(t, 1, got[1].Count)
}
