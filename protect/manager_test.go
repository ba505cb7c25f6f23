package protect

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/swap-protect-node/aggregator"
	"github.com/flashbots/swap-protect-node/relay"
	"github.com/flashbots/swap-protect-node/svcerr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	testUser  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	otherUser = common.HexToAddress("0x00000000000000000000000000000000000000bb")

	testKey, _ = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")

	errRelayDown = errors.New("relay is down")
)

type fakeRelay struct {
	mu sync.Mutex

	block    uint64
	blockErr error
	gasPrice *big.Int

	// consumed one per call, nil entries succeed
	simulateErrs []error
	sendErrs     []error
	// used once the scripted errors are consumed
	sendErr error

	calls         int
	simulateCalls int
	sendCalls     int
	sent          []relay.SendRequest
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{block: 100, gasPrice: big.NewInt(10)}
}

func (r *fakeRelay) Simulate(ctx context.Context, txs []relay.Transaction, targetBlock uint64) (*relay.SimulationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.simulateCalls++
	if len(r.simulateErrs) > 0 {
		err := r.simulateErrs[0]
		r.simulateErrs = r.simulateErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &relay.SimulationResult{
		GasUsed:         21000 * uint64(len(txs)),
		CoinbaseDiff:    big.NewInt(1000),
		RefundableValue: big.NewInt(400),
		StateBlock:      targetBlock - 1,
	}, nil
}

func (r *fakeRelay) Send(ctx context.Context, req relay.SendRequest) (*relay.SendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.sendCalls++
	r.sent = append(r.sent, req)
	if len(r.sendErrs) > 0 {
		err := r.sendErrs[0]
		r.sendErrs = r.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if r.sendErr != nil {
		return nil, r.sendErr
	}
	return &relay.SendResult{BundleHash: common.BigToHash(big.NewInt(int64(r.sendCalls)))}, nil
}

func (r *fakeRelay) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.block, r.blockErr
}

func (r *fakeRelay) FeeData(ctx context.Context) (*relay.FeeData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return &relay.FeeData{GasPrice: r.gasPrice}, nil
}

func (r *fakeRelay) setBlock(block uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.block = block
}

type fakeAggregator struct {
	mu sync.Mutex

	quote    *aggregator.Quote
	quoteErr error
	swapErr  error

	quotes []aggregator.QuoteRequest
	swaps  []aggregator.SwapRequest
}

func (a *fakeAggregator) Quote(ctx context.Context, req aggregator.QuoteRequest) (*aggregator.Quote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quotes = append(a.quotes, req)
	if a.quoteErr != nil {
		return nil, a.quoteErr
	}
	return a.quote, nil
}

func (a *fakeAggregator) Swap(ctx context.Context, req aggregator.SwapRequest) (*aggregator.SwapResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.swaps = append(a.swaps, req)
	if a.swapErr != nil {
		return nil, a.swapErr
	}
	return &aggregator.SwapResult{TxHash: common.HexToHash("0xfa11"), ToAmount: req.MinToAmount}, nil
}

func (a *fakeAggregator) CreateIntentOrder(ctx context.Context, req aggregator.IntentOrderRequest) (*aggregator.IntentOrder, error) {
	return nil, errors.New("not implemented")
}

func (a *fakeAggregator) GetEscrowStatus(ctx context.Context, orderID string) (*aggregator.EscrowStatus, error) {
	return nil, errors.New("not implemented")
}

func (a *fakeAggregator) SubmitSecret(ctx context.Context, req aggregator.SecretSubmission) (*aggregator.SecretReceipt, error) {
	return nil, errors.New("not implemented")
}

type fakeInclusion struct {
	block uint64
	found bool
	err   error
}

func (f *fakeInclusion) TransactionBlock(ctx context.Context, txHash common.Hash) (uint64, bool, error) {
	return f.block, f.found, f.err
}

// testClock ticks one second per call so creation order is also timestamp order
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func signedRawTx(t *testing.T, nonce uint64, value int64) string {
	t.Helper()
	to := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(1),
		Gas:      21000,
		To:       &to,
		Value:    big.NewInt(value),
	})
	signed, err := types.SignTx(tx, types.NewLondonSigner(big.NewInt(1)), testKey)
	require.NoError(t, err)
	data, err := signed.MarshalBinary()
	require.NoError(t, err)
	return hexutil.Encode(data)
}

func testConfig() Config {
	config := DefaultConfig()
	config.Bundle.RetryDelay = time.Millisecond
	return config
}

func newTestManager(t *testing.T, config Config) (*Manager, *fakeRelay, *fakeAggregator) {
	t.Helper()
	rel := newFakeRelay()
	agg := &fakeAggregator{quote: &aggregator.Quote{ToAmount: decimal.NewFromInt(1000), EstimatedGas: 150000}}
	manager := NewManager(zap.NewNop(), config, rel, agg, NewMemoryStore())
	clock := &testClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	manager.now = clock.Now
	return manager, rel, agg
}

func testSwap() *SwapParams {
	return &SwapParams{
		FromToken: common.HexToAddress("0x0000000000000000000000000000000000000001"),
		ToToken:   common.HexToAddress("0x0000000000000000000000000000000000000002"),
		Amount:    decimal.NewFromInt(5000),
		ChainID:   1,
	}
}

func intPtr(v int) *int {
	return &v
}

func strPtr(v string) *string {
	return &v
}

func boolPtr(v bool) *bool {
	return &v
}

func TestCreateBundle_RetriesUntilSubmitted(t *testing.T) {
	manager, rel, _ := newTestManager(t, testConfig())
	rel.sendErrs = []error{errRelayDown, errRelayDown}

	bundle, err := manager.CreateBundle(context.Background(), CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: signedRawTx(t, 0, 5)}},
		UserAddress:  testUser,
		Config:       &ConfigOverride{MaxRetries: intPtr(3)},
	})
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, bundle.Status)
	require.Equal(t, 3, bundle.SubmissionAttempts)
	require.Equal(t, 3, rel.sendCalls)
	require.Equal(t, 3, rel.simulateCalls)
	require.False(t, bundle.FallbackUsed)
	require.NotNil(t, bundle.BundleHash)
	require.NotNil(t, bundle.LastSubmissionAttempt)
	require.Equal(t, uint64(101), bundle.TargetBlock)
	require.Equal(t, "21000", bundle.GasEstimate.String())
	require.Equal(t, "10", bundle.GasPrice.String())
	require.Equal(t, "5", bundle.TotalValue.String())
	require.Empty(t, bundle.LastError)

	stored, err := manager.GetBundleStatus(context.Background(), bundle.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, stored.Status)
	require.Equal(t, 3, stored.SubmissionAttempts)
}

func TestCreateBundle_FirstAttempt(t *testing.T) {
	manager, rel, _ := newTestManager(t, testConfig())

	bundle, err := manager.CreateBundle(context.Background(), CreateBundleRequest{
		Transactions: []Transaction{
			{RawTransaction: signedRawTx(t, 0, 5)},
			{RawTransaction: signedRawTx(t, 1, 7), CanRevert: true},
		},
		UserAddress:     testUser,
		RefundRecipient: &otherUser,
		RefundPercent:   intPtr(90),
	})
	require.NoError(t, err)
	require.Equal(t, 1, bundle.SubmissionAttempts)
	require.Equal(t, 1, rel.sendCalls)
	require.Equal(t, "12", bundle.TotalValue.String())

	require.Len(t, rel.sent, 1)
	require.Equal(t, &otherUser, rel.sent[0].RefundRecipient)
	require.Equal(t, 90, *rel.sent[0].RefundPercent)
	require.True(t, rel.sent[0].Transactions[1].CanRevert)
}

func TestCreateBundle_SimulationFailureCountsAsAttempt(t *testing.T) {
	manager, rel, _ := newTestManager(t, testConfig())
	rel.simulateErrs = []error{relay.ErrSimulationFailed}

	bundle, err := manager.CreateBundle(context.Background(), CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: "0x01"}},
		UserAddress:  testUser,
	})
	require.NoError(t, err)
	require.Equal(t, 2, bundle.SubmissionAttempts)
	// the failed simulation never reached send
	require.Equal(t, 1, rel.sendCalls)
	require.Equal(t, 2, rel.simulateCalls)
}

func TestCreateBundle_Validation(t *testing.T) {
	tooMany := make([]Transaction, 11)
	for i := range tooMany {
		tooMany[i] = Transaction{RawTransaction: "0x01"}
	}

	testCases := map[string]struct {
		req     CreateBundleRequest
		message string
	}{
		"no transactions": {
			req:     CreateBundleRequest{UserAddress: testUser},
			message: "bundle must contain between 1 and 10 transactions, got 0",
		},
		"too many transactions": {
			req:     CreateBundleRequest{Transactions: tooMany, UserAddress: testUser},
			message: "bundle must contain between 1 and 10 transactions, got 11",
		},
		"not hex": {
			req: CreateBundleRequest{
				Transactions: []Transaction{{RawTransaction: "0x01"}, {RawTransaction: "zz"}},
				UserAddress:  testUser,
			},
			message: "Transaction 2: rawTransaction must be a 0x-prefixed hex string",
		},
		"missing prefix": {
			req: CreateBundleRequest{
				Transactions: []Transaction{{RawTransaction: "01"}},
				UserAddress:  testUser,
			},
			message: "Transaction 1: rawTransaction must be a 0x-prefixed hex string",
		},
		"missing user": {
			req:     CreateBundleRequest{Transactions: []Transaction{{RawTransaction: "0x01"}}},
			message: "userAddress is required",
		},
		"refund percent": {
			req: CreateBundleRequest{
				Transactions:  []Transaction{{RawTransaction: "0x01"}},
				UserAddress:   testUser,
				RefundPercent: intPtr(101),
			},
			message: "refundPercent must be between 0 and 100, got 101",
		},
		"config": {
			req: CreateBundleRequest{
				Transactions: []Transaction{{RawTransaction: "0x01"}},
				UserAddress:  testUser,
				Config:       &ConfigOverride{MaxRetries: intPtr(0)},
			},
			message: "config: ",
		},
		"slippage above range": {
			req: CreateBundleRequest{
				Transactions: []Transaction{{RawTransaction: "0x01"}},
				UserAddress:  testUser,
				Config:       &ConfigOverride{FallbackSlippage: strPtr("150")},
			},
			message: "config: fallbackSlippage must be at least 0 and below 100, got 150",
		},
		"negative slippage": {
			req: CreateBundleRequest{
				Transactions: []Transaction{{RawTransaction: "0x01"}},
				UserAddress:  testUser,
				Config:       &ConfigOverride{FallbackSlippage: strPtr("-20")},
			},
			message: "config: fallbackSlippage must be at least 0 and below 100, got -20",
		},
		"full slippage": {
			req: CreateBundleRequest{
				Transactions: []Transaction{{RawTransaction: "0x01"}},
				UserAddress:  testUser,
				Config:       &ConfigOverride{FallbackSlippage: strPtr("100")},
			},
			message: "config: fallbackSlippage must be at least 0 and below 100, got 100",
		},
		"zero gas price": {
			req: CreateBundleRequest{
				Transactions: []Transaction{{RawTransaction: "0x01"}},
				UserAddress:  testUser,
				Config:       &ConfigOverride{FallbackGasPrice: strPtr("0")},
			},
			message: "config: fallbackGasPrice must be positive, got 0",
		},
		"fallback without swap": {
			req: CreateBundleRequest{
				Transactions: []Transaction{{RawTransaction: "0x01"}},
				UserAddress:  testUser,
				Config:       &ConfigOverride{EnableFallback: boolPtr(true)},
			},
			message: "swap is required when enableFallback is set",
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			manager, rel, _ := newTestManager(t, testConfig())

			bundle, err := manager.CreateBundle(context.Background(), testCase.req)
			require.Nil(t, bundle)
			require.True(t, svcerr.Is(err, svcerr.CategoryValidation), err)
			require.Contains(t, err.Error(), testCase.message)
			require.Equal(t, 0, rel.calls)

			history, err := manager.GetBundleHistory(context.Background(), testUser, 10, 1)
			require.NoError(t, err)
			require.Empty(t, history)
		})
	}
}

func TestCreateBundle_ReportsAllViolations(t *testing.T) {
	manager, _, _ := newTestManager(t, testConfig())
	_, err := manager.CreateBundle(context.Background(), CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: "a"}, {RawTransaction: "0x"}, {RawTransaction: "0x02"}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Transaction 1:")
	require.Contains(t, err.Error(), "Transaction 2:")
	require.NotContains(t, err.Error(), "Transaction 3:")
	require.Contains(t, err.Error(), "userAddress is required")
}

func TestCreateBundle_ExhaustedWithoutFallback(t *testing.T) {
	manager, rel, agg := newTestManager(t, testConfig())
	rel.sendErr = errRelayDown

	bundle, err := manager.CreateBundle(context.Background(), CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: "0x01"}},
		UserAddress:  testUser,
	})
	require.Nil(t, bundle)
	require.True(t, svcerr.Is(err, svcerr.CategoryRelay))
	require.Equal(t, "MEV protection failed: relay is down", err.Error())
	require.ErrorIs(t, err, errRelayDown)
	require.Equal(t, 3, rel.sendCalls)
	require.Empty(t, agg.quotes)

	history, err := manager.GetBundleHistory(context.Background(), testUser, 10, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, StatusFailed, history[0].Status)
	require.Equal(t, 3, history[0].SubmissionAttempts)
	require.Equal(t, "relay is down", history[0].LastError)
}

func TestCreateBundle_InvalidRawTxIsNotRetried(t *testing.T) {
	manager, rel, _ := newTestManager(t, testConfig())
	rel.sendErr = fmt.Errorf("%w: rlp", relay.ErrInvalidRawTx)

	_, err := manager.CreateBundle(context.Background(), CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: "0x01"}},
		UserAddress:  testUser,
	})
	require.True(t, svcerr.Is(err, svcerr.CategoryRelay))
	require.Equal(t, 1, rel.sendCalls)
}

func TestCreateBundle_Fallback(t *testing.T) {
	manager, rel, agg := newTestManager(t, testConfig())
	rel.sendErr = errRelayDown

	bundle, err := manager.CreateBundle(context.Background(), CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: "0x01"}},
		UserAddress:  testUser,
		Config: &ConfigOverride{
			EnableFallback:   boolPtr(true),
			FallbackGasPrice: func() *string { s := "50"; return &s }(),
		},
		Swap: testSwap(),
	})
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, bundle.Status)
	require.True(t, bundle.FallbackUsed)
	require.Equal(t, "relay is down", bundle.FallbackReason)
	require.Equal(t, common.HexToHash("0xfa11"), *bundle.FallbackTxHash)
	require.Equal(t, 3, bundle.SubmissionAttempts)
	require.Equal(t, "50", bundle.GasPrice.String())

	require.Len(t, agg.quotes, 1)
	require.Equal(t, "50", agg.quotes[0].GasPrice.String())
	require.Equal(t, "3", agg.quotes[0].Slippage.String())
	require.Equal(t, testUser, agg.quotes[0].UserAddress)
	require.Len(t, agg.swaps, 1)
	require.Equal(t, "970", agg.swaps[0].MinToAmount.String())

	// fallback executions are not resolved against the bundle target block
	rel.setBlock(200)
	stored, err := manager.GetBundleStatus(context.Background(), bundle.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, stored.Status)
}

func TestCreateBundle_FallbackUsesNetworkGasPrice(t *testing.T) {
	config := testConfig()
	config.Bundle.EnableFallback = true
	manager, rel, agg := newTestManager(t, config)
	rel.sendErr = errRelayDown

	bundle, err := manager.CreateBundle(context.Background(), CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: "0x01"}},
		UserAddress:  testUser,
		Swap:         testSwap(),
	})
	require.NoError(t, err)
	require.True(t, bundle.FallbackUsed)
	require.Equal(t, "10", agg.quotes[0].GasPrice.String())
}

func TestCreateBundle_FallbackFailure(t *testing.T) {
	manager, rel, agg := newTestManager(t, testConfig())
	rel.sendErr = errRelayDown
	agg.quoteErr = errors.New("quote unavailable")

	bundle, err := manager.CreateBundle(context.Background(), CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: "0x01"}},
		UserAddress:  testUser,
		Config:       &ConfigOverride{EnableFallback: boolPtr(true)},
		Swap:         testSwap(),
	})
	require.Nil(t, bundle)
	require.True(t, svcerr.Is(err, svcerr.CategoryAggregator))
	require.Equal(t, "Fallback failed: quote unavailable", err.Error())

	history, err := manager.GetBundleHistory(context.Background(), testUser, 10, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, StatusFailed, history[0].Status)
	require.True(t, history[0].FallbackUsed)
	require.Equal(t, "relay is down", history[0].FallbackReason)
}

func TestCreateBundle_FallbackWithoutSwap(t *testing.T) {
	config := testConfig()
	config.Bundle.EnableFallback = true
	manager, rel, agg := newTestManager(t, config)
	rel.sendErr = errRelayDown

	bundle, err := manager.CreateBundle(context.Background(), CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: "0x01"}},
		UserAddress:  testUser,
	})
	require.Nil(t, bundle)
	require.True(t, svcerr.Is(err, svcerr.CategoryValidation), err)
	require.Equal(t, "Validation failed: swap is required when enableFallback is set", err.Error())
	require.Equal(t, 0, rel.calls)
	require.Equal(t, 0, rel.sendCalls)
	require.Empty(t, agg.quotes)
}

func TestCreateBundle_FallbackSlippageBoundsSwap(t *testing.T) {
	manager, rel, agg := newTestManager(t, testConfig())
	rel.sendErr = errRelayDown

	bundle, err := manager.CreateBundle(context.Background(), CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: "0x01"}},
		UserAddress:  testUser,
		Config: &ConfigOverride{
			EnableFallback:   boolPtr(true),
			FallbackSlippage: strPtr("99.5"),
		},
		Swap: testSwap(),
	})
	require.NoError(t, err)
	require.True(t, bundle.FallbackUsed)
	require.Len(t, agg.swaps, 1)
	require.Equal(t, "5", agg.swaps[0].MinToAmount.String())
}

func TestCreateBundle_RetargetsPassedBlock(t *testing.T) {
	manager, rel, _ := newTestManager(t, testConfig())
	// the chain moves past the target between creation and the second attempt
	rel.simulateErrs = []error{errRelayDown}

	ctx := context.Background()
	type result struct {
		bundle *Bundle
		err    error
	}
	done := make(chan result)
	go func() {
		bundle, err := manager.CreateBundle(ctx, CreateBundleRequest{
			Transactions: []Transaction{{RawTransaction: "0x01"}},
			UserAddress:  testUser,
			Config:       &ConfigOverride{RetryDelay: func() *time.Duration { d := 50 * time.Millisecond; return &d }()},
		})
		done <- result{bundle, err}
	}()
	time.Sleep(10 * time.Millisecond)
	rel.setBlock(105)

	res := <-done
	require.NoError(t, res.err)
	bundle := res.bundle
	require.Equal(t, uint64(106), bundle.TargetBlock)
	require.Equal(t, uint64(106), rel.sent[0].TargetBlock)
}

func TestRetryBundle(t *testing.T) {
	manager, rel, _ := newTestManager(t, testConfig())
	rel.sendErrs = []error{errRelayDown, errRelayDown, errRelayDown}

	ctx := context.Background()
	_, err := manager.CreateBundle(ctx, CreateBundleRequest{
		Transactions:    []Transaction{{RawTransaction: "0x01"}},
		UserAddress:     testUser,
		RefundRecipient: &testUser,
		RefundPercent:   intPtr(50),
	})
	require.Error(t, err)

	history, err := manager.GetBundleHistory(ctx, testUser, 10, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	original := history[0]

	_, err = manager.RetryBundle(ctx, original.ID, otherUser, nil)
	require.True(t, svcerr.Is(err, svcerr.CategoryUnauthorized))
	_, err = manager.RetryBundle(ctx, "missing", testUser, nil)
	require.True(t, svcerr.Is(err, svcerr.CategoryNotFound))

	retried, err := manager.RetryBundle(ctx, original.ID, testUser, &ConfigOverride{MaxRetries: intPtr(5)})
	require.NoError(t, err)
	require.NotEqual(t, original.ID, retried.ID)
	require.Equal(t, original.ID, retried.RetryOf)
	require.Equal(t, StatusSubmitted, retried.Status)
	require.Equal(t, 1, retried.SubmissionAttempts)
	require.Equal(t, 5, retried.Config.MaxRetries)
	require.Equal(t, original.Transactions, retried.Transactions)
	require.Equal(t, 50, retried.RefundPercent)
	require.Equal(t, 50, *rel.sent[len(rel.sent)-1].RefundPercent)

	after, err := manager.GetBundleStatus(ctx, original.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, original.ID, after.ID)
	require.Equal(t, StatusFailed, after.Status)
	require.Equal(t, 3, after.SubmissionAttempts)
	require.Equal(t, 3, after.Config.MaxRetries)

	_, err = manager.RetryBundle(ctx, original.ID, testUser, &ConfigOverride{RetryBackoff: func() *string { s := "linear"; return &s }()})
	require.True(t, svcerr.Is(err, svcerr.CategoryValidation))

	calls := rel.calls
	_, err = manager.RetryBundle(ctx, original.ID, testUser, &ConfigOverride{EnableFallback: boolPtr(true)})
	require.True(t, svcerr.Is(err, svcerr.CategoryValidation))
	require.Contains(t, err.Error(), "swap is required when enableFallback is set")
	_, err = manager.RetryBundle(ctx, original.ID, testUser, &ConfigOverride{FallbackSlippage: strPtr("100")})
	require.True(t, svcerr.Is(err, svcerr.CategoryValidation))
	require.Equal(t, calls, rel.calls)
}

func TestGetBundleStatus_Authorization(t *testing.T) {
	manager, _, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	bundle, err := manager.CreateBundle(ctx, CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: "0x01"}},
		UserAddress:  testUser,
	})
	require.NoError(t, err)

	res, err := manager.GetBundleStatus(ctx, bundle.ID, otherUser)
	require.Nil(t, res)
	require.True(t, svcerr.Is(err, svcerr.CategoryUnauthorized))
	require.Equal(t, "Not authorized to access this bundle", err.Error())

	res, err = manager.GetBundleStatus(ctx, "unknown", testUser)
	require.Nil(t, res)
	require.True(t, svcerr.Is(err, svcerr.CategoryNotFound))
	require.Equal(t, "Bundle not found", err.Error())
}

func TestGetBundleStatus_ExpiresPassedTarget(t *testing.T) {
	manager, rel, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	bundle, err := manager.CreateBundle(ctx, CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: signedRawTx(t, 0, 1)}},
		UserAddress:  testUser,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(101), bundle.TargetBlock)

	// target block not passed yet
	rel.setBlock(101)
	res, err := manager.GetBundleStatus(ctx, bundle.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, res.Status)

	rel.setBlock(102)
	res, err = manager.GetBundleStatus(ctx, bundle.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, res.Status)

	// final statuses are never revisited
	require.NoError(t, manager.MarkIncluded(ctx, bundle.ID, 101))
	res, err = manager.GetBundleStatus(ctx, bundle.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, res.Status)
	require.Nil(t, res.IncludedBlock)
}

func TestGetBundleStatus_DetectsInclusion(t *testing.T) {
	manager, rel, _ := newTestManager(t, testConfig())
	manager.SetInclusionChecker(&fakeInclusion{block: 101, found: true})
	ctx := context.Background()

	bundle, err := manager.CreateBundle(ctx, CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: signedRawTx(t, 0, 1)}},
		UserAddress:  testUser,
	})
	require.NoError(t, err)

	rel.setBlock(110)
	res, err := manager.GetBundleStatus(ctx, bundle.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, StatusIncluded, res.Status)
	require.Equal(t, uint64(101), *res.IncludedBlock)
}

func TestGetBundleStatus_InclusionLookupFailure(t *testing.T) {
	manager, rel, _ := newTestManager(t, testConfig())
	manager.SetInclusionChecker(&fakeInclusion{err: errors.New("node unavailable")})
	ctx := context.Background()

	bundle, err := manager.CreateBundle(ctx, CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: signedRawTx(t, 0, 1)}},
		UserAddress:  testUser,
	})
	require.NoError(t, err)

	rel.setBlock(110)
	_, err = manager.GetBundleStatus(ctx, bundle.ID, testUser)
	require.True(t, svcerr.Is(err, svcerr.CategoryRelay))

	res, err := manager.store.GetBundle(ctx, bundle.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, res.Status)
}

func TestGetBundleHistory_Pagination(t *testing.T) {
	manager, _, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		bundle, err := manager.CreateBundle(ctx, CreateBundleRequest{
			Transactions: []Transaction{{RawTransaction: "0x01"}},
			UserAddress:  testUser,
		})
		require.NoError(t, err)
		ids = append(ids, bundle.ID)
	}
	_, err := manager.CreateBundle(ctx, CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: "0x01"}},
		UserAddress:  otherUser,
	})
	require.NoError(t, err)

	var seen []string
	for page := 1; page <= 3; page++ {
		bundles, err := manager.GetBundleHistory(ctx, testUser, 2, page)
		require.NoError(t, err)
		for _, b := range bundles {
			require.Equal(t, testUser, b.UserAddress)
			seen = append(seen, b.ID)
		}
	}
	require.Equal(t, []string{ids[4], ids[3], ids[2], ids[1], ids[0]}, seen)

	bundles, err := manager.GetBundleHistory(ctx, testUser, 2, 4)
	require.NoError(t, err)
	require.Empty(t, bundles)

	bundles, err = manager.GetBundleHistory(ctx, common.HexToAddress("0x01"), 10, 1)
	require.NoError(t, err)
	require.NotNil(t, bundles)
	require.Empty(t, bundles)
}

func TestSimulateBundle(t *testing.T) {
	manager, rel, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	_, err := manager.SimulateBundle(ctx, BundleRequest{})
	require.True(t, svcerr.Is(err, svcerr.CategoryValidation))
	require.Equal(t, "No transactions provided for simulation", err.Error())
	require.Equal(t, 0, rel.calls)

	res, err := manager.SimulateBundle(ctx, BundleRequest{Transactions: []Transaction{{RawTransaction: "0x01"}}})
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, uint64(21000), res.GasUsed)
	require.Equal(t, uint64(101), res.BlockNumber)
	require.Equal(t, "1000", res.CoinbaseDiff.String())
	require.Equal(t, "400", res.RefundableValue.String())
	require.Equal(t, "600", res.Profit.String())
	require.NotNil(t, res.Logs)

	res, err = manager.SimulateBundle(ctx, BundleRequest{Transactions: []Transaction{{RawTransaction: "0x01"}}, TargetBlock: 150})
	require.NoError(t, err)
	require.Equal(t, uint64(150), res.BlockNumber)

	rel.simulateErrs = []error{relay.ErrSimulationFailed}
	_, err = manager.SimulateBundle(ctx, BundleRequest{Transactions: []Transaction{{RawTransaction: "0x01"}}})
	require.True(t, svcerr.Is(err, svcerr.CategoryRelay))
	require.Equal(t, 0, rel.sendCalls)
}

func TestEstimateBundleGas(t *testing.T) {
	manager, rel, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	_, err := manager.EstimateBundleGas(ctx, BundleRequest{})
	require.True(t, svcerr.Is(err, svcerr.CategoryValidation))
	require.Equal(t, "No transactions provided for gas estimation", err.Error())
	require.Equal(t, 0, rel.calls)

	res, err := manager.EstimateBundleGas(ctx, BundleRequest{Transactions: []Transaction{{RawTransaction: "0x01"}, {RawTransaction: "0x02"}}})
	require.NoError(t, err)
	require.Equal(t, uint64(42000), res.GasUsed)
	require.Equal(t, "10", res.GasPrice.String())
	require.Equal(t, "420000", res.TotalCost.String())
	require.Equal(t, "600", res.EstimatedProfit.String())
}

func TestSubmitBundle(t *testing.T) {
	manager, rel, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	_, err := manager.SubmitBundle(ctx, BundleRequest{}, testUser)
	require.Equal(t, "No transactions provided for simulation", err.Error())

	bundle, err := manager.SubmitBundle(ctx, BundleRequest{Transactions: []Transaction{{RawTransaction: "0x01"}}}, testUser)
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, bundle.Status)
	require.Equal(t, 1, bundle.SubmissionAttempts)
	require.NotNil(t, bundle.BundleHash)
	require.Equal(t, uint64(101), bundle.TargetBlock)
	require.Equal(t, 1, rel.simulateCalls)
	require.Equal(t, 1, rel.sendCalls)

	// one shot, no retries
	rel.sendErr = errRelayDown
	_, err = manager.SubmitBundle(ctx, BundleRequest{Transactions: []Transaction{{RawTransaction: "0x01"}}}, testUser)
	require.True(t, svcerr.Is(err, svcerr.CategoryRelay))
	require.Equal(t, 2, rel.sendCalls)

	history, err := manager.GetBundleHistory(ctx, testUser, 10, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

type recordingTracker struct {
	mu      sync.Mutex
	tracked []string
}

func (r *recordingTracker) Track(ctx context.Context, bundle *Bundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked = append(r.tracked, bundle.ID)
	return nil
}

func TestManager_TracksSubmittedBundles(t *testing.T) {
	manager, rel, _ := newTestManager(t, testConfig())
	tracker := &recordingTracker{}
	manager.SetTracker(tracker)
	ctx := context.Background()

	bundle, err := manager.CreateBundle(ctx, CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: "0x01"}},
		UserAddress:  testUser,
	})
	require.NoError(t, err)

	rel.sendErr = errRelayDown
	_, err = manager.CreateBundle(ctx, CreateBundleRequest{
		Transactions: []Transaction{{RawTransaction: "0x01"}},
		UserAddress:  testUser,
	})
	require.Error(t, err)

	require.Equal(t, []string{bundle.ID}, tracker.tracked)
}

func TestRetryBackOff(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig().Bundle
	config.RetryDelay = 10 * time.Millisecond

	b := retryBackOff(ctx, config)
	b.Reset()
	require.Equal(t, 10*time.Millisecond, b.NextBackOff())
	require.Equal(t, 10*time.Millisecond, b.NextBackOff())
	require.Equal(t, time.Duration(-1), b.NextBackOff())

	config.MaxRetries = 1
	b = retryBackOff(ctx, config)
	b.Reset()
	require.Equal(t, time.Duration(-1), b.NextBackOff())

	config.RetryBackoff = BackoffExponential
	config.MaxRetries = 7
	b = retryBackOff(ctx, config)
	b.Reset()
	var delays []time.Duration
	for i := 0; i < 6; i++ {
		delays = append(delays, b.NextBackOff())
	}
	require.Equal(t, []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond,
		80 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond,
	}, delays)
	require.Equal(t, time.Duration(-1), b.NextBackOff())
}
