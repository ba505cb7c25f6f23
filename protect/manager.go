package protect

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/swap-protect-node/aggregator"
	"github.com/flashbots/swap-protect-node/keylock"
	"github.com/flashbots/swap-protect-node/metrics"
	"github.com/flashbots/swap-protect-node/relay"
	"github.com/flashbots/swap-protect-node/svcerr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// Tracker watches a submitted bundle until it is included or its target block passes
type Tracker interface {
	Track(ctx context.Context, bundle *Bundle) error
}

type Manager struct {
	log        *zap.Logger
	config     Config
	relay      relay.Client
	aggregator aggregator.Client
	inclusion  relay.InclusionChecker
	store      BundleStore
	tracker    Tracker
	locks      *keylock.Locker
	now        func() time.Time
}

func NewManager(log *zap.Logger, config Config, relayClient relay.Client, aggregatorClient aggregator.Client, store BundleStore) *Manager {
	return &Manager{
		log:        log.Named("bundles"),
		config:     config,
		relay:      relayClient,
		aggregator: aggregatorClient,
		store:      store,
		locks:      keylock.New(),
		now:        time.Now,
	}
}

// SetTracker enables inclusion tracking of submitted bundles
func (m *Manager) SetTracker(tracker Tracker) {
	m.tracker = tracker
}

// SetInclusionChecker lets status queries detect inclusion of bundles whose target block passed
func (m *Manager) SetInclusionChecker(checker relay.InclusionChecker) {
	m.inclusion = checker
}

// CreateBundle validates the request, stores a new bundle and submits it with retries.
// Invalid requests are rejected before any external call and nothing is stored.
func (m *Manager) CreateBundle(ctx context.Context, req CreateBundleRequest) (*Bundle, error) {
	config := m.config.Bundle.Merge(req.Config)
	if err := validateCreateRequest(&req, config); err != nil {
		return nil, err
	}

	bundle, err := m.newBundle(ctx, req.Transactions, req.UserAddress, req.RefundRecipient, req.RefundPercent, config, req.Swap)
	if err != nil {
		return nil, err
	}
	if err := m.insertBundle(ctx, bundle); err != nil {
		return nil, err
	}
	return m.submitWithRetry(ctx, bundle)
}

// RetryBundle submits the transactions of an existing bundle as a new bundle.
// The original record is never modified.
func (m *Manager) RetryBundle(ctx context.Context, bundleID string, user common.Address, override *ConfigOverride) (*Bundle, error) {
	unlock := m.locks.Lock("retry:" + bundleID)
	defer unlock()

	original, err := m.getOwnedBundle(ctx, bundleID, user)
	if err != nil {
		return nil, err
	}

	config := original.Config.Merge(override)
	violations := append(validateConfig(config), validateFallback(config, original.Swap)...)
	if len(violations) > 0 {
		return nil, svcerr.ValidationList(violations)
	}

	var refundPercent *int
	if original.RefundRecipient != nil {
		percent := original.RefundPercent
		refundPercent = &percent
	}
	bundle, err := m.newBundle(ctx, original.Transactions, original.UserAddress, original.RefundRecipient, refundPercent, config, original.Swap)
	if err != nil {
		return nil, err
	}
	bundle.RetryOf = original.ID
	if err := m.insertBundle(ctx, bundle); err != nil {
		return nil, err
	}

	m.log.Info("Retrying bundle", zap.String("original", original.ID), zap.String("bundle", bundle.ID))
	return m.submitWithRetry(ctx, bundle)
}

func (m *Manager) newBundle(ctx context.Context, txs []Transaction, user common.Address, refundRecipient *common.Address, refundPercent *int,
	config BundleConfig, swap *SwapParams,
) (*Bundle, error) {
	currentBlock, err := m.relay.CurrentBlockNumber(ctx)
	if err != nil {
		m.log.Error("Failed to get current block", zap.Error(err))
		return nil, svcerr.Relay(err, "Failed to get current block number")
	}
	fee, err := m.relay.FeeData(ctx)
	if err != nil {
		m.log.Error("Failed to get fee data", zap.Error(err))
		return nil, svcerr.Relay(err, "Failed to get fee data")
	}

	bundle := &Bundle{
		ID:              uuid.NewString(),
		Transactions:    append([]Transaction(nil), txs...),
		TargetBlock:     currentBlock + config.TargetBlockOffset,
		Status:          StatusCreated,
		GasPrice:        decimalFromBig(fee.GasPrice),
		TotalValue:      totalValue(txs),
		RefundRecipient: refundRecipient,
		UserAddress:     user,
		Timestamp:       m.now(),
		Config:          config,
		Swap:            swap,
	}
	if refundPercent != nil {
		bundle.RefundPercent = *refundPercent
	}
	return bundle, nil
}

func (m *Manager) insertBundle(ctx context.Context, bundle *Bundle) error {
	if err := m.store.InsertBundle(ctx, bundle); err != nil {
		m.log.Error("Failed to store bundle", zap.Error(err), zap.String("bundle", bundle.ID))
		return svcerr.Internal(err)
	}
	metrics.IncBundlesCreated()
	return nil
}

// submitWithRetry runs up to MaxRetries sequential simulate+send attempts, waiting RetryDelay
// between them, and falls back to an unprotected swap when enabled.
func (m *Manager) submitWithRetry(ctx context.Context, bundle *Bundle) (*Bundle, error) {
	unlock := m.locks.Lock(bundle.ID)
	defer unlock()

	logger := m.log.With(zap.String("bundle", bundle.ID))
	config := bundle.Config

	var lastErr error
	operation := func() error {
		err := m.attempt(ctx, bundle)
		if err != nil {
			lastErr = err
			metrics.IncBundleSubmissionFailures()
			if errors.Is(err, relay.ErrInvalidRawTx) {
				return backoff.Permanent(err)
			}
		}
		if updateErr := m.store.UpdateBundle(ctx, bundle); updateErr != nil {
			logger.Error("Failed to persist submission attempt", zap.Error(updateErr))
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		logger.Warn("Bundle submission attempt failed",
			zap.Error(err), zap.Int("attempt", bundle.SubmissionAttempts), zap.Duration("retryIn", delay))
	}

	err := backoff.RetryNotify(operation, retryBackOff(ctx, config), notify)
	if err == nil {
		if err := bundle.setStatus(StatusSubmitted); err != nil {
			return nil, svcerr.Internal(err)
		}
		bundle.LastError = ""
		if err := m.store.UpdateBundle(ctx, bundle); err != nil {
			logger.Error("Failed to store submitted bundle", zap.Error(err))
			return nil, svcerr.Internal(err)
		}
		metrics.IncBundlesSubmitted()
		logger.Info("Bundle submitted", zap.Int("attempts", bundle.SubmissionAttempts), zap.Uint64("targetBlock", bundle.TargetBlock))
		m.track(ctx, bundle)
		return bundle.Clone(), nil
	}

	if lastErr == nil {
		lastErr = err
	}
	bundle.LastError = lastErr.Error()
	logger.Warn("Bundle submission failed", zap.Error(lastErr), zap.Int("attempts", bundle.SubmissionAttempts))

	if config.EnableFallback {
		return m.fallback(ctx, bundle, lastErr)
	}

	_ = bundle.setStatus(StatusFailed)
	if err := m.store.UpdateBundle(ctx, bundle); err != nil {
		logger.Error("Failed to store failed bundle", zap.Error(err))
	}
	return nil, svcerr.Relay(lastErr, "MEV protection failed: "+lastErr.Error())
}

func retryBackOff(ctx context.Context, config BundleConfig) backoff.BackOff {
	delay := config.RetryDelay
	if delay < 0 {
		delay = 0
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(delay)
	if config.RetryBackoff == BackoffExponential {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = delay
		exp.Multiplier = 2
		exp.RandomizationFactor = 0
		exp.MaxInterval = delay * maxBackoffFactor
		exp.MaxElapsedTime = 0
		b = exp
	}
	// WithMaxRetries treats zero as unlimited
	if config.MaxRetries <= 1 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(config.MaxRetries-1)), ctx)
}

// attempt is one simulate+send round, the target block is moved forward if the chain already reached it
func (m *Manager) attempt(ctx context.Context, bundle *Bundle) error {
	now := m.now()
	bundle.SubmissionAttempts++
	bundle.LastSubmissionAttempt = &now
	metrics.IncBundleSubmissionAttempts()

	currentBlock, err := m.relay.CurrentBlockNumber(ctx)
	if err != nil {
		return err
	}
	if currentBlock >= bundle.TargetBlock {
		bundle.TargetBlock = currentBlock + bundle.Config.TargetBlockOffset
	}

	txs := relayTxs(bundle.Transactions)
	sim, err := m.relay.Simulate(ctx, txs, bundle.TargetBlock)
	if err != nil {
		return err
	}
	bundle.GasEstimate = decimal.NewFromBigInt(new(big.Int).SetUint64(sim.GasUsed), 0)

	req := relay.SendRequest{
		Transactions:    txs,
		TargetBlock:     bundle.TargetBlock,
		RefundRecipient: bundle.RefundRecipient,
	}
	if bundle.RefundRecipient != nil {
		percent := bundle.RefundPercent
		req.RefundPercent = &percent
	}
	res, err := m.relay.Send(ctx, req)
	if err != nil {
		return err
	}
	hash := res.BundleHash
	bundle.BundleHash = &hash
	return nil
}

// fallback re-quotes the trade with the loosened fallback parameters and executes it as a plain swap
func (m *Manager) fallback(ctx context.Context, bundle *Bundle, cause error) (*Bundle, error) {
	logger := m.log.With(zap.String("bundle", bundle.ID))
	bundle.FallbackUsed = true
	bundle.FallbackReason = cause.Error()

	txHash, gasPrice, err := m.fallbackSwap(ctx, bundle)
	if err != nil {
		metrics.IncBundleFallback(false)
		logger.Error("Fallback failed", zap.Error(err))
		bundle.LastError = err.Error()
		_ = bundle.setStatus(StatusFailed)
		if updateErr := m.store.UpdateBundle(ctx, bundle); updateErr != nil {
			logger.Error("Failed to store failed bundle", zap.Error(updateErr))
		}
		return nil, svcerr.Aggregator(err, "Fallback failed: "+err.Error())
	}

	metrics.IncBundleFallback(true)
	bundle.FallbackTxHash = &txHash
	bundle.GasPrice = gasPrice
	if err := bundle.setStatus(StatusSubmitted); err != nil {
		return nil, svcerr.Internal(err)
	}
	if err := m.store.UpdateBundle(ctx, bundle); err != nil {
		logger.Error("Failed to store fallback bundle", zap.Error(err))
		return nil, svcerr.Internal(err)
	}
	logger.Info("Bundle executed through fallback", zap.String("tx", txHash.Hex()), zap.String("reason", bundle.FallbackReason))
	return bundle.Clone(), nil
}

func (m *Manager) fallbackSwap(ctx context.Context, bundle *Bundle) (common.Hash, decimal.Decimal, error) {
	if bundle.Swap == nil {
		return common.Hash{}, decimal.Zero, ErrNoSwapParams
	}
	gasPrice, ok := bundle.Config.fallbackGasPrice()
	if !ok {
		fee, err := m.relay.FeeData(ctx)
		if err != nil {
			return common.Hash{}, decimal.Zero, err
		}
		gasPrice = decimalFromBig(fee.GasPrice)
	}
	slippage := bundle.Config.fallbackSlippage()

	quoteReq := aggregator.QuoteRequest{
		FromToken:   bundle.Swap.FromToken,
		ToToken:     bundle.Swap.ToToken,
		Amount:      bundle.Swap.Amount,
		ChainID:     bundle.Swap.ChainID,
		UserAddress: bundle.UserAddress,
		GasPrice:    gasPrice,
		Slippage:    slippage,
	}
	quote, err := m.aggregator.Quote(ctx, quoteReq)
	if err != nil {
		return common.Hash{}, decimal.Zero, err
	}

	minToAmount := quote.ToAmount.Mul(hundred.Sub(slippage)).Div(hundred).Floor()
	res, err := m.aggregator.Swap(ctx, aggregator.SwapRequest{Quote: quoteReq, MinToAmount: minToAmount})
	if err != nil {
		return common.Hash{}, decimal.Zero, err
	}
	return res.TxHash, gasPrice, nil
}

func (m *Manager) track(ctx context.Context, bundle *Bundle) {
	if m.tracker == nil || !m.config.TrackInclusion {
		return
	}
	if err := m.tracker.Track(ctx, bundle); err != nil {
		m.log.Warn("Failed to track bundle inclusion", zap.Error(err), zap.String("bundle", bundle.ID))
	}
}

// SimulateBundle simulates the transactions against the requested (or next) block without storing anything
func (m *Manager) SimulateBundle(ctx context.Context, req BundleRequest) (*SimulationResult, error) {
	if err := validateBundleRequest(&req, "No transactions provided for simulation"); err != nil {
		return nil, err
	}
	return m.simulate(ctx, &req)
}

func (m *Manager) simulate(ctx context.Context, req *BundleRequest) (*SimulationResult, error) {
	targetBlock := req.TargetBlock
	if targetBlock == 0 {
		currentBlock, err := m.relay.CurrentBlockNumber(ctx)
		if err != nil {
			return nil, svcerr.Relay(err, "Failed to get current block number")
		}
		targetBlock = currentBlock + 1
	}

	sim, err := m.relay.Simulate(ctx, relayTxs(req.Transactions), targetBlock)
	if err != nil {
		m.log.Debug("Bundle simulation failed", zap.Error(err), zap.Uint64("targetBlock", targetBlock))
		return nil, svcerr.Relay(err, "Bundle simulation failed: "+err.Error())
	}

	coinbaseDiff := decimalFromBig(sim.CoinbaseDiff)
	refundableValue := decimalFromBig(sim.RefundableValue)
	logs := sim.Logs
	if logs == nil {
		logs = []*types.Log{}
	}
	return &SimulationResult{
		Success:         true,
		GasUsed:         sim.GasUsed,
		BlockNumber:     targetBlock,
		CoinbaseDiff:    coinbaseDiff,
		RefundableValue: refundableValue,
		Profit:          coinbaseDiff.Sub(refundableValue),
		Logs:            logs,
	}, nil
}

// SubmitBundle simulates and then sends the bundle exactly once
func (m *Manager) SubmitBundle(ctx context.Context, req BundleRequest, user common.Address) (*Bundle, error) {
	if err := validateBundleRequest(&req, "No transactions provided for simulation"); err != nil {
		return nil, err
	}
	if user == (common.Address{}) {
		return nil, svcerr.ValidationList([]string{"userAddress is required"})
	}

	if req.TargetBlock == 0 {
		currentBlock, err := m.relay.CurrentBlockNumber(ctx)
		if err != nil {
			return nil, svcerr.Relay(err, "Failed to get current block number")
		}
		req.TargetBlock = currentBlock + 1
	}
	sim, err := m.simulate(ctx, &req)
	if err != nil {
		return nil, err
	}
	fee, err := m.relay.FeeData(ctx)
	if err != nil {
		return nil, svcerr.Relay(err, "Failed to get fee data")
	}

	now := m.now()
	config := m.config.Bundle
	config.MaxRetries = 1
	bundle := &Bundle{
		ID:                    uuid.NewString(),
		Transactions:          append([]Transaction(nil), req.Transactions...),
		TargetBlock:           req.TargetBlock,
		Status:                StatusCreated,
		GasEstimate:           decimal.NewFromBigInt(new(big.Int).SetUint64(sim.GasUsed), 0),
		GasPrice:              decimalFromBig(fee.GasPrice),
		TotalValue:            totalValue(req.Transactions),
		RefundRecipient:       req.RefundRecipient,
		SubmissionAttempts:    1,
		LastSubmissionAttempt: &now,
		UserAddress:           user,
		Timestamp:             now,
		Config:                config,
	}
	if req.RefundPercent != nil {
		bundle.RefundPercent = *req.RefundPercent
	}

	metrics.IncBundleSubmissionAttempts()
	res, err := m.relay.Send(ctx, relay.SendRequest{
		Transactions:    relayTxs(req.Transactions),
		TargetBlock:     req.TargetBlock,
		RefundRecipient: req.RefundRecipient,
		RefundPercent:   req.RefundPercent,
	})
	if err != nil {
		metrics.IncBundleSubmissionFailures()
		return nil, svcerr.Relay(err, "Bundle submission failed: "+err.Error())
	}
	hash := res.BundleHash
	bundle.BundleHash = &hash
	_ = bundle.setStatus(StatusSubmitted)

	if err := m.insertBundle(ctx, bundle); err != nil {
		return nil, err
	}
	metrics.IncBundlesSubmitted()
	m.track(ctx, bundle)
	return bundle.Clone(), nil
}

// EstimateBundleGas simulates the bundle and prices its gas at the current network gas price
func (m *Manager) EstimateBundleGas(ctx context.Context, req BundleRequest) (*GasEstimate, error) {
	if err := validateBundleRequest(&req, "No transactions provided for gas estimation"); err != nil {
		return nil, err
	}
	sim, err := m.simulate(ctx, &req)
	if err != nil {
		return nil, err
	}
	fee, err := m.relay.FeeData(ctx)
	if err != nil {
		return nil, svcerr.Relay(err, "Failed to get fee data")
	}

	gasUsed := decimal.NewFromBigInt(new(big.Int).SetUint64(sim.GasUsed), 0)
	gasPrice := decimalFromBig(fee.GasPrice)
	return &GasEstimate{
		GasUsed:         sim.GasUsed,
		GasPrice:        gasPrice,
		TotalCost:       gasUsed.Mul(gasPrice),
		EstimatedProfit: sim.Profit,
	}, nil
}

// GetBundleStatus returns the bundle of the owner. A submitted bundle whose target block passed
// is resolved to Included or Expired first.
func (m *Manager) GetBundleStatus(ctx context.Context, bundleID string, user common.Address) (*Bundle, error) {
	bundle, err := m.getOwnedBundle(ctx, bundleID, user)
	if err != nil {
		return nil, err
	}
	if bundle.Status != StatusSubmitted || bundle.FallbackUsed {
		return bundle, nil
	}

	currentBlock, err := m.relay.CurrentBlockNumber(ctx)
	if err != nil {
		m.log.Error("Failed to get current block", zap.Error(err))
		return nil, svcerr.Relay(err, "Failed to get current block number")
	}
	if currentBlock <= bundle.TargetBlock {
		return bundle, nil
	}

	status := StatusExpired
	var includedBlock uint64
	if m.inclusion != nil && len(bundle.Transactions) > 0 {
		if txHash, err := relay.TxHash(bundle.Transactions[0].RawTransaction); err == nil {
			block, found, err := m.inclusion.TransactionBlock(ctx, txHash)
			if err != nil {
				return nil, svcerr.Relay(err, "Failed to check bundle inclusion")
			}
			if found && block == bundle.TargetBlock {
				status = StatusIncluded
				includedBlock = block
			}
		}
	}

	updated, err := m.transition(ctx, bundleID, status, includedBlock)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkIncluded records that the bundle landed in block
func (m *Manager) MarkIncluded(ctx context.Context, bundleID string, block uint64) error {
	_, err := m.transition(ctx, bundleID, StatusIncluded, block)
	return err
}

// MarkExpired records that the target block passed without inclusion
func (m *Manager) MarkExpired(ctx context.Context, bundleID string) error {
	_, err := m.transition(ctx, bundleID, StatusExpired, 0)
	return err
}

// transition applies a forward status change under the bundle lock. A bundle that already
// reached a final status is returned unchanged.
func (m *Manager) transition(ctx context.Context, bundleID string, status BundleStatus, includedBlock uint64) (*Bundle, error) {
	unlock := m.locks.Lock(bundleID)
	defer unlock()

	bundle, err := m.store.GetBundle(ctx, bundleID)
	if errors.Is(err, ErrBundleNotFound) {
		return nil, svcerr.NotFound("Bundle not found")
	} else if err != nil {
		return nil, svcerr.Internal(err)
	}
	if !bundle.Status.CanTransition(status) {
		return bundle, nil
	}

	_ = bundle.setStatus(status)
	if status == StatusIncluded {
		bundle.IncludedBlock = &includedBlock
		metrics.IncBundlesIncluded()
	} else if status == StatusExpired {
		metrics.IncBundlesExpired()
	}
	if err := m.store.UpdateBundle(ctx, bundle); err != nil {
		m.log.Error("Failed to update bundle status", zap.Error(err), zap.String("bundle", bundleID))
		return nil, svcerr.Internal(err)
	}
	m.log.Debug("Bundle status changed", zap.String("bundle", bundleID), zap.String("status", string(status)))
	return bundle, nil
}

// GetBundleHistory pages through the bundles of user newest first, unknown users get an empty page
func (m *Manager) GetBundleHistory(ctx context.Context, user common.Address, limit, page int) ([]*Bundle, error) {
	limit, offset := pagination(limit, page)
	bundles, err := m.store.GetUserBundles(ctx, user, limit, offset)
	if err != nil {
		m.log.Error("Failed to load bundle history", zap.Error(err))
		return nil, svcerr.Internal(err)
	}
	if bundles == nil {
		bundles = []*Bundle{}
	}
	return bundles, nil
}

func (m *Manager) getOwnedBundle(ctx context.Context, bundleID string, user common.Address) (*Bundle, error) {
	bundle, err := m.store.GetBundle(ctx, bundleID)
	if errors.Is(err, ErrBundleNotFound) {
		return nil, svcerr.NotFound("Bundle not found")
	} else if err != nil {
		m.log.Error("Failed to load bundle", zap.Error(err), zap.String("bundle", bundleID))
		return nil, svcerr.Internal(err)
	}
	if bundle.UserAddress != user {
		return nil, svcerr.Unauthorized("Not authorized to access this bundle")
	}
	return bundle, nil
}

func pagination(limit, page int) (int, int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}

func decimalFromBig(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}

// totalValue sums the value transferred by the bundle transactions, entries that do not decode
// as signed transactions carry no value
func totalValue(txs []Transaction) decimal.Decimal {
	total := new(big.Int)
	for _, tx := range txs {
		data, err := hexutil.Decode(tx.RawTransaction)
		if err != nil {
			continue
		}
		var decoded types.Transaction
		if err := decoded.UnmarshalBinary(data); err != nil {
			continue
		}
		total.Add(total, decoded.Value())
	}
	return decimal.NewFromBigInt(total, 0)
}
