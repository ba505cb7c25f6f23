package protect

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/swap-protect-node/blockqueue"
	"github.com/flashbots/swap-protect-node/metrics"
	"github.com/flashbots/swap-protect-node/relay"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// receipts of the target block may show up late, the tracker keeps looking for this many blocks
const inclusionGraceBlocks = 2

type trackItem struct {
	BundleID    string      `json:"bundleId"`
	TargetBlock uint64      `json:"targetBlock"`
	TxHash      common.Hash `json:"txHash"`
}

// StatusUpdater receives the outcome of a tracked bundle
type StatusUpdater interface {
	MarkIncluded(ctx context.Context, bundleID string, block uint64) error
	MarkExpired(ctx context.Context, bundleID string) error
}

// InclusionTracker checks submitted bundles once their target block was mined
type InclusionTracker struct {
	log     *zap.Logger
	queue   blockqueue.Queue
	chain   relay.InclusionChecker
	updater StatusUpdater
}

func NewInclusionTracker(log *zap.Logger, queue blockqueue.Queue, chain relay.InclusionChecker, updater StatusUpdater) *InclusionTracker {
	return &InclusionTracker{
		log:     log.Named("tracker"),
		queue:   queue,
		chain:   chain,
		updater: updater,
	}
}

// Track schedules the check for the block after the bundle target
func (t *InclusionTracker) Track(ctx context.Context, bundle *Bundle) error {
	if len(bundle.Transactions) == 0 {
		return nil
	}
	txHash, err := relay.TxHash(bundle.Transactions[0].RawTransaction)
	if err != nil {
		return err
	}
	data, err := json.Marshal(trackItem{BundleID: bundle.ID, TargetBlock: bundle.TargetBlock, TxHash: txHash})
	if err != nil {
		return err
	}
	err = t.queue.Push(ctx, data, bundle.TargetBlock+1, bundle.TargetBlock+1+inclusionGraceBlocks)
	if errors.Is(err, blockqueue.ErrQueueFull) {
		metrics.IncTrackQueueFull()
	}
	return err
}

// Start runs workers rate limited to limit receipt lookups per second
func (t *InclusionTracker) Start(ctx context.Context, workers int, limit rate.Limit) *sync.WaitGroup {
	return t.queue.StartProcessLoop(ctx, blockqueue.MultipleWorkers(t.Process, workers, limit, workers))
}

func (t *InclusionTracker) Process(ctx context.Context, data []byte, info blockqueue.ItemInfo) error {
	var item trackItem
	if err := json.Unmarshal(data, &item); err != nil {
		t.log.Error("Failed to unmarshal tracked bundle", zap.Error(err))
		return blockqueue.ErrProcessUnrecoverable
	}
	logger := t.log.With(zap.String("bundle", item.BundleID))

	block, found, err := t.chain.TransactionBlock(ctx, item.TxHash)
	if err != nil {
		logger.Warn("Failed to get receipt", zap.Error(err))
		return errors.Join(err, blockqueue.ErrProcessWorkerError)
	}

	switch {
	case found && block == item.TargetBlock:
		err = t.updater.MarkIncluded(ctx, item.BundleID, block)
		logger.Info("Bundle included", zap.Uint64("block", block))
	case found:
		// the transaction landed outside of the bundle
		err = t.updater.MarkExpired(ctx, item.BundleID)
		logger.Info("Bundle transaction included in another block", zap.Uint64("block", block), zap.Uint64("targetBlock", item.TargetBlock))
	case !info.LastBlock():
		return blockqueue.ErrProcessScheduleNextBlock
	default:
		err = t.updater.MarkExpired(ctx, item.BundleID)
		logger.Info("Bundle expired", zap.Uint64("targetBlock", item.TargetBlock))
	}
	if err != nil {
		logger.Error("Failed to update bundle status", zap.Error(err))
		return errors.Join(err, blockqueue.ErrProcessWorkerError)
	}
	return nil
}
