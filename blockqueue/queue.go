// Package blockqueue is a redis backed queue of items scheduled by block number.
//
// Items are stored in one sorted set, the score is the first block the item may be
// processed at. Workers pop the lowest score; an item whose block is not reached yet is put
// back, an item whose last block passed is dropped.
//
// Usage:
//  1. Create a queue with `NewRedisQueue`.
//  2. Keep the block number current with `UpdateBlock` or `StartBlockUpdater`.
//  3. Start workers with `StartProcessLoop` and push items with `Push`.
//
// A ProcessFunc returns nil when done with an item, `ErrProcessScheduleNextBlock` to see it
// again on the next block, `ErrProcessWorkerError` to have it retried on the same block and
// `ErrProcessUnrecoverable` to drop it. Requeues are bounded by Config.MaxRetries.
//
// NOTE: an item held by a worker that crashes is lost, workers only hold the item they process.
package blockqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrBlockNumberIncorrect = errors.New("block number is invalid")
	ErrStaleItem            = errors.New("item is stale")
	ErrQueueFull            = errors.New("queue is full")
	ErrMaxRetriesReached    = errors.New("max retries reached")
	ErrNoNextBlock          = errors.New("failed to requeue item, no next block available")
	ErrRequeueFailed        = errors.New("item requeue failed")
)

// Errors returned by ProcessFunc.
var (
	// ErrProcessScheduleNextBlock is returned by ProcessFunc if item should be retried on the next block.
	ErrProcessScheduleNextBlock = errors.New("try to schedule item for the next block")
	// ErrProcessWorkerError is returned by ProcessFunc if item should be retried on the same block by a different worker.
	ErrProcessWorkerError = errors.New("worker error, retry processing on another worker")
	// ErrProcessUnrecoverable is returned by ProcessFunc if item should be dropped.
	ErrProcessUnrecoverable = errors.New("unrecoverable item")
)

type ItemInfo struct {
	Iteration      uint16
	MinTargetBlock uint64
	MaxTargetBlock uint64
	QueuedAt       time.Time
}

// LastBlock reports whether the item can not be scheduled for another block
func (i ItemInfo) LastBlock() bool {
	return i.MinTargetBlock >= i.MaxTargetBlock
}

type ProcessFunc func(ctx context.Context, data []byte, info ItemInfo) error

type Queue interface {
	UpdateBlock(block uint64) error
	Push(ctx context.Context, data []byte, minTargetBlock, maxTargetBlock uint64) error
	StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup
}

type RedisQueue struct {
	log          *zap.Logger
	red          *redis.Client
	currentBlock *uint64
	queueName    string

	Config Config
}

func NewRedisQueue(log *zap.Logger, red *redis.Client, queueName string, config Config) *RedisQueue {
	currentBlock := uint64(0)
	return &RedisQueue{
		log:          log.With(zap.String("queue", queueName)),
		red:          red,
		currentBlock: &currentBlock,
		queueName:    queueName,
		Config:       config,
	}
}

func (s *RedisQueue) CurrentBlock() uint64 {
	return atomic.LoadUint64(s.currentBlock)
}

func (s *RedisQueue) UpdateBlock(block uint64) error {
	current := atomic.LoadUint64(s.currentBlock)
	if current == block {
		return nil
	}
	if current > block {
		return ErrBlockNumberIncorrect
	}
	atomic.StoreUint64(s.currentBlock, block)
	return nil
}

func (s *RedisQueue) Push(ctx context.Context, data []byte, minTargetBlock, maxTargetBlock uint64) error {
	currentBlock := atomic.LoadUint64(s.currentBlock)

	if maxTargetBlock <= currentBlock {
		s.log.Debug("max target block is less than current block, skipping", zap.Uint64("max_target_block", maxTargetBlock), zap.Uint64("current_block", currentBlock))
		return ErrStaleItem
	}

	// items are processed on the next block at the earliest
	if nextBlock := currentBlock + 1; minTargetBlock < nextBlock {
		minTargetBlock = nextBlock
	}

	args := packArgs{
		data:           data,
		minTargetBlock: minTargetBlock,
		maxTargetBlock: maxTargetBlock,
		timestamp:      time.Now(),
	}
	if err := s.pushToQueue(ctx, args); err != nil {
		return err
	}
	s.log.Debug("pushed to queue", zap.Uint64("min_target_block", minTargetBlock), zap.Uint64("max_target_block", maxTargetBlock))
	return nil
}

func (s *RedisQueue) queuedItems(ctx context.Context) (uint64, error) {
	return s.red.ZCard(ctx, s.queueName).Uint64()
}

func (s *RedisQueue) pushToQueue(ctx context.Context, args packArgs) error {
	queued, err := s.queuedItems(ctx)
	if err != nil {
		s.log.Warn("failed to get queued items", zap.Error(err))
		return err
	}
	if queued >= s.Config.MaxQueuedItems {
		s.log.Error("too many items in the queue", zap.Uint64("queued", queued), zap.Uint64("max_queued_items", s.Config.MaxQueuedItems))
		return ErrQueueFull
	}

	score, member := packData(args)
	err = s.red.ZAdd(ctx, s.queueName, redis.Z{Score: score, Member: member}).Err()
	if err != nil {
		s.log.Debug("failed to push to queue", zap.Error(err))
	}
	return err
}

// popFromQueue blocks for up to 1 second waiting for an item
func (s *RedisQueue) popFromQueue(ctx context.Context) (packArgs, error) {
	value, err := s.red.BZPopMin(ctx, time.Second, s.queueName).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Error("failed to pop from queue", zap.Error(err))
		}
		return packArgs{}, err
	}

	member, ok := value.Member.(string)
	if !ok {
		s.log.Error("failed to pop from queue, invalid data type")
		return packArgs{}, errInvalidPackedData
	}

	args, err := unpackData(value.Score, []byte(member))
	if err != nil {
		s.log.Error("failed to unpack data", zap.Error(err))
		return packArgs{}, err
	}
	return args, nil
}

func (s *RedisQueue) processNextItem(ctx context.Context, process ProcessFunc) error {
	// requeue must not lose items, so it is retried for a while
	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = 4 * time.Second
	back := backoff.WithContext(exp, ctx)

	args, err := s.popFromQueue(ctx)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	nextBlock := atomic.LoadUint64(s.currentBlock) + 1

	// too early, put it back
	if nextBlock < args.minTargetBlock {
		return s.retryItem(ctx, args, false, false, back)
	}

	// late items are processed right away, as of the latest block they may still see
	if nextBlock > args.minTargetBlock {
		s.log.Debug("processing late item",
			zap.Uint64("next_block", nextBlock),
			zap.Uint64("min_target_block", args.minTargetBlock),
			zap.Uint64("max_target_block", args.maxTargetBlock))
		args.minTargetBlock = nextBlock
		if args.minTargetBlock > args.maxTargetBlock {
			args.minTargetBlock = args.maxTargetBlock
		}
	}

	workerCtx, workerCancel := context.WithTimeout(ctx, s.Config.WorkerTimeout)
	defer workerCancel()
	err = process(workerCtx, args.data, ItemInfo{
		Iteration:      args.iteration,
		MinTargetBlock: args.minTargetBlock,
		MaxTargetBlock: args.maxTargetBlock,
		QueuedAt:       args.timestamp,
	})

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrProcessWorkerError):
		s.log.Warn("worker failed to process item, retrying", zap.Error(err), zap.Uint16("iteration", args.iteration))
		if err := s.retryItem(ctx, args, true, false, back); err != nil {
			return err
		}
	case errors.Is(err, ErrProcessScheduleNextBlock):
		s.log.Debug("item scheduled for the next block",
			zap.Uint64("next_block", nextBlock),
			zap.Uint64("min_target_block", args.minTargetBlock),
			zap.Uint64("max_target_block", args.maxTargetBlock),
		)
		if err := s.retryItem(ctx, args, true, true, back); err != nil {
			return err
		}
	case errors.Is(err, ErrProcessUnrecoverable):
		s.log.Debug("dropping unrecoverable item", zap.Error(err))
	case err != nil:
		return err
	}
	s.log.Debug("processed queue item", zap.Uint16("iteration", args.iteration), zap.Duration("time_in_queue", time.Since(args.timestamp)))
	return nil
}

// StartProcessLoop spawns a goroutine per worker, cancel ctx to stop them.
// The returned WaitGroup is done once all workers returned.
func (s *RedisQueue) StartProcessLoop(ctx context.Context, workers []ProcessFunc) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, process := range workers {
		wg.Add(1)
		go func(process ProcessFunc) {
			defer wg.Done()

			exp := backoff.NewExponentialBackOff()
			exp.MaxInterval = 30 * time.Second
			exp.MaxElapsedTime = 2 * time.Minute
			back := backoff.WithContext(exp, ctx)
			for {
				select {
				case <-ctx.Done():
					return
				default:
					err := backoff.Retry(func() error {
						return s.processNextItem(ctx, process)
					}, back)
					if err != nil && !errors.Is(err, context.Canceled) {
						s.log.Error("Processing next element failed", zap.Error(err))
					}
				}
			}
		}(process)
	}
	return &wg
}

// StartBlockUpdater polls blockNumber every interval and advances the queue block
func (s *RedisQueue) StartBlockUpdater(ctx context.Context, blockNumber func(ctx context.Context) (uint64, error), interval time.Duration, wg *sync.WaitGroup) {
	if block, err := blockNumber(ctx); err != nil {
		s.log.Warn("Failed to get block number", zap.Error(err))
	} else {
		_ = s.UpdateBlock(block)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		back := backoff.NewExponentialBackOff()
		back.MaxInterval = 3 * time.Second
		back.MaxElapsedTime = 12 * time.Second

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := backoff.Retry(func() error {
					block, err := blockNumber(ctx)
					if err != nil {
						return err
					}
					return s.UpdateBlock(block)
				}, backoff.WithContext(back, ctx))
				if err != nil && !errors.Is(err, context.Canceled) {
					s.log.Error("Failed to update block number", zap.Error(err))
				}
			}
		}
	}()
}

func (s *RedisQueue) retryItem(ctx context.Context, args packArgs, incrIteration, incrBlock bool, back backoff.BackOff) error {
	if args.iteration >= s.Config.MaxRetries {
		return ErrMaxRetriesReached
	}

	if incrIteration {
		args.iteration++
	}
	if incrBlock {
		if args.minTargetBlock >= args.maxTargetBlock {
			return ErrNoNextBlock
		}
		args.minTargetBlock++
	}
	err := backoff.Retry(func() error {
		return s.pushToQueue(ctx, args)
	}, back)
	if err != nil {
		s.log.Error("failed to requeue item", zap.Error(err))
		return errors.Join(err, ErrRequeueFailed)
	}
	return nil
}

// CleanQueues removes all data in redis of this queue
// NOTE: only for tests
func (s *RedisQueue) CleanQueues(ctx context.Context) error {
	return s.red.Del(ctx, s.queueName).Err()
}
