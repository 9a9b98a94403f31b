// Package ingest implements C5: tailing the chain head, fetching new
// blocks with bounded parallelism, emitting normalized blocks and
// transactions strictly in height order, persisting a high-water mark,
// and deduplicating via sliding windows (spec §4.5).
package ingest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/walletwatch/walletwatch/internal/errs"
	"github.com/walletwatch/walletwatch/internal/models"
)

const (
	blockWindowSize   = 200
	txWindowSize      = 10000
	parallelFetchK    = 5
	saveInterval      = 10
	rereadThreshold   = 10
	pollInterval      = 1 * time.Second
)

// ChainReader is the subset of rpcfanout.Client the ingestor depends
// on, narrowed for testability.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetBlockByNumber(ctx context.Context, number uint64) (*models.Block, error)
}

// HighWaterMarkStore persists the single integer that is C5's
// recovery checkpoint (spec §3 LastProcessedBlock, §6).
type HighWaterMarkStore interface {
	// Load returns the persisted high-water mark, and ok=false if none
	// has ever been persisted.
	Load() (value uint64, ok bool, err error)
	Save(value uint64) error
}

// Ingestor owns the ingest loop's state. It is single-owner: the
// sliding windows and `expected` cursor are only ever touched by the
// goroutine running Run (spec §5 "Dedup sets ... owned by their
// respective single-owner tasks; no external access").
type Ingestor struct {
	chain ChainReader
	store HighWaterMarkStore
	log   *zap.Logger

	emit func(block *models.Block, tx *models.Transaction)

	expected     uint64
	blocksSeen   *blockWindow
	txSeen       *txWindow
	sinceLastPersist int
}

// New builds an Ingestor. emit is invoked once per deduplicated
// transaction, in strictly non-decreasing (block height, tx index)
// order (spec §5 Ordering guarantees).
func New(chain ChainReader, store HighWaterMarkStore, log *zap.Logger, emit func(block *models.Block, tx *models.Transaction)) *Ingestor {
	return &Ingestor{
		chain:      chain,
		store:      store,
		log:        log,
		emit:       emit,
		blocksSeen: newBlockWindow(blockWindowSize),
		txSeen:     newTxWindow(txWindowSize),
	}
}

// Start performs startup recovery (spec §4.5): load the persisted
// high-water mark; if missing, or if head minus persisted exceeds the
// reread threshold, rewind to head-10.
func (in *Ingestor) Start(ctx context.Context) error {
	head, err := in.chain.BlockNumber(ctx)
	if err != nil {
		return err
	}

	persisted, ok, err := in.store.Load()
	if err != nil {
		return errs.New(errs.CodePersistence, "load high-water mark", errs.Retryable, err)
	}

	switch {
	case !ok:
		in.expected = rewindFrom(head)
	case head > persisted && head-persisted > rereadThreshold:
		in.expected = rewindFrom(head)
	default:
		in.expected = persisted + 1
	}

	in.log.Info("ingest start", zap.Uint64("head", head), zap.Uint64("expected", in.expected))
	return nil
}

func rewindFrom(head uint64) uint64 {
	if head < rereadThreshold {
		return 0
	}
	return head - rereadThreshold
}

// Run executes the tail loop until ctx is cancelled (spec §4.5).
func (in *Ingestor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := in.tick(ctx); err != nil {
			in.log.Warn("ingest tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// tick runs one iteration of the loop: fetch head, clamp for
// reorg-shortened chains, fetch up to K blocks in parallel, process
// them strictly in order, persist periodically.
func (in *Ingestor) tick(ctx context.Context) error {
	head, err := in.chain.BlockNumber(ctx)
	if err != nil {
		// AllEndpointsFailed: the tick ends without advancing `expected`
		// (spec §7, §8 scenario 2).
		return err
	}

	if head < in.expected {
		in.expected = head
	}

	for in.expected <= head {
		batchEnd := in.expected + parallelFetchK - 1
		if batchEnd > head {
			batchEnd = head
		}

		blocks, err := in.fetchRange(ctx, in.expected, batchEnd)
		if err != nil {
			return err
		}

		advanced := in.processInOrder(blocks)
		if advanced == 0 {
			// First missing block in the batch; stop and retry next tick.
			return nil
		}
	}

	return nil
}

// fetchRange fetches heights [from, to] with up to parallelFetchK
// concurrent requests (spec §4.5 step 3).
func (in *Ingestor) fetchRange(ctx context.Context, from, to uint64) (map[uint64]*models.Block, error) {
	results := make(map[uint64]*models.Block)

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, parallelFetchK)

	var resultsMu sync.Mutex
	for h := from; h <= to; h++ {
		h := h
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			block, err := in.chain.GetBlockByNumber(gctx, h)
			if err != nil {
				return err
			}
			resultsMu.Lock()
			results[h] = block
			resultsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// processInOrder processes fetched blocks in strict ascending height
// order, stopping at the first missing block (spec §4.5 step 3), and
// returns the number of heights advanced past.
func (in *Ingestor) processInOrder(blocks map[uint64]*models.Block) int {
	advanced := 0
	for {
		block, ok := blocks[in.expected]
		if !ok {
			return advanced
		}
		if block == nil {
			// Height not yet available at any endpoint; stop here, retry
			// next tick.
			return advanced
		}

		in.processBlock(block)
		in.expected++
		advanced++
		delete(blocks, block.Number)

		in.sinceLastPersist++
		if in.sinceLastPersist >= saveInterval {
			if err := in.store.Save(in.expected); err != nil {
				in.log.Warn("persist high-water mark failed", zap.Error(err))
			}
			in.sinceLastPersist = 0
		}
	}
}

// processBlock applies the per-block dedup and emits each new
// transaction (spec §4.5 step 4).
func (in *Ingestor) processBlock(block *models.Block) {
	if in.blocksSeen.Contains(block.Number) {
		return
	}
	in.blocksSeen.Insert(block.Number)

	for _, tx := range block.Transactions {
		if in.txSeen.Contains(tx.Hash) {
			continue
		}
		in.txSeen.Insert(tx.Hash)
		in.emit(block, tx)
	}
}
