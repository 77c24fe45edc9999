package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ferrumserver/ferrum/business/sys/metrics"
	"github.com/ferrumserver/ferrum/foundation/indexer/chain"
	"github.com/ferrumserver/ferrum/foundation/indexer/index"
)

// RunPollCycle performs one reconciliation pass against the node: bring
// the index to the node tip, then the unconfirmed view, notifying
// subscribers along the way. The worker calls this on every poll tick
// and it must not run concurrently with itself.
func (s *State) RunPollCycle(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cycles.Add(1)

	remote, err := s.fetchRemoteTip(ctx)
	if err != nil {
		s.setPhase(Degraded)
		s.lastError.Store(err.Error())
		return err
	}

	if local := s.index.Tip(); local.Hash != remote.Hash {
		if err := s.syncChain(ctx, local, remote); err != nil {
			s.lastError.Store(err.Error())
			return err
		}
	}

	s.setPhase(Synchronized)

	if err := s.syncMempool(ctx); err != nil {
		s.lastError.Store(err.Error())
		return fmt.Errorf("mempool: %w", err)
	}

	s.lastError.Store("")
	s.lastPoll.Store(time.Now().UnixNano())

	return nil
}

// fetchRemoteTip asks the node for its best block, retrying a bounded
// number of times with a growing backoff before giving up on the cycle.
func (s *State) fetchRemoteTip(ctx context.Context) (chain.Tip, error) {
	var lastErr error
	backoff := retryBackoff

	for attempt := 1; attempt <= tipRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return chain.Tip{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		remote, err := s.upstream.BestBlock(ctx)
		if err == nil {
			return remote, nil
		}

		lastErr = err
		s.evHandler("state: poll: tip fetch attempt %d: %s", attempt, err)
	}

	return chain.Tip{}, fmt.Errorf("tip fetch: %w", lastErr)
}

// syncChain reconciles the confirmed index with the node chain. A node
// hash that differs at our height, or a node tip below ours, means the
// chain we indexed is no longer the best one.
func (s *State) syncChain(ctx context.Context, local chain.Tip, remote chain.Tip) error {
	s.setPhase(CatchingUp)

	if !local.IsZero() {
		forked := local.Height > remote.Height

		if !forked {
			nodeHash, err := s.upstream.BlockHash(ctx, local.Height)
			if err != nil {
				return fmt.Errorf("check fork at %d: %w", local.Height, err)
			}
			forked = nodeHash != local.Hash
		}

		if forked {
			if err := s.reorg(ctx, remote); err != nil {
				return err
			}
		}
	}

	return s.extend(ctx, remote)
}

// extend walks the index tip forward to the remote tip, downloading and
// summarizing blocks in parallel windows while committing strictly in
// height order on this goroutine.
func (s *State) extend(ctx context.Context, remote chain.Tip) error {
	var reorgsSeen int

	for {
		next := int32(0)
		if local := s.index.Tip(); !local.IsZero() {
			next = local.Height + 1
		}
		if next > remote.Height {
			return nil
		}

		count := int(remote.Height - next + 1)
		if count > downloadWindow {
			count = downloadWindow
		}

		blocks, err := s.fetchWindow(ctx, next, count)
		if err != nil {
			return err
		}

		for i := range blocks {
			changed, err := s.index.ApplyBlock(&blocks[i])
			if err != nil {

				// The node reorganized under the download window. Roll
				// back and let the outer loop recompute the window.
				if errors.Is(err, index.ErrOutOfOrder) {
					reorgsSeen++
					if reorgsSeen > maxReorgsPerCycle {
						return fmt.Errorf("chain unstable, %d reorgs in one cycle", reorgsSeen)
					}
					if err := s.reorg(ctx, remote); err != nil {
						return err
					}
					break
				}

				s.critical("state: commit block %d: %s", blocks[i].Height, err)
				return fmt.Errorf("commit block %d: %w", blocks[i].Height, err)
			}

			metrics.BlockIndexed()
			s.notifyCommit(changed)
		}
	}
}

// fetchWindow downloads and summarizes a run of blocks through the work
// pool. The returned slice is ordered by height.
func (s *State) fetchWindow(ctx context.Context, start int32, count int) ([]chain.BlockData, error) {
	blocks := make([]chain.BlockData, count)
	errs := make([]error, count)

	var wg sync.WaitGroup

	for i := 0; i < count; i++ {
		height := start + int32(i)
		slot := i

		wg.Add(1)
		fn := func() {
			defer wg.Done()
			blocks[slot], errs[slot] = s.fetchBlock(ctx, height)
		}

		if !s.submit(ctx, "block-download", fn) {
			wg.Done()
			errs[slot] = fmt.Errorf("block %d: pool refused the download", height)
		}
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("window at %d: %w", start+int32(i), err)
		}
	}

	return blocks, nil
}

// fetchBlock downloads one block and reduces it for the index.
func (s *State) fetchBlock(ctx context.Context, height int32) (chain.BlockData, error) {
	hash, err := s.upstream.BlockHash(ctx, height)
	if err != nil {
		return chain.BlockData{}, err
	}

	block, err := s.upstream.Block(ctx, hash)
	if err != nil {
		return chain.BlockData{}, err
	}

	return chain.SummarizeBlock(height, block)
}

// submit hands a job to the pool, backing off briefly while the queue is
// full. A persistent refusal or a canceled context gives up.
func (s *State) submit(ctx context.Context, name string, fn func()) bool {
	backoff := submitBackoff

	for attempt := 0; attempt < submitRetries; attempt++ {
		if s.pool.Submit(name, fn) {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return s.pool.Submit(name, fn)
}

// =============================================================================

// reorg rolls the index back to the highest block still shared with the
// node chain. The extension that follows rebuilds from there. No shared
// block inside the undo window is unrecoverable and stops the process.
func (s *State) reorg(ctx context.Context, remote chain.Tip) error {
	s.setPhase(Reorg)
	s.reorgs.Add(1)

	local := s.index.Tip()
	s.evHandler("state: reorg: tip %d %s left the node chain", local.Height, local.Hash)

	start := local.Height
	if remote.Height < start {
		start = remote.Height
	}
	floor := local.Height - s.maxReorgDepth

	target := int32(-1)
	for h := start; h >= 0; h-- {
		if h < floor {
			s.critical("state: reorg: no common ancestor within %d blocks", s.maxReorgDepth)
			return fmt.Errorf("reorg deeper than %d blocks", s.maxReorgDepth)
		}

		_, localHash, err := s.index.Header(h)
		if err != nil {
			if errors.Is(err, index.ErrNotFound) {
				s.critical("state: reorg: fork below the indexed range at %d", h)
			}
			return fmt.Errorf("reorg: local header %d: %w", h, err)
		}

		nodeHash, err := s.upstream.BlockHash(ctx, h)
		if err != nil {
			return fmt.Errorf("reorg: node hash %d: %w", h, err)
		}

		if nodeHash == localHash {
			target = h
			break
		}
	}

	changed, err := s.index.RollbackToHeight(target)
	if err != nil {
		s.critical("state: reorg: rollback to %d: %s", target, err)
		return fmt.Errorf("rollback to %d: %w", target, err)
	}

	s.evHandler("state: reorg: rolled back to height %d, %d scripts touched", target, len(changed))
	s.notifyCommit(changed)

	return nil
}

// =============================================================================

// notifyCommit pushes fresh statuses for a committed or detached block:
// every touched script plus the header subscribers.
func (s *State) notifyCommit(changed []chain.ScriptHash) {
	keys := make([]chain.ScriptHash, 0, len(changed)+1)
	keys = append(keys, changed...)
	keys = append(keys, chain.HeadersKey)

	s.registry.Notify(keys, s.statusFor)
}

// critical reports a condition the process cannot continue from and
// triggers the configured shutdown.
func (s *State) critical(format string, args ...any) {
	s.evHandler("CRITICAL: "+format, args...)

	if s.fatalFunc != nil {
		s.fatalFunc()
	}
}
