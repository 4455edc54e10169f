package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/gossip"
	"github.com/Polkadex-Substrate/Polkadex-sub004/ledger"
	"github.com/Polkadex-Substrate/Polkadex-sub004/runtime"
	"github.com/Polkadex-Substrate/Polkadex-sub004/snapshot"
	"github.com/Polkadex-Substrate/Polkadex-sub004/storage/trie"
)

type earlyKey struct {
	snapshot uint64
	index    int
}

func signerOrigin(setID uint64, index int) string {
	return fmt.Sprintf("set/%d/signer/%d", setID, index)
}

// boundary reports whether the step from before to after crosses a snapshot
// interval. Intervals are counted from genesis, so every replica cuts at the
// same nonces no matter when it applies them.
func boundary(intervals types.SnapshotIntervals, before, after ledger.Progress) bool {
	if n := intervals.Nonces; n > 0 && after.WorkerNonce/n > before.WorkerNonce/n {
		return true
	}
	if b := intervals.Blocks; b > 0 && after.LastProcessedBlock/b > before.LastProcessedBlock/b {
		return true
	}
	return false
}

func (w *Worker) signs() bool { return w.cfg.BLSKey != nil }

// recordBoundary runs after every applied nonce. A validator keeps the
// position and root of each crossed boundary as a checkpoint candidate until
// a summary covering it is finalized.
func (w *Worker) recordBoundary(before ledger.Progress, nonce uint64) error {
	if nonce != w.scanned+1 {
		return nil
	}
	w.scanned = nonce
	if !w.signs() || nonce <= w.latest.WorkerNonce {
		return nil
	}
	after := w.ledger.Progress()
	if !boundary(w.intervals, before, after) {
		return nil
	}
	return w.addCandidate(w.ledger.Root(), after)
}

func (w *Worker) addCandidate(root common.Hash, pos ledger.Progress) error {
	if err := w.ledger.Pin(root); err != nil {
		return &FatalError{Err: fmt.Errorf("pin checkpoint root: %w", err)}
	}
	w.candidates = append(w.candidates, snapshot.Summary{
		StateRoot:          root,
		StateChangeID:      pos.Stid,
		WorkerNonce:        pos.WorkerNonce,
		LastProcessedBlock: pos.LastProcessedBlock,
	})
	w.logger.Debug("Snapshot boundary",
		slog.Uint64("worker_nonce", pos.WorkerNonce),
		slog.Uint64("block", pos.LastProcessedBlock),
		slog.Int("queued", len(w.candidates)))
	return nil
}

// discardCandidates releases candidates a finalized summary already covers.
func (w *Worker) discardCandidates() {
	kept := w.candidates[:0]
	for _, c := range w.candidates {
		if c.WorkerNonce <= w.latest.WorkerNonce {
			w.ledger.Unpin(c.StateRoot)
			continue
		}
		kept = append(kept, c)
	}
	w.candidates = kept
}

// rederive rebuilds the candidates between the latest finalized summary and
// the head by replaying the action log on the finalized root, e.g. after a
// restart. Missing log entries are requested from peers first.
func (w *Worker) rederive() error {
	head := w.ledger.Progress()
	if w.scanned >= head.WorkerNonce {
		return nil
	}
	base := w.latest
	if !w.signs() || w.intervals == (types.SnapshotIntervals{}) || head.WorkerNonce <= base.WorkerNonce {
		w.scanned = head.WorkerNonce
		return nil
	}
	w.scanned = max(w.scanned, base.WorkerNonce)

	actions, missing, err := w.loggedActions(base.WorkerNonce+1, head.WorkerNonce)
	if err != nil {
		return err
	}
	if missing > 0 {
		w.requestBackfill(missing, head.WorkerNonce)
		return nil
	}
	from := ledger.Progress{
		WorkerNonce:        base.WorkerNonce,
		Stid:               base.StateChangeID,
		LastProcessedBlock: base.LastProcessedBlock,
	}
	scanned, queued := w.scanned, len(w.candidates)
	err = w.ledger.Replay(base.StateRoot, from, actions, func(before, after ledger.Progress, root common.Hash) error {
		if after.WorkerNonce <= scanned || !boundary(w.intervals, before, after) {
			return nil
		}
		return w.addCandidate(root, after)
	})
	if errors.Is(err, trie.ErrMissingNode) {
		w.logger.Warn("Finalized root is gone, skipping checkpoints up to the head",
			slog.Uint64("snapshot_id", base.SnapshotID),
			slog.Uint64("worker_nonce", head.WorkerNonce))
		w.scanned = head.WorkerNonce
		return nil
	}
	if err != nil {
		return err
	}
	w.scanned = head.WorkerNonce
	w.logger.Info("Rebuilt checkpoint candidates",
		slog.Uint64("from", scanned+1),
		slog.Uint64("to", head.WorkerNonce),
		slog.Int("candidates", len(w.candidates)-queued))
	return nil
}

// loggedActions reads [from, to] from the action log. missing is the first
// nonce the log lacks, zero when the range is complete.
func (w *Worker) loggedActions(from, to uint64) (actions []*types.OrderedAction, missing uint64, err error) {
	for n := from; n <= to; {
		batch, err := w.actions.Range(n, to)
		if err != nil {
			return nil, 0, err
		}
		if len(batch) == 0 {
			return nil, n, nil
		}
		actions = append(actions, batch...)
		n += uint64(len(batch))
	}
	return actions, 0, nil
}

// maybeCheckpoint starts aggregating the oldest candidate once no summary is
// pending. Only one summary is pending at a time.
func (w *Worker) maybeCheckpoint(ctx context.Context) error {
	w.discardCandidates()
	if w.pending != nil || w.state == StateUninitialized || !w.signs() || len(w.candidates) == 0 {
		return nil
	}
	index, ok := w.set.IndexOf(w.cfg.BLSKey.PublicKey())
	if !ok {
		return nil
	}

	base := w.latest
	summary := w.candidates[0]
	var withdrawals []types.Withdrawal
	for _, wd := range w.ledger.PendingWithdrawals() {
		if wd.Stid > base.StateChangeID && wd.Stid <= summary.StateChangeID {
			withdrawals = append(withdrawals, wd)
		}
	}
	summary.SnapshotID = base.SnapshotID + 1
	summary.Withdrawals = withdrawals
	agg, err := snapshot.NewAggregator(summary, w.set)
	if err != nil {
		return err
	}
	w.candidates = w.candidates[1:]
	w.pending = &pendingCheckpoint{agg: agg, root: summary.StateRoot}
	w.logger.Info("Snapshot cut",
		slog.Uint64("snapshot_id", summary.SnapshotID),
		slog.Uint64("worker_nonce", summary.WorkerNonce),
		slog.Uint64("stid", summary.StateChangeID),
		slog.Int("withdrawals", len(withdrawals)),
		slog.String("root", summary.StateRoot.Hex()))

	if err := w.signPending(ctx, index); err != nil {
		return err
	}
	if w.pending == nil {
		return nil
	}
	return w.drainEarly(ctx)
}

// signPending adds and broadcasts this node's partial for the pending summary.
func (w *Worker) signPending(ctx context.Context, index int) error {
	summary := w.pending.agg.Summary()
	digest := w.pending.agg.Digest()
	own := &gossip.SnapshotPartialSignature{
		SnapshotID:  summary.SnapshotID,
		Digest:      digest,
		WorkerNonce: summary.WorkerNonce,
		SignerIndex: index,
		Signature:   w.cfg.BLSKey.Sign(digest.Bytes()),
	}
	return w.addPartial(ctx, own, true)
}

func (w *Worker) onPartial(ctx context.Context, p *gossip.SnapshotPartialSignature) error {
	if w.rebroadcast.Expired(signerOrigin(w.set.SetID, p.SignerIndex), p.WorkerNonce) {
		w.metrics.partials.WithLabelValues("stale").Inc()
		return nil
	}
	if w.pending == nil || p.SnapshotID != w.pending.agg.Summary().SnapshotID {
		if p.SnapshotID > w.latest.SnapshotID {
			w.early.Add(earlyKey{snapshot: p.SnapshotID, index: p.SignerIndex}, p)
			w.metrics.partials.WithLabelValues("early").Inc()
		}
		return nil
	}
	return w.addPartial(ctx, p, false)
}

// addPartial records a partial for the pending summary, keeps it in the
// rebroadcast cache and submits once quorum is reached.
func (w *Worker) addPartial(ctx context.Context, p *gossip.SnapshotPartialSignature, own bool) error {
	added, err := w.pending.agg.Add(p.SignerIndex, p.Digest, p.Signature)
	if err != nil {
		w.metrics.partials.WithLabelValues("invalid").Inc()
		w.logger.Debug("Dropping partial signature",
			slog.Uint64("snapshot_id", p.SnapshotID),
			slog.Int("signer", p.SignerIndex),
			slog.Any("error", err))
		return nil
	}
	if !added {
		w.metrics.partials.WithLabelValues("duplicate").Inc()
		return nil
	}
	w.metrics.partials.WithLabelValues("accepted").Inc()
	msg, err := gossip.Encode(p)
	if err != nil {
		return err
	}
	w.rebroadcast.Put(signerOrigin(w.set.SetID, p.SignerIndex), p.SnapshotID, p.WorkerNonce, msg)
	if own {
		if err := w.transport.Broadcast(msg); err != nil {
			w.logger.Debug("Partial signature broadcast failed", slog.Any("error", err))
		}
	}
	w.logger.Debug("Partial signature added",
		slog.Uint64("snapshot_id", p.SnapshotID),
		slog.Int("signer", p.SignerIndex),
		slog.Int("signers", w.pending.agg.Signers()))
	return w.tryFinalize(ctx)
}

func (w *Worker) drainEarly(ctx context.Context) error {
	id := w.pending.agg.Summary().SnapshotID
	for _, k := range w.early.Keys() {
		key := k.(earlyKey)
		if key.snapshot != id {
			continue
		}
		v, ok := w.early.Peek(key)
		w.early.Remove(key)
		if !ok {
			continue
		}
		if err := w.addPartial(ctx, v.(*gossip.SnapshotPartialSignature), false); err != nil {
			return err
		}
		if w.pending == nil {
			return nil
		}
	}
	return nil
}

// tryFinalize submits the pending summary once it has quorum. Submission
// failures keep the aggregate so the next tick retries.
func (w *Worker) tryFinalize(ctx context.Context) error {
	if w.pending == nil || !w.pending.agg.HasQuorum() {
		return nil
	}
	if w.pending.signed == nil {
		signed, err := w.pending.agg.Finalize()
		if err != nil {
			return err
		}
		w.pending.signed = &signed
	}
	summary := *w.pending.signed
	err := w.runtime.SubmitSnapshot(ctx, summary)
	switch {
	case err == nil:
		w.metrics.submissions.WithLabelValues("finalized").Inc()
		if err := w.adoptFinalized(summary); err != nil {
			return err
		}
		return w.maybeCheckpoint(ctx)
	case errors.Is(err, runtime.ErrSnapshotConflict), errors.Is(err, runtime.ErrSnapshotOutOfOrder):
		w.metrics.submissions.WithLabelValues("superseded").Inc()
		w.logger.Warn("Snapshot superseded on chain",
			slog.Uint64("snapshot_id", summary.SnapshotID),
			slog.Any("error", err))
		w.dropPending()
		return w.syncFinalized(ctx)
	default:
		w.metrics.submissions.WithLabelValues("failed").Inc()
		return fmt.Errorf("worker: submit snapshot %d: %w", summary.SnapshotID, err)
	}
}

func (w *Worker) dropPending() {
	if w.pending == nil {
		return
	}
	w.ledger.Unpin(w.pending.root)
	w.pending = nil
}

// adoptFinalized moves the latest finalized pointer forward, pins its root for
// bulk serving and releases everything older.
func (w *Worker) adoptFinalized(summary snapshot.Summary) error {
	if summary.SnapshotID <= w.latest.SnapshotID {
		return nil
	}
	pinned := false
	if p := w.pending; p != nil {
		if p.agg.Summary().SnapshotID == summary.SnapshotID && p.root == summary.StateRoot {
			pinned = true
			w.pending = nil
		} else {
			w.dropPending()
		}
	}
	if !pinned {
		pinned = w.ledger.Pin(summary.StateRoot) == nil
	}
	if w.servable {
		w.ledger.Unpin(w.latest.StateRoot)
	}
	w.latest = summary
	w.servable = pinned
	if w.scanned < summary.WorkerNonce && w.ledger.Progress().WorkerNonce >= summary.WorkerNonce {
		w.scanned = summary.WorkerNonce
	}
	w.discardCandidates()

	if _, err := w.ledger.Prune(); err != nil {
		return err
	}
	if err := w.ledger.ClearWithdrawals(summary.StateChangeID); err != nil {
		return err
	}
	w.rebroadcast.Advance(summary.WorkerNonce)
	if summary.WorkerNonce > w.highestSeen {
		w.highestSeen = summary.WorkerNonce
	}
	for _, k := range w.early.Keys() {
		if k.(earlyKey).snapshot <= summary.SnapshotID {
			w.early.Remove(k)
		}
	}
	w.metrics.snapshotID.Set(float64(summary.SnapshotID))
	w.publish()
	w.notify(summary)
	w.logger.Info("Snapshot finalized",
		slog.Uint64("snapshot_id", summary.SnapshotID),
		slog.Uint64("worker_nonce", summary.WorkerNonce),
		slog.Int("signers", summary.SignerBitmap.Count()),
		slog.Bool("servable", pinned))
	return nil
}

// pinLatest pins the finalized root once the ledger reaches it, so a node that
// learned about a snapshot ahead of its state can serve it later.
func (w *Worker) pinLatest() {
	if w.servable || w.latest.SnapshotID == 0 {
		return
	}
	if w.ledger.Root() != w.latest.StateRoot {
		return
	}
	w.servable = w.ledger.Pin(w.latest.StateRoot) == nil
}

// rekeyPending carries the pending summary over to a rotated validator set.
// Partials whose index still resolves to the same key survive; this node signs
// again under its index in the new set.
func (w *Worker) rekeyPending(ctx context.Context, previous types.ValidatorSet) error {
	p := w.pending
	if p == nil {
		return nil
	}
	dropped := p.agg.Rekey(w.set)
	p.signed = nil
	summary := p.agg.Summary()
	for _, i := range dropped {
		w.rebroadcast.MarkProcessed(signerOrigin(previous.SetID, i), summary.WorkerNonce)
	}
	w.logger.Info("Pending snapshot moved to rotated set",
		slog.Uint64("snapshot_id", summary.SnapshotID),
		slog.Int("kept", p.agg.Signers()),
		slog.Int("dropped", len(dropped)))
	if index, ok := w.set.IndexOf(w.cfg.BLSKey.PublicKey()); ok {
		if err := w.signPending(ctx, index); err != nil {
			return err
		}
	}
	if w.pending == nil {
		return nil
	}
	if err := w.drainEarly(ctx); err != nil {
		return err
	}
	return w.tryFinalize(ctx)
}

// syncFinalized follows finalizations made by other validators and picks up
// validator set rotations.
func (w *Worker) syncFinalized(ctx context.Context) error {
	latest, err := w.runtime.GetLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("worker: latest snapshot: %w", err)
	}
	if err := w.adoptFinalized(latest); err != nil {
		return err
	}
	set, err := w.runtime.ValidatorSet(ctx)
	if err != nil {
		return fmt.Errorf("worker: validator set: %w", err)
	}
	if set.Len() > 0 && set.SetID != w.set.SetID {
		w.logger.Info("Validator set rotated",
			slog.Uint64("from", w.set.SetID),
			slog.Uint64("to", set.SetID),
			slog.Int("validators", set.Len()))
		previous := w.set
		w.set = set
		if err := w.rekeyPending(ctx, previous); err != nil {
			return err
		}
	}
	intervals, err := w.runtime.GetSnapshotGenerationIntervals(ctx)
	if err != nil {
		return fmt.Errorf("worker: snapshot intervals: %w", err)
	}
	w.intervals = intervals
	return nil
}
