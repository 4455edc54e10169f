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
	"github.com/Polkadex-Substrate/Polkadex-sub004/p2p"
	"github.com/Polkadex-Substrate/Polkadex-sub004/storage"
)

func (w *Worker) handleGossip(ctx context.Context, env p2p.Envelope) error {
	payload, ok := w.validator.Admit(env)
	if !ok {
		return nil
	}
	switch p := payload.(type) {
	case *gossip.StateSyncRequest:
		actions, err := w.actions.Range(p.From, p.To)
		if err != nil {
			return err
		}
		return w.reply(env.Peer, &gossip.StateSyncResponse{ID: p.ID, Actions: actions}, len(actions))
	case *gossip.StidImportRequest:
		actions, err := w.actions.RangeByStid(p.From, p.To)
		if err != nil {
			return err
		}
		return w.reply(env.Peer, &gossip.StidImportResponse{ID: p.ID, Actions: actions}, len(actions))
	case *gossip.BulkStateRequest:
		return w.serveBulk(env.Peer, p)
	}

	if w.state == StateUninitialized {
		return nil
	}
	switch p := payload.(type) {
	case *gossip.HaveNonce:
		if p.Nonce > w.highestSeen {
			w.highestSeen = p.Nonce
		}
		w.catchUpFrom(env.Peer)
		w.publish()
		return nil
	case *gossip.StateSyncResponse:
		if err := w.answered(p.ID, env.Peer, &w.wantID); err != nil {
			return nil
		}
		return w.applyResponse(ctx, env.Peer, p.Actions)
	case *gossip.StidImportResponse:
		if err := w.answered(p.ID, env.Peer, &w.stidID); err != nil {
			return nil
		}
		return w.applyResponse(ctx, env.Peer, p.Actions)
	case *gossip.BulkStateResponse:
		return w.onBulkChunk(ctx, env.Peer, p)
	case *gossip.SnapshotPartialSignature:
		return w.onPartial(ctx, p)
	}
	return nil
}

func (w *Worker) reply(peer string, payload any, n int) error {
	if n == 0 {
		return nil
	}
	msg, err := gossip.Encode(payload)
	if err != nil {
		return err
	}
	if err := w.transport.SendTo(peer, msg); err != nil {
		w.logger.Debug("Sync reply failed", slog.String("peer", peer), slog.Any("error", err))
	}
	return nil
}

// answered closes the tracked request a response belongs to.
func (w *Worker) answered(id, peer string, slot *string) error {
	if err := w.dispatcher.Match(id, peer); err != nil {
		w.logger.Debug("Ignoring unsolicited response", slog.String("peer", peer), slog.Any("error", err))
		return err
	}
	w.dispatcher.Done(id)
	if *slot == id {
		*slot = ""
	}
	return nil
}

func (w *Worker) applyResponse(ctx context.Context, peer string, actions []*types.OrderedAction) error {
	for _, a := range actions {
		if err := a.Verify(w.operator); err != nil {
			w.metrics.actions.WithLabelValues("unauthenticated").Inc()
			w.logger.Warn("Dropping sync response with a bad signature",
				slog.String("peer", peer), slog.Uint64("nonce", a.Nonce), slog.Any("error", err))
			break
		}
		if a.Nonce <= w.ledger.Progress().WorkerNonce {
			if err := w.backfill(a); err != nil {
				return err
			}
			continue
		}
		err := w.accept(ctx, a, peer)
		if err != nil && !errors.Is(err, ErrStaleAction) && !ledger.IsRejection(err) {
			return err
		}
	}
	if err := w.rederive(); err != nil {
		return err
	}
	w.afterApply()
	return nil
}

// backfill logs an applied action missing from the action log, as after a
// ledger restored without its log.
func (w *Worker) backfill(a *types.OrderedAction) error {
	_, err := w.actions.Get(a.Nonce)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}
	w.metrics.actions.WithLabelValues("backfilled").Inc()
	return w.actions.Put(a)
}

// requestBackfill asks peers for logged actions in [from, to] that the node
// applied but no longer has.
func (w *Worker) requestBackfill(from, to uint64) {
	if w.wantID != "" || w.stidID != "" {
		return
	}
	to = min(to, from+gossip.MaxRange-1)
	id, err := w.dispatcher.Request("", func(id string) any {
		return &gossip.StateSyncRequest{ID: id, From: from, To: to}
	})
	if err != nil {
		w.logger.Debug("Backfill request not sent", slog.Uint64("from", from), slog.Any("error", err))
		return
	}
	w.wantID = id
	w.logger.Debug("Requested logged actions", slog.String("id", id), slog.Uint64("from", from), slog.Uint64("to", to))
}

// catchUp asks peers for whatever separates the ledger from the highest
// position seen.
func (w *Worker) catchUp() { w.catchUpFrom("") }

func (w *Worker) catchUpFrom(peer string) {
	if w.state == StateUninitialized || w.state == StateStopped {
		return
	}
	if w.needsBulk() {
		w.requestBulk()
		return
	}
	pos := w.ledger.Progress()
	if w.latest.StateChangeID > pos.Stid && !w.ledger.IsEmpty() && w.stidID == "" && w.wantID == "" {
		w.requestStids(peer, pos.Stid, w.latest.StateChangeID)
		return
	}
	w.requestGap(peer)
}

func (w *Worker) requestGap(peer string) {
	if w.wantID != "" || w.stidID != "" || w.bulk != nil || w.needsBulk() {
		return
	}
	from := w.ledger.Progress().WorkerNonce + 1
	if w.highestSeen < from {
		return
	}
	to := min(w.highestSeen, from+gossip.MaxRange-1)
	for n := range w.buffer {
		if n > from && n-1 < to {
			to = n - 1
		}
	}
	if _, ok := w.buffer[from]; ok {
		return
	}
	id, err := w.dispatcher.Request(peer, func(id string) any {
		return &gossip.StateSyncRequest{ID: id, From: from, To: to}
	})
	if err != nil {
		w.logger.Debug("State sync request not sent", slog.Uint64("from", from), slog.Uint64("to", to), slog.Any("error", err))
		return
	}
	w.wantID = id
	w.logger.Debug("Requested actions", slog.String("id", id), slog.Uint64("from", from), slog.Uint64("to", to))
}

func (w *Worker) requestStids(peer string, from, to uint64) {
	to = min(to, from+gossip.MaxRange-1)
	id, err := w.dispatcher.Request(peer, func(id string) any {
		return &gossip.StidImportRequest{ID: id, From: from, To: to}
	})
	if err != nil {
		w.logger.Debug("Stid import request not sent", slog.Any("error", err))
		return
	}
	w.stidID = id
	w.logger.Debug("Requested stid import", slog.String("id", id), slog.Uint64("from", from), slog.Uint64("to", to))
}

func (w *Worker) requestBulk() {
	if w.bulk != nil {
		return
	}
	root := w.latest.StateRoot
	id, err := w.dispatcher.Request("", func(id string) any {
		return &gossip.BulkStateRequest{ID: id, Root: root}
	})
	if err != nil {
		w.logger.Debug("Bulk state request not sent", slog.Any("error", err))
		return
	}
	w.bulk = gossip.NewBulkAssembly(id)
	w.logger.Info("Requested bulk state",
		slog.String("id", id),
		slog.Uint64("snapshot_id", w.latest.SnapshotID),
		slog.String("root", root.Hex()))
}

// announce gossips the applied position when it moved, or unconditionally on
// a tick so late joiners learn about it.
func (w *Worker) announce(force bool) {
	pos := w.ledger.Progress()
	if pos.WorkerNonce == 0 || (!force && pos.WorkerNonce == w.announced) {
		return
	}
	msg, err := gossip.Encode(&gossip.HaveNonce{Nonce: pos.WorkerNonce, Stid: pos.Stid, SnapshotID: w.latest.SnapshotID})
	if err != nil {
		return
	}
	if err := w.transport.Broadcast(msg); err != nil {
		w.logger.Debug("Announce failed", slog.Any("error", err))
		return
	}
	w.announced = pos.WorkerNonce
}

func (w *Worker) serveBulk(peer string, req *gossip.BulkStateRequest) error {
	if !w.servable || w.latest.SnapshotID == 0 {
		return nil
	}
	if req.Root != (common.Hash{}) && req.Root != w.latest.StateRoot {
		return nil
	}
	nodes, err := w.ledger.Export(w.latest.StateRoot)
	if err != nil {
		return fmt.Errorf("worker: export snapshot %d: %w", w.latest.SnapshotID, err)
	}
	responses, err := gossip.BulkResponses(req.ID, w.latest, nodes, w.cfg.ChunkSize)
	if err != nil {
		return err
	}
	for _, resp := range responses {
		msg, err := gossip.Encode(resp)
		if err != nil {
			return err
		}
		if err := w.transport.SendTo(peer, msg); err != nil {
			w.logger.Debug("Bulk state send failed", slog.String("peer", peer), slog.Any("error", err))
			return nil
		}
	}
	w.logger.Info("Served bulk state",
		slog.String("peer", peer),
		slog.Uint64("snapshot_id", w.latest.SnapshotID),
		slog.Int("chunks", len(responses)))
	return nil
}

func (w *Worker) onBulkChunk(ctx context.Context, peer string, resp *gossip.BulkStateResponse) error {
	if w.bulk == nil || resp.ID != w.bulk.ID() {
		return nil
	}
	if err := w.dispatcher.Match(resp.ID, peer); err != nil {
		return nil
	}
	complete, err := w.bulk.Add(resp)
	if err != nil {
		w.logger.Warn("Discarding bulk state transfer", slog.String("peer", peer), slog.Any("error", err))
		w.dispatcher.Done(resp.ID)
		w.bulk = nil
		return nil
	}
	if !complete {
		return nil
	}
	assembly := w.bulk
	w.bulk = nil
	w.dispatcher.Done(resp.ID)

	summary, nodes, err := assembly.Result()
	if err != nil {
		w.logger.Warn("Bulk state did not decode", slog.String("peer", peer), slog.Any("error", err))
		return nil
	}
	onchain, err := w.runtime.GetSnapshotByID(ctx, summary.SnapshotID)
	if err != nil {
		return fmt.Errorf("worker: snapshot %d: %w", summary.SnapshotID, err)
	}
	if onchain == nil || !onchain.SameContent(&summary) {
		w.logger.Warn("Bulk state summary is not finalized on chain",
			slog.String("peer", peer), slog.Uint64("snapshot_id", summary.SnapshotID))
		return nil
	}
	progress := ledger.Progress{
		WorkerNonce:        summary.WorkerNonce,
		Stid:               summary.StateChangeID,
		LastProcessedBlock: summary.LastProcessedBlock,
	}
	if err := w.ledger.Load(nodes, summary.StateRoot, progress, nil); err != nil {
		if errors.Is(err, ledger.ErrNotEmpty) {
			return nil
		}
		return &FatalError{Err: fmt.Errorf("bulk state for snapshot %d: %w", summary.SnapshotID, err)}
	}
	w.scanned = max(w.scanned, progress.WorkerNonce)
	if summary.SnapshotID > w.latest.SnapshotID {
		if err := w.adoptFinalized(summary); err != nil {
			return err
		}
	} else if !w.servable {
		w.servable = w.ledger.Pin(summary.StateRoot) == nil
	}
	w.afterApply()
	return nil
}
