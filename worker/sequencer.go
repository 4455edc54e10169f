package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/ledger"
)

// importBlocks turns the ingress of newly finalized host blocks into
// BlockImport actions. At most MaxBlocksPerStep blocks are imported per call.
func (w *Worker) importBlocks(ctx context.Context) error {
	from := w.ledger.Progress().LastProcessedBlock + 1
	if from > w.finalizedBlock {
		return nil
	}
	to := min(w.finalizedBlock, from+w.cfg.MaxBlocksPerStep-1)
	for block := from; block <= to; block++ {
		msgs, err := w.runtime.IngressMessages(ctx, block)
		if err != nil {
			return fmt.Errorf("worker: ingress of block %d: %w", block, err)
		}
		action := types.Action{
			Type:        types.ActionBlockImport,
			BlockImport: &types.BlockImport{Block: block, Deposits: types.TranslateIngress(msgs)},
		}
		if err := w.sequence(ctx, action); err != nil && !ledger.IsRejection(err) {
			return err
		}
		if len(msgs) > 0 {
			w.logger.Debug("Imported block", slog.Uint64("block", block), slog.Int("ingress", len(msgs)))
		}
	}
	w.afterApply()
	return nil
}

// sequence assigns the next nonce and stid to action, signs it with the
// operator key and applies it.
func (w *Worker) sequence(ctx context.Context, action types.Action) error {
	if err := action.Validate(); err != nil {
		return err
	}
	pos := w.ledger.Progress()
	a := &types.OrderedAction{
		Nonce:  pos.WorkerNonce + 1,
		Stid:   pos.Stid,
		Action: action,
	}
	if action.ChangesState() {
		a.Stid++
	}
	if err := a.Sign(w.cfg.OperatorKey); err != nil {
		return fmt.Errorf("worker: sign action %d: %w", a.Nonce, err)
	}
	if a.Nonce > w.highestSeen {
		w.highestSeen = a.Nonce
	}
	return w.applyOne(ctx, a)
}
