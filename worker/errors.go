package worker

import (
	"errors"
	"fmt"

	"github.com/Polkadex-Substrate/Polkadex-sub004/ledger"
	"github.com/Polkadex-Substrate/Polkadex-sub004/storage/trie"
)

var (
	// ErrEndpointNotReady is returned to clients while the worker is not live.
	ErrEndpointNotReady = errors.New("worker: endpoint not ready")
	// ErrStaleAction marks an action at or below the applied nonce.
	ErrStaleAction = errors.New("worker: action already applied")
	// ErrNotSequencer rejects unsequenced submissions on a node without the
	// operator key.
	ErrNotSequencer = errors.New("worker: node does not sequence actions")
	ErrStopped      = errors.New("worker: stopped")
)

// FatalError stops the worker. The ledger can no longer be trusted and an
// operator has to intervene.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("worker: fatal: %v", e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

func isFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal) ||
		errors.Is(err, trie.ErrCorrupt) ||
		errors.Is(err, ledger.ErrRootMismatch)
}
