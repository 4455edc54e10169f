package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
	"github.com/Polkadex-Substrate/Polkadex-sub004/gossip"
	"github.com/Polkadex-Substrate/Polkadex-sub004/ledger"
	"github.com/Polkadex-Substrate/Polkadex-sub004/p2p"
	"github.com/Polkadex-Substrate/Polkadex-sub004/runtime"
	"github.com/Polkadex-Substrate/Polkadex-sub004/snapshot"
	"github.com/Polkadex-Substrate/Polkadex-sub004/storage"
)

const (
	defaultTickInterval     = time.Second
	defaultMaxBuffered      = 4096
	defaultEarlyPartials    = 256
	defaultMaxBlocksPerStep = 64
)

// Config tunes a Worker. The zero value is usable for a follower node.
type Config struct {
	// OperatorKey makes the node the sequencer when it matches the runtime
	// operator.
	OperatorKey *crypto.PrivateKey
	// BLSKey signs snapshot partials. Nodes without one never sign.
	BLSKey *crypto.BLSSecretKey

	TickInterval     time.Duration
	RequestTimeout   time.Duration
	MaxBuffered      int
	ChunkSize        int
	EarlyPartials    int
	ActionCacheSize  int
	MaxBlocksPerStep uint64
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = gossip.DefaultRequestTimeout
	}
	if c.MaxBuffered <= 0 {
		c.MaxBuffered = defaultMaxBuffered
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = snapshot.DefaultChunkSize
	}
	if c.EarlyPartials <= 0 {
		c.EarlyPartials = defaultEarlyPartials
	}
	if c.MaxBlocksPerStep == 0 {
		c.MaxBlocksPerStep = defaultMaxBlocksPerStep
	}
}

type pendingCheckpoint struct {
	agg    *snapshot.Aggregator
	root   common.Hash
	signed *snapshot.Summary
}

// Worker is the single writer of the ledger. Run multiplexes finality
// notifications, client submissions, gossip and a housekeeping tick; every
// field below the loop marker is touched only from Run.
type Worker struct {
	cfg         Config
	ledger      *ledger.Ledger
	runtime     runtime.Runtime
	transport   p2p.Transport
	actions     *gossip.ActionStore
	dispatcher  *gossip.Dispatcher
	validator   *gossip.Validator
	rebroadcast *gossip.RebroadcastCache
	progress    *Progress
	queue       *actionQueue
	early       *lru.Cache
	logger      *slog.Logger
	metrics     *workerMetrics

	done     chan struct{}
	doneOnce sync.Once

	subMu   sync.Mutex
	subs    map[int]chan snapshot.Summary
	nextSub int

	// loop
	state          State
	operator       types.AccountID
	sequencer      bool
	set            types.ValidatorSet
	intervals      types.SnapshotIntervals
	finalizedBlock uint64
	highestSeen    uint64
	buffer         map[uint64]*types.OrderedAction
	latest         snapshot.Summary
	servable       bool
	pending        *pendingCheckpoint
	candidates     []snapshot.Summary
	scanned        uint64
	wantID         string
	stidID         string
	bulk           *gossip.BulkAssembly
	announced      uint64
}

// New wires a worker around an opened ledger. db holds the action log and
// is usually the ledger's own database.
func New(cfg Config, l *ledger.Ledger, db storage.Database, rt runtime.Runtime, transport p2p.Transport) (*Worker, error) {
	cfg.applyDefaults()
	actions, err := gossip.NewActionStore(db, cfg.ActionCacheSize)
	if err != nil {
		return nil, err
	}
	early, err := lru.New(cfg.EarlyPartials)
	if err != nil {
		return nil, err
	}
	progress := &Progress{}
	w := &Worker{
		cfg:         cfg,
		ledger:      l,
		runtime:     rt,
		transport:   transport,
		actions:     actions,
		dispatcher:  gossip.NewDispatcher(transport, cfg.RequestTimeout),
		validator:   gossip.NewValidator(progress),
		rebroadcast: gossip.NewRebroadcastCache(),
		progress:    progress,
		queue:       newActionQueue(),
		early:       early,
		logger:      slog.Default().With(slog.String("component", "worker")),
		metrics:     newWorkerMetrics(),
		done:        make(chan struct{}),
		subs:        make(map[int]chan snapshot.Summary),
		buffer:      make(map[uint64]*types.OrderedAction),
	}
	w.publish()
	return w, nil
}

// Progress returns the lock-protected read handle on the worker position.
func (w *Worker) Progress() *Progress { return w.progress }

// Status is shorthand for Progress().Status().
func (w *Worker) Status() Status { return w.progress.Status() }

// LatestSummary returns the latest finalized summary known to the worker.
func (w *Worker) LatestSummary() snapshot.Summary { return w.progress.LatestSummary() }

// Ledger returns the ledger the worker writes. Readers must use View.
func (w *Worker) Ledger() *ledger.Ledger { return w.ledger }

// Run drives the worker until ctx is cancelled or a fatal error occurs. A
// fatal error is returned as *FatalError; cancellation returns nil.
func (w *Worker) Run(ctx context.Context) error {
	defer w.doneOnce.Do(func() { close(w.done) })
	defer w.dispatcher.Close()
	defer w.closeSubscribers()

	finality := w.runtime.FinalityNotifications()
	inbound := w.transport.Inbound()
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	pos := w.ledger.Progress()
	w.logger.Info("Worker started",
		slog.Uint64("worker_nonce", pos.WorkerNonce),
		slog.String("root", w.ledger.Root().Hex()))

	for {
		var err error
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopping", slog.Any("reason", ctx.Err()))
			return nil
		case n, ok := <-finality:
			if !ok {
				finality = nil
				continue
			}
			err = w.handleFinality(ctx, n)
		case <-w.queue.ready:
			err = w.handleSubmissions(ctx)
		case env := <-inbound:
			err = w.handleGossip(ctx, env)
		case <-ticker.C:
			err = w.handleTick(ctx)
		}
		if err == nil {
			continue
		}
		if isFatal(err) {
			return w.stop(err)
		}
		if ctx.Err() == nil {
			w.logger.Warn("Worker step failed", slog.Any("error", err))
		}
	}
}

func (w *Worker) stop(err error) error {
	w.setState(StateStopped)
	w.logger.Error("Worker stopped on fatal error, operator intervention required", slog.Any("error", err))
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return fatal
	}
	return &FatalError{Err: err}
}

// Submit hands a client action to the loop and waits for the outcome. A nonce
// of zero asks the sequencer to assign the next position.
func (w *Worker) Submit(ctx context.Context, a *types.OrderedAction) error {
	if w.progress.State() != StateLive {
		return ErrEndpointNotReady
	}
	if err := a.Action.Validate(); err != nil {
		return err
	}
	if a.Nonce != 0 {
		if err := a.Verify(w.progress.Operator()); err != nil {
			return err
		}
	}
	reply := make(chan error, 1)
	w.queue.push(submission{action: a, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrStopped
	}
}

// Subscribe streams finalized summaries. Slow subscribers miss summaries
// rather than block the worker. The returned func cancels the subscription.
func (w *Worker) Subscribe(buffer int) (<-chan snapshot.Summary, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	w.subMu.Lock()
	defer w.subMu.Unlock()
	id := w.nextSub
	w.nextSub++
	ch := make(chan snapshot.Summary, buffer)
	if w.subs == nil {
		close(ch)
		return ch, func() {}
	}
	w.subs[id] = ch
	return ch, func() {
		w.subMu.Lock()
		defer w.subMu.Unlock()
		if c, ok := w.subs[id]; ok {
			delete(w.subs, id)
			close(c)
		}
	}
}

func (w *Worker) notify(summary snapshot.Summary) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- summary:
		default:
		}
	}
}

func (w *Worker) closeSubscribers() {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	for id, ch := range w.subs {
		delete(w.subs, id)
		close(ch)
	}
	w.subs = nil
}

func (w *Worker) handleFinality(ctx context.Context, n types.FinalityNotification) error {
	if n.Block > w.finalizedBlock {
		w.finalizedBlock = n.Block
	}
	if w.state == StateUninitialized {
		if err := w.bootstrap(ctx); err != nil {
			return err
		}
	}
	w.publish()
	if w.sequencer && w.state == StateLive {
		return w.importBlocks(ctx)
	}
	return nil
}

func (w *Worker) handleSubmissions(ctx context.Context) error {
	items := w.queue.drain()
	for i, s := range items {
		err := w.submitOne(ctx, s.action)
		if err != nil && isFatal(err) {
			s.reply <- ErrStopped
			for _, rest := range items[i+1:] {
				rest.reply <- ErrStopped
			}
			return err
		}
		s.reply <- err
	}
	if len(items) > 0 && w.state != StateUninitialized {
		w.afterApply()
	}
	return nil
}

func (w *Worker) submitOne(ctx context.Context, a *types.OrderedAction) error {
	if w.state != StateLive {
		return ErrEndpointNotReady
	}
	if a.Nonce == 0 {
		if !w.sequencer {
			return ErrNotSequencer
		}
		return w.sequence(ctx, a.Action)
	}
	if err := a.Verify(w.operator); err != nil {
		w.metrics.actions.WithLabelValues("unauthenticated").Inc()
		return err
	}
	err := w.accept(ctx, a, "")
	if errors.Is(err, ErrStaleAction) {
		return nil
	}
	return err
}

// accept applies a verified action, buffering it when it is ahead of the
// next expected nonce.
func (w *Worker) accept(ctx context.Context, a *types.OrderedAction, peer string) error {
	if a.Nonce > w.highestSeen {
		w.highestSeen = a.Nonce
	}
	next := w.ledger.Progress().WorkerNonce + 1
	switch {
	case a.Nonce < next:
		w.metrics.actions.WithLabelValues("stale").Inc()
		return ErrStaleAction
	case a.Nonce > next:
		w.bufferAction(a)
		w.requestGap(peer)
		return nil
	}
	applyErr := w.applyOne(ctx, a)
	if applyErr != nil && !ledger.IsRejection(applyErr) {
		return applyErr
	}
	if err := w.drainBuffer(ctx); err != nil {
		return err
	}
	return applyErr
}

// applyOne applies the next action, logs it and checks for a snapshot
// boundary. Rejections still consume the nonce and are returned.
func (w *Worker) applyOne(ctx context.Context, a *types.OrderedAction) error {
	before := w.ledger.Progress()
	root, err := w.ledger.Apply(a)
	switch {
	case err == nil:
		w.metrics.actions.WithLabelValues("applied").Inc()
	case ledger.IsRejection(err):
		w.metrics.actions.WithLabelValues("rejected").Inc()
		w.logger.Info("Action rejected",
			slog.Uint64("nonce", a.Nonce),
			slog.String("type", string(a.Action.Type)),
			slog.Any("reason", err))
	case errors.Is(err, ledger.ErrStaleNonce):
		return ErrStaleAction
	default:
		return err
	}
	if perr := w.actions.Put(a); perr != nil {
		return perr
	}
	delete(w.buffer, a.Nonce)
	w.metrics.nonce.Set(float64(a.Nonce))
	w.logger.Debug("Action applied", slog.Uint64("nonce", a.Nonce), slog.String("root", root.Hex()))
	w.pinLatest()
	if berr := w.recordBoundary(before, a.Nonce); berr != nil {
		return berr
	}
	if cerr := w.maybeCheckpoint(ctx); cerr != nil {
		return cerr
	}
	return err
}

func (w *Worker) drainBuffer(ctx context.Context) error {
	for {
		next := w.ledger.Progress().WorkerNonce + 1
		a, ok := w.buffer[next]
		if !ok {
			break
		}
		if err := w.applyOne(ctx, a); err != nil && !ledger.IsRejection(err) {
			return err
		}
	}
	for n := range w.buffer {
		if n <= w.ledger.Progress().WorkerNonce {
			delete(w.buffer, n)
		}
	}
	w.metrics.buffered.Set(float64(len(w.buffer)))
	return nil
}

func (w *Worker) bufferAction(a *types.OrderedAction) {
	if _, ok := w.buffer[a.Nonce]; !ok && len(w.buffer) >= w.cfg.MaxBuffered {
		w.metrics.actions.WithLabelValues("overflow").Inc()
		return
	}
	w.buffer[a.Nonce] = a
	w.metrics.actions.WithLabelValues("buffered").Inc()
	w.metrics.buffered.Set(float64(len(w.buffer)))
}

// afterApply publishes the new position, announces it and keeps catching up.
func (w *Worker) afterApply() {
	w.publish()
	w.announce(false)
	w.checkLive()
	w.catchUp()
}

func (w *Worker) handleTick(ctx context.Context) error {
	if w.state == StateUninitialized {
		return w.bootstrap(ctx)
	}
	for _, id := range w.dispatcher.Expire() {
		switch {
		case id == w.wantID:
			w.wantID = ""
		case id == w.stidID:
			w.stidID = ""
		case w.bulk != nil && id == w.bulk.ID():
			w.bulk = nil
		}
	}
	if err := w.syncFinalized(ctx); err != nil {
		return err
	}
	if err := w.rederive(); err != nil {
		return err
	}
	if err := w.tryFinalize(ctx); err != nil {
		return err
	}
	if err := w.maybeCheckpoint(ctx); err != nil {
		return err
	}
	if w.sequencer && w.state == StateLive {
		if err := w.importBlocks(ctx); err != nil {
			return err
		}
	}
	w.rebroadcast.Rebroadcast(w.transport)
	w.catchUp()
	w.announce(true)
	w.checkLive()
	w.publish()
	return nil
}

// bootstrap leaves Uninitialized once a finalized block and a non-empty
// validator set exist.
func (w *Worker) bootstrap(ctx context.Context) error {
	if w.finalizedBlock == 0 {
		return nil
	}
	set, err := w.runtime.ValidatorSet(ctx)
	if err != nil {
		return fmt.Errorf("worker: validator set: %w", err)
	}
	if set.Len() == 0 {
		w.logger.Debug("Waiting for a registered validator set")
		return nil
	}
	operator, err := w.runtime.Operator(ctx)
	if err != nil {
		return fmt.Errorf("worker: operator: %w", err)
	}
	intervals, err := w.runtime.GetSnapshotGenerationIntervals(ctx)
	if err != nil {
		return fmt.Errorf("worker: snapshot intervals: %w", err)
	}
	latest, err := w.runtime.GetLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("worker: latest snapshot: %w", err)
	}

	w.set, w.operator, w.intervals = set, operator, intervals
	if w.cfg.OperatorKey != nil {
		w.sequencer = w.cfg.OperatorKey.PubKey().Address() == operator
		if !w.sequencer {
			w.logger.Warn("Operator key does not match the runtime operator, following instead",
				slog.String("operator", operator.String()))
		}
	}
	pos := w.ledger.Progress()
	w.highestSeen = max(w.highestSeen, pos.WorkerNonce, latest.WorkerNonce)
	w.progress.update(func(p *Progress) { p.operator = operator })
	w.setState(StateSyncing)
	w.logger.Info("Worker initialized",
		slog.Uint64("validator_set", set.SetID),
		slog.Int("validators", set.Len()),
		slog.Bool("sequencer", w.sequencer),
		slog.Uint64("latest_snapshot", latest.SnapshotID))

	if latest.SnapshotID > 0 {
		if err := w.adoptFinalized(latest); err != nil {
			return err
		}
	}
	if err := w.rederive(); err != nil {
		return err
	}
	w.afterApply()
	if w.sequencer && w.state == StateLive {
		return w.importBlocks(ctx)
	}
	return nil
}

func (w *Worker) checkLive() {
	if w.state != StateSyncing || w.bulk != nil || w.needsBulk() {
		return
	}
	pos := w.ledger.Progress()
	if pos.WorkerNonce < w.highestSeen {
		return
	}
	w.setState(StateLive)
	w.logger.Info("Worker live", slog.Uint64("worker_nonce", pos.WorkerNonce))
}

func (w *Worker) needsBulk() bool {
	return w.ledger.IsEmpty() && w.latest.WorkerNonce > 0
}

func (w *Worker) setState(s State) {
	w.state = s
	w.metrics.state.Set(float64(s))
	w.progress.update(func(p *Progress) { p.state = s })
}

func (w *Worker) publish() {
	pos := w.ledger.Progress()
	root := w.ledger.Root()
	var pendingID uint64
	if w.pending != nil {
		pendingID = w.pending.agg.Summary().SnapshotID
	}
	w.progress.update(func(p *Progress) {
		p.state = w.state
		p.position = pos
		p.root = root
		p.finalized = w.latest
		p.block = w.finalizedBlock
		p.highest = w.highestSeen
		p.pending = pendingID
		p.scanned = w.scanned
	})
}
