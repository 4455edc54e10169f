package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/Polkadex-Substrate/Polkadex-sub004/cmd/internal/passphrase"
	"github.com/Polkadex-Substrate/Polkadex-sub004/config"
	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
	"github.com/Polkadex-Substrate/Polkadex-sub004/ledger"
	"github.com/Polkadex-Substrate/Polkadex-sub004/observability/logging"
	"github.com/Polkadex-Substrate/Polkadex-sub004/observability/otel"
	"github.com/Polkadex-Substrate/Polkadex-sub004/p2p"
	"github.com/Polkadex-Substrate/Polkadex-sub004/recovery"
	"github.com/Polkadex-Substrate/Polkadex-sub004/rpc"
	"github.com/Polkadex-Substrate/Polkadex-sub004/runtime"
	"github.com/Polkadex-Substrate/Polkadex-sub004/storage"
	"github.com/Polkadex-Substrate/Polkadex-sub004/worker"
)

const serviceName = "obsyncd"

// store bundles the pieces shared by start and export-recovery.
type store struct {
	db      storage.Database
	ledger  *ledger.Ledger
	runtime runtime.Runtime
}

func openStore(cfg *config.Config) (*store, error) {
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.Node.DataDir, "state")
	if cfg.Node.DBBackend == "bolt" {
		dbPath += ".db"
	}
	db, err := storage.Open(cfg.Node.DBBackend, dbPath)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	rt, err := runtime.New(runtime.Config{
		Kind:         cfg.Runtime.Kind,
		GenesisPath:  cfg.Runtime.GenesisPath,
		Driver:       cfg.Runtime.Driver,
		DSN:          cfg.Runtime.DSN,
		PollInterval: cfg.Runtime.PollInterval.Duration(),
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &store{db: db, ledger: l, runtime: rt}, nil
}

func (s *store) Close() error {
	return errors.Join(s.runtime.Close(), s.db.Close())
}

// loadKeys decrypts the node key and, on validators, resolves the BLS key.
func loadKeys(cfg *config.Config, pass *passphrase.Source) (*crypto.PrivateKey, *crypto.BLSSecretKey, error) {
	secret, err := pass.Get()
	if err != nil {
		return nil, nil, err
	}
	key, created, err := crypto.LoadOrCreateKeystore(cfg.Node.KeystorePath, secret)
	if err != nil {
		return nil, nil, fmt.Errorf("load node key: %w", err)
	}
	if created {
		slog.Info("Generated node key", slog.String("address", key.PubKey().Address().String()))
	}
	if !cfg.Node.Validator {
		return key, nil, nil
	}
	if cfg.Node.BLSKeyPath == "" {
		bls, err := crypto.DeriveBLSKey(key)
		return key, bls, err
	}
	bls, err := readBLSSeed(cfg.Node.BLSKeyPath)
	if err != nil {
		return nil, nil, err
	}
	return key, bls, nil
}

func readBLSSeed(path string) (*crypto.BLSSecretKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bls seed: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode bls seed %s: %w", path, err)
	}
	return crypto.BLSKeyFromSeed(seed)
}

type node struct {
	cfg       *config.Config
	store     *store
	p2p       *p2p.Server
	worker    *worker.Worker
	rpc       *rpc.Server
	telemetry func(context.Context) error
	logger    *slog.Logger
}

func newNode(ctx context.Context, cfg *config.Config, key *crypto.PrivateKey, bls *crypto.BLSSecretKey) (*node, error) {
	shutdown, err := otel.Init(ctx, otel.Config{
		ServiceName: serviceName,
		Environment: cfg.Log.Environment,
		InstanceID:  key.PubKey().Address().String(),
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     mergeHeaders(cfg.Telemetry.Headers, otel.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	server := p2p.NewServer(key, p2p.ServerConfig{
		ListenAddress:    cfg.P2P.ListenAddress,
		NetworkID:        cfg.P2P.NetworkID,
		ClientVersion:    serviceName + "/" + Version,
		MaxPeers:         cfg.P2P.MaxPeers,
		Bootnodes:        cfg.P2P.Bootnodes,
		DNSSeeds:         cfg.P2P.DNSSeeds,
		DNSServer:        cfg.P2P.DNSServer,
		ReadTimeout:      cfg.P2P.ReadTimeout.Duration(),
		WriteTimeout:     cfg.P2P.WriteTimeout.Duration(),
		HandshakeTimeout: cfg.P2P.HandshakeTimeout.Duration(),
		MaxMessageBytes:  cfg.P2P.MaxMessageBytes,
		RateMsgsPerSec:   cfg.P2P.RateMsgsPerSec,
		RateBurst:        cfg.P2P.RateBurst,
	})

	w, err := worker.New(worker.Config{
		OperatorKey:      key,
		BLSKey:           bls,
		TickInterval:     cfg.Worker.TickInterval.Duration(),
		RequestTimeout:   cfg.Worker.RequestTimeout.Duration(),
		MaxBuffered:      cfg.Worker.MaxBuffered,
		ChunkSize:        cfg.Worker.ChunkSize,
		EarlyPartials:    cfg.Worker.EarlyPartials,
		ActionCacheSize:  cfg.Worker.ActionCacheSize,
		MaxBlocksPerStep: cfg.Worker.MaxBlocksPerStep,
	}, st.ledger, st.db, st.runtime, server)
	if err != nil {
		_ = st.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	api, err := rpc.NewServer(w, recovery.NewService(st.ledger, st.runtime), rpc.Config{
		ListenAddress:  cfg.RPC.ListenAddress,
		MaxConnections: cfg.RPC.MaxConnections,
		RateLimit:      cfg.RPC.RateLimit,
		RateBurst:      cfg.RPC.RateBurst,
		JWTSecret:      cfg.JWTSecret(),
		JWTIssuer:      cfg.RPC.JWTIssuer,
		JWTAudience:    cfg.RPC.JWTAudience,
		JWTLeeway:      cfg.RPC.JWTLeeway.Duration(),
		ReadTimeout:    cfg.RPC.ReadTimeout.Duration(),
	})
	if err != nil {
		_ = st.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	return &node{
		cfg:       cfg,
		store:     st,
		p2p:       server,
		worker:    w,
		rpc:       api,
		telemetry: shutdown,
		logger:    slog.Default().With(slog.String("component", "node")),
	}, nil
}

func mergeHeaders(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// run blocks until ctx is cancelled or a component fails. A fatal worker
// error is returned so the process exits non-zero.
func (n *node) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := n.p2p.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 3)
	running := 2
	go func() { errCh <- n.worker.Run(ctx) }()
	go func() { errCh <- n.rpc.ListenAndServe(ctx) }()

	if addr := n.cfg.RPC.GRPCListenAddress; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			drain(errCh, running)
			return fmt.Errorf("grpc: listen %s: %w", addr, err)
		}
		gs := n.rpc.NewGRPCServer()
		running++
		go func() { errCh <- gs.Serve(ln) }()
		go func() {
			<-ctx.Done()
			gs.GracefulStop()
		}()
		n.logger.Info("gRPC server listening", slog.String("address", ln.Addr().String()))
	}

	var first error
	for i := 0; i < running; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, context.Canceled) && first == nil {
			first = err
			n.logger.Error("Component stopped", slog.Any("error", err))
		}
		cancel()
	}
	return first
}

func drain(errCh <-chan error, n int) {
	for i := 0; i < n; i++ {
		<-errCh
	}
}

func (n *node) close() error {
	ctx := context.Background()
	return errors.Join(n.p2p.Close(), n.store.Close(), n.telemetry(ctx))
}

func setupLogging(cfg *config.Config) *slog.Logger {
	return logging.Setup(serviceName, cfg.Log.Environment, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
}
