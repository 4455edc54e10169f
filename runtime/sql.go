package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Polkadex-Substrate/Polkadex-sub004/core/types"
	"github.com/Polkadex-Substrate/Polkadex-sub004/crypto"
	"github.com/Polkadex-Substrate/Polkadex-sub004/snapshot"
)

const defaultPollInterval = 2 * time.Second

type chainRow struct {
	ID             uint `gorm:"primaryKey"`
	Operator       string
	ValidatorSetID uint64
	BlocksInterval uint64
	NoncesInterval uint64
	FinalizedBlock uint64
}

func (chainRow) TableName() string { return "ob_chain" }

type validatorRow struct {
	Position int `gorm:"primaryKey;autoIncrement:false"`
	Account  string
	BLSKey   string
}

func (validatorRow) TableName() string { return "ob_validators" }

type accountRow struct {
	Main    string `gorm:"primaryKey"`
	Proxies string
}

func (accountRow) TableName() string { return "ob_accounts" }

type assetRow struct {
	ID string `gorm:"primaryKey"`
}

func (assetRow) TableName() string { return "ob_assets" }

type snapshotRow struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement:false"`
	Body []byte
}

func (snapshotRow) TableName() string { return "ob_snapshots" }

type ingressRow struct {
	ID    uint   `gorm:"primaryKey"`
	Block uint64 `gorm:"index"`
	Body  []byte
}

func (ingressRow) TableName() string { return "ob_ingress" }

// SQL reads a host chain mirrored into a relational database. An indexer
// owns the tables; RecordBlock and Seed exist for devnets and tests.
type SQL struct {
	db     *gorm.DB
	notify chan types.FinalityNotification
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// OpenSQL connects with the configured driver, migrates the schema and starts
// polling for finality.
func OpenSQL(cfg Config) (*SQL, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("runtime: unsupported sql driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("runtime: open database: %w", err)
	}
	if err := db.AutoMigrate(&chainRow{}, &validatorRow{}, &accountRow{}, &assetRow{}, &snapshotRow{}, &ingressRow{}); err != nil {
		return nil, fmt.Errorf("runtime: migrate: %w", err)
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &SQL{
		db:     db,
		notify: make(chan types.FinalityNotification, notificationBuffer),
		cancel: cancel,
		logger: slog.Default().With(slog.String("component", "runtime-sql")),
	}
	if cfg.GenesisPath != "" {
		genesis, err := LoadGenesis(cfg.GenesisPath)
		if err != nil {
			cancel()
			return nil, err
		}
		if err := s.Seed(ctx, genesis); err != nil {
			cancel()
			return nil, err
		}
	}
	s.wg.Add(1)
	go s.poll(ctx, interval)
	return s, nil
}

func (s *SQL) poll(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	defer close(s.notify)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var announced uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		row, err := s.chain(ctx)
		if err != nil {
			s.logger.Warn("Finality poll failed", slog.Any("error", err))
			continue
		}
		if row.FinalizedBlock <= announced {
			continue
		}
		select {
		case s.notify <- types.FinalityNotification{Block: row.FinalizedBlock}:
			announced = row.FinalizedBlock
		case <-ctx.Done():
			return
		}
	}
}

func (s *SQL) chain(ctx context.Context) (chainRow, error) {
	var row chainRow
	err := s.db.WithContext(ctx).First(&row, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chainRow{ID: 1}, nil
	}
	return row, err
}

// Seed writes genesis rows, replacing any existing chain metadata.
func (s *SQL) Seed(ctx context.Context, g *Genesis) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := chainRow{
			ID:             1,
			Operator:       g.Operator.String(),
			ValidatorSetID: g.ValidatorSet.SetID,
			BlocksInterval: g.Intervals.Blocks,
			NoncesInterval: g.Intervals.Nonces,
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
		if err := tx.Where("1 = 1").Delete(&validatorRow{}).Error; err != nil {
			return err
		}
		for i, v := range g.ValidatorSet.Validators {
			if err := tx.Create(&validatorRow{Position: i, Account: v.Account.String(), BLSKey: hexutil.Encode(v.BLSKey)}).Error; err != nil {
				return err
			}
		}
		for _, a := range g.Accounts {
			if err := upsertAccount(tx, a); err != nil {
				return err
			}
		}
		for _, asset := range g.Assets {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&assetRow{ID: string(asset)}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordBlock mirrors one finalized block and its orderbook ingress.
func (s *SQL) RecordBlock(ctx context.Context, block uint64, msgs []types.IngressMessage) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.FirstOrCreate(&chainRow{}, chainRow{ID: 1}).Error; err != nil {
			return err
		}
		for _, msg := range msgs {
			body, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := tx.Create(&ingressRow{Block: block, Body: body}).Error; err != nil {
				return err
			}
			if err := applyRegistry(tx, msg); err != nil {
				return err
			}
		}
		return tx.Model(&chainRow{}).Where("id = ? AND finalized_block < ?", 1, block).
			Update("finalized_block", block).Error
	})
}

func applyRegistry(tx *gorm.DB, msg types.IngressMessage) error {
	if msg.Kind != types.IngressRegisterMain && msg.Kind != types.IngressAddProxy {
		return nil
	}
	var row accountRow
	err := tx.First(&row, "main = ?", msg.Main.String()).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if msg.Kind == types.IngressAddProxy {
			return nil
		}
		row = accountRow{Main: msg.Main.String()}
	case err != nil:
		return err
	}
	entry, err := row.decode()
	if err != nil {
		return err
	}
	if !msg.Proxy.IsZero() {
		entry.Proxies = appendProxy(entry.Proxies, msg.Proxy)
	}
	return upsertAccount(tx, entry)
}

func upsertAccount(tx *gorm.DB, a types.AccountProxies) error {
	proxies := make([]string, len(a.Proxies))
	for i, p := range a.Proxies {
		proxies[i] = p.String()
	}
	row := accountRow{Main: a.Main.String(), Proxies: strings.Join(proxies, ",")}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (r accountRow) decode() (types.AccountProxies, error) {
	main, err := crypto.DecodeAddress(r.Main)
	if err != nil {
		return types.AccountProxies{}, fmt.Errorf("runtime: account row: %w", err)
	}
	out := types.AccountProxies{Main: main}
	if r.Proxies == "" {
		return out, nil
	}
	for _, p := range strings.Split(r.Proxies, ",") {
		proxy, err := crypto.DecodeAddress(p)
		if err != nil {
			return types.AccountProxies{}, fmt.Errorf("runtime: account row proxy: %w", err)
		}
		out.Proxies = append(out.Proxies, proxy)
	}
	return out, nil
}

func (s *SQL) ValidatorSet(ctx context.Context) (types.ValidatorSet, error) {
	chain, err := s.chain(ctx)
	if err != nil {
		return types.ValidatorSet{}, fmt.Errorf("runtime: read chain: %w", err)
	}
	var rows []validatorRow
	if err := s.db.WithContext(ctx).Order("position").Find(&rows).Error; err != nil {
		return types.ValidatorSet{}, fmt.Errorf("runtime: read validators: %w", err)
	}
	set := types.ValidatorSet{SetID: chain.ValidatorSetID}
	for _, row := range rows {
		account, err := crypto.DecodeAddress(row.Account)
		if err != nil {
			return types.ValidatorSet{}, fmt.Errorf("runtime: validator %d: %w", row.Position, err)
		}
		key, err := hexutil.Decode(row.BLSKey)
		if err != nil {
			return types.ValidatorSet{}, fmt.Errorf("runtime: validator %d: %w", row.Position, err)
		}
		set.Validators = append(set.Validators, types.Validator{Account: account, BLSKey: key})
	}
	return set, nil
}

func (s *SQL) Operator(ctx context.Context) (types.AccountID, error) {
	chain, err := s.chain(ctx)
	if err != nil {
		return types.AccountID{}, fmt.Errorf("runtime: read chain: %w", err)
	}
	if chain.Operator == "" {
		return types.AccountID{}, nil
	}
	return crypto.DecodeAddress(chain.Operator)
}

func (s *SQL) GetLatestSnapshot(ctx context.Context) (snapshot.Summary, error) {
	var row snapshotRow
	err := s.db.WithContext(ctx).Order("id desc").Limit(1).Find(&row).Error
	if err != nil {
		return snapshot.Summary{}, fmt.Errorf("runtime: read latest snapshot: %w", err)
	}
	if row.ID == 0 {
		return snapshot.Summary{}, nil
	}
	return decodeSummary(row)
}

func (s *SQL) GetSnapshotByID(ctx context.Context, id uint64) (*snapshot.Summary, error) {
	return s.snapshotByID(s.db.WithContext(ctx), id)
}

func (s *SQL) snapshotByID(tx *gorm.DB, id uint64) (*snapshot.Summary, error) {
	var row snapshotRow
	err := tx.First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runtime: read snapshot %d: %w", id, err)
	}
	summary, err := decodeSummary(row)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func decodeSummary(row snapshotRow) (snapshot.Summary, error) {
	var summary snapshot.Summary
	if err := json.Unmarshal(row.Body, &summary); err != nil {
		return snapshot.Summary{}, fmt.Errorf("runtime: decode snapshot %d: %w", row.ID, err)
	}
	return summary, nil
}

func (s *SQL) SubmitSnapshot(ctx context.Context, summary snapshot.Summary) error {
	set, err := s.ValidatorSet(ctx)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latestRow snapshotRow
		if err := tx.Order("id desc").Limit(1).Find(&latestRow).Error; err != nil {
			return err
		}
		latest := snapshot.Summary{}
		if latestRow.ID != 0 {
			if latest, err = decodeSummary(latestRow); err != nil {
				return err
			}
		}
		existing, err := s.snapshotByID(tx, summary.SnapshotID)
		if err != nil {
			return err
		}
		duplicate, err := checkSubmission(latest, existing, summary, set)
		if err != nil || duplicate {
			return err
		}
		body, err := json.Marshal(summary)
		if err != nil {
			return err
		}
		return tx.Create(&snapshotRow{ID: summary.SnapshotID, Body: body}).Error
	})
}

func (s *SQL) GetAllAccountsAndProxies(ctx context.Context) ([]types.AccountProxies, error) {
	var rows []accountRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("runtime: read accounts: %w", err)
	}
	out := make([]types.AccountProxies, 0, len(rows))
	for _, row := range rows {
		entry, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Main.String() < out[j].Main.String() })
	return out, nil
}

func (s *SQL) GetAllowlistedAssets(ctx context.Context) ([]types.AssetID, error) {
	var rows []assetRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("runtime: read assets: %w", err)
	}
	out := make([]types.AssetID, len(rows))
	for i, row := range rows {
		out[i] = types.AssetID(row.ID)
	}
	return out, nil
}

func (s *SQL) GetSnapshotGenerationIntervals(ctx context.Context) (types.SnapshotIntervals, error) {
	chain, err := s.chain(ctx)
	if err != nil {
		return types.SnapshotIntervals{}, fmt.Errorf("runtime: read chain: %w", err)
	}
	return types.SnapshotIntervals{Blocks: chain.BlocksInterval, Nonces: chain.NoncesInterval}, nil
}

func (s *SQL) IngressMessages(ctx context.Context, block uint64) ([]types.IngressMessage, error) {
	var rows []ingressRow
	if err := s.db.WithContext(ctx).Where("block = ?", block).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("runtime: read ingress for block %d: %w", block, err)
	}
	out := make([]types.IngressMessage, 0, len(rows))
	for _, row := range rows {
		var msg types.IngressMessage
		if err := json.Unmarshal(row.Body, &msg); err != nil {
			return nil, fmt.Errorf("runtime: decode ingress %d: %w", row.ID, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *SQL) FinalityNotifications() <-chan types.FinalityNotification { return s.notify }

// Close stops the poller and releases the connection pool.
func (s *SQL) Close() error {
	s.cancel()
	s.wg.Wait()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
