// Package store persists advisory strategy snapshots.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"martingaleexecutor/src/ladder"
	"martingaleexecutor/src/model"
	"martingaleexecutor/src/repository"
)

// Record is the snapshot of one strategy key.
type Record struct {
	StrategyKey    string              `json:"strategy_key"`
	Symbol         string              `json:"symbol"`
	Direction      model.Direction     `json:"direction"`
	Params         ladder.Params       `json:"params"`
	AvgPrice       decimal.Decimal     `json:"avg_price"`
	PositionSize   decimal.Decimal     `json:"position_size"`
	AddCount       int                 `json:"add_count"`
	ExecutionMode  model.ExecutionMode `json:"execution_mode"`
	ActiveOrderIDs []string            `json:"active_order_ids"`
	UpdatedAt      time.Time           `json:"timestamp"`
}

type Backend interface {
	Save(ctx context.Context, accountID string, rec Record) error
	Load(ctx context.Context, accountID, strategyKey string) (*Record, error)
	LoadAll(ctx context.Context, accountID string) ([]Record, error)
}

// ----- DB backend -----

type DBBackend struct {
	repo *repository.StrategyStateRepository
}

func NewDBBackend(repo *repository.StrategyStateRepository) *DBBackend {
	return &DBBackend{repo: repo}
}

func (b *DBBackend) Save(ctx context.Context, accountID string, rec Record) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return b.repo.Upsert(ctx, &model.StrategyState{
		AccountID:      accountID,
		StrategyKey:    rec.StrategyKey,
		Symbol:         rec.Symbol,
		Direction:      rec.Direction,
		Params:         string(params),
		AvgPrice:       rec.AvgPrice,
		PositionSize:   rec.PositionSize,
		AddCount:       rec.AddCount,
		ExecutionMode:  rec.ExecutionMode,
		ActiveOrderIDs: strings.Join(rec.ActiveOrderIDs, ","),
		UpdatedAt:      rec.UpdatedAt,
	})
}

func (b *DBBackend) Load(ctx context.Context, accountID, strategyKey string) (*Record, error) {
	state, err := b.repo.FindByKey(ctx, accountID, strategyKey)
	if err != nil || state == nil {
		return nil, err
	}
	rec, err := fromState(*state)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *DBBackend) LoadAll(ctx context.Context, accountID string) ([]Record, error) {
	states, err := b.repo.FindByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(states))
	for _, s := range states {
		rec, err := fromState(s)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func fromState(s model.StrategyState) (Record, error) {
	rec := Record{
		StrategyKey:   s.StrategyKey,
		Symbol:        s.Symbol,
		Direction:     s.Direction,
		AvgPrice:      s.AvgPrice,
		PositionSize:  s.PositionSize,
		AddCount:      s.AddCount,
		ExecutionMode: s.ExecutionMode,
		UpdatedAt:     s.UpdatedAt,
	}
	if s.Params != "" {
		if err := json.Unmarshal([]byte(s.Params), &rec.Params); err != nil {
			return Record{}, fmt.Errorf("unmarshal params of %s: %w", s.StrategyKey, err)
		}
	}
	if s.ActiveOrderIDs != "" {
		rec.ActiveOrderIDs = strings.Split(s.ActiveOrderIDs, ",")
	}
	return rec, nil
}

// ----- file backend -----

// FileBackend keeps every strategy of an account in strategies_{account}.json.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

func (b *FileBackend) path(accountID string) string {
	return filepath.Join(b.dir, fmt.Sprintf("strategies_%s.json", accountID))
}

func (b *FileBackend) read(accountID string) (map[string]Record, error) {
	raw, err := os.ReadFile(b.path(accountID))
	if os.IsNotExist(err) {
		return map[string]Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	records := map[string]Record{}
	if len(raw) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.path(accountID), err)
	}
	return records, nil
}

func (b *FileBackend) Save(_ context.Context, accountID string, rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	records, err := b.read(accountID)
	if err != nil {
		return err
	}
	records[rec.StrategyKey] = rec

	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	// write-then-rename so a crash never leaves a truncated file
	tmp, err := os.CreateTemp(b.dir, ".strategies-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), b.path(accountID))
}

func (b *FileBackend) Load(_ context.Context, accountID, strategyKey string) (*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	records, err := b.read(accountID)
	if err != nil {
		return nil, err
	}
	rec, ok := records[strategyKey]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (b *FileBackend) LoadAll(_ context.Context, accountID string) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	records, err := b.read(accountID)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyKey < out[j].StrategyKey })
	return out, nil
}

// ----- snapshotter -----

// Snapshotter rate-limits writes per strategy key. Skipped records are kept
// as pending and written by Flush.
type Snapshotter struct {
	backend     Backend
	accountID   string
	minInterval time.Duration
	now         func() time.Time

	mu      sync.Mutex
	last    map[string]time.Time
	pending map[string]Record
}

func NewSnapshotter(backend Backend, accountID string, minInterval time.Duration) *Snapshotter {
	return &Snapshotter{
		backend:     backend,
		accountID:   accountID,
		minInterval: minInterval,
		now:         time.Now,
		last:        map[string]time.Time{},
		pending:     map[string]Record{},
	}
}

// Save writes rec unless the key was written less than minInterval ago.
// It reports whether a write happened.
func (s *Snapshotter) Save(ctx context.Context, rec Record) (bool, error) {
	s.mu.Lock()
	now := s.now()
	if last, ok := s.last[rec.StrategyKey]; ok && now.Sub(last) < s.minInterval {
		s.pending[rec.StrategyKey] = rec
		s.mu.Unlock()
		return false, nil
	}
	s.last[rec.StrategyKey] = now
	delete(s.pending, rec.StrategyKey)
	s.mu.Unlock()

	return true, s.write(ctx, rec, now)
}

// Force writes rec immediately. Used on a full close and on a mode change.
func (s *Snapshotter) Force(ctx context.Context, rec Record) error {
	s.mu.Lock()
	now := s.now()
	s.last[rec.StrategyKey] = now
	delete(s.pending, rec.StrategyKey)
	s.mu.Unlock()

	return s.write(ctx, rec, now)
}

// Flush writes every pending record.
func (s *Snapshotter) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = map[string]Record{}
	now := s.now()
	for key := range pending {
		s.last[key] = now
	}
	s.mu.Unlock()

	var firstErr error
	for _, rec := range pending {
		if err := s.write(ctx, rec, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Snapshotter) Load(ctx context.Context, strategyKey string) (*Record, error) {
	return s.backend.Load(ctx, s.accountID, strategyKey)
}

func (s *Snapshotter) LoadAll(ctx context.Context) ([]Record, error) {
	return s.backend.LoadAll(ctx, s.accountID)
}

func (s *Snapshotter) write(ctx context.Context, rec Record, now time.Time) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if err := s.backend.Save(ctx, s.accountID, rec); err != nil {
		logger.WithFields(map[string]interface{}{
			"strategy": rec.StrategyKey,
			"account":  s.accountID,
		}).WithError(err).Error("Failed to persist strategy snapshot")
		return err
	}
	logger.WithFields(map[string]interface{}{
		"strategy": rec.StrategyKey,
		"size":     rec.PositionSize.String(),
		"avg":      rec.AvgPrice.String(),
		"adds":     rec.AddCount,
		"mode":     rec.ExecutionMode,
	}).Debug("Strategy snapshot saved")
	return nil
}
