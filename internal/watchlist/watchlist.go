// Package watchlist persists the per-owner symbol lists that the refresh
// scheduler keeps warm.
package watchlist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"quotehub/internal/quote"
)

// ErrNotFound is returned by Remove when the entry does not exist.
var ErrNotFound = errors.New("watchlist entry not found")

// ErrInvalidEntry wraps validation failures of Add.
var ErrInvalidEntry = errors.New("invalid watchlist entry")

// Entry is one watched symbol of one owner.
type Entry struct {
	ID          uint             `gorm:"primaryKey" json:"id"`
	OwnerID     string           `gorm:"size:64;not null;uniqueIndex:idx_watch_owner_class_symbol,priority:1" json:"owner_id"`
	AssetClass  quote.AssetClass `gorm:"size:16;not null;uniqueIndex:idx_watch_owner_class_symbol,priority:2" json:"asset_class"`
	Market      string           `gorm:"size:16;not null" json:"market"`
	Symbol      string           `gorm:"size:32;not null;uniqueIndex:idx_watch_owner_class_symbol,priority:3" json:"symbol"`
	DisplayName string           `gorm:"size:128" json:"display_name,omitempty"`
	AddedAt     time.Time        `gorm:"not null" json:"added_at"`
}

func (Entry) TableName() string { return "watchlist_entries" }

// Key returns the cache key of the entry.
func (e Entry) Key() quote.Key {
	return quote.Key{AssetClass: e.AssetClass, Market: e.Market, Symbol: e.Symbol}
}

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the SQLite file at path, creating its directory, and
// migrates the schema. ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// pointing at one database.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return NewStore(db)
}

// NewStore wraps an open database and migrates the schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func validate(owner string, key quote.Key) error {
	if strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidEntry)
	}
	if !key.AssetClass.Valid() {
		return fmt.Errorf("%w: unknown asset class %q", ErrInvalidEntry, key.AssetClass)
	}
	if key.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidEntry)
	}
	return nil
}

// Add watches key for owner. Adding an existing (owner, asset class,
// symbol) is a successful no-op that returns the stored entry and
// added=false.
func (s *Store) Add(ctx context.Context, owner string, key quote.Key, displayName string) (Entry, bool, error) {
	key = quote.NewKey(key.AssetClass, key.Market, key.Symbol)
	if err := validate(owner, key); err != nil {
		return Entry{}, false, err
	}

	e := Entry{
		OwnerID:     owner,
		AssetClass:  key.AssetClass,
		Market:      key.Market,
		Symbol:      key.Symbol,
		DisplayName: strings.TrimSpace(displayName),
		AddedAt:     s.now().UTC(),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&e)
	if res.Error != nil {
		return Entry{}, false, fmt.Errorf("add %s for %s: %w", key, owner, res.Error)
	}
	if res.RowsAffected == 1 {
		return e, true, nil
	}

	var existing Entry
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND asset_class = ? AND symbol = ?", owner, key.AssetClass, key.Symbol).
		First(&existing).Error
	if err != nil {
		return Entry{}, false, fmt.Errorf("load existing %s for %s: %w", key, owner, err)
	}
	return existing, false, nil
}

// Remove stops watching symbol. It returns ErrNotFound when absent.
func (s *Store) Remove(ctx context.Context, owner string, ac quote.AssetClass, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	res := s.db.WithContext(ctx).
		Where("owner_id = ? AND asset_class = ? AND symbol = ?", owner, ac, symbol).
		Delete(&Entry{})
	if res.Error != nil {
		return fmt.Errorf("remove %s:%s for %s: %w", ac, symbol, owner, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns owner's entries in insertion order. An empty asset class
// lists every class.
func (s *Store) List(ctx context.Context, owner string, ac quote.AssetClass) ([]Entry, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ?", owner)
	if ac != "" {
		q = q.Where("asset_class = ?", ac)
	}
	var out []Entry
	if err := q.Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list for %s: %w", owner, err)
	}
	return out, nil
}

// Contains reports whether owner watches symbol.
func (s *Store) Contains(ctx context.Context, owner string, ac quote.AssetClass, symbol string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Entry{}).
		Where("owner_id = ? AND asset_class = ? AND symbol = ?", owner, ac, strings.ToUpper(strings.TrimSpace(symbol))).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Owners lists every owner with at least one entry.
func (s *Store) Owners(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).Model(&Entry{}).
		Distinct("owner_id").Order("owner_id").
		Pluck("owner_id", &out).Error
	return out, err
}

// Keys returns the distinct union of watched keys across owners.
func (s *Store) Keys(ctx context.Context) ([]quote.Key, error) {
	var rows []struct {
		AssetClass quote.AssetClass
		Market     string
		Symbol     string
	}
	err := s.db.WithContext(ctx).Model(&Entry{}).
		Distinct("asset_class", "market", "symbol").
		Order("asset_class, market, symbol").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("watched keys: %w", err)
	}
	out := make([]quote.Key, len(rows))
	for i, r := range rows {
		out[i] = quote.Key{AssetClass: r.AssetClass, Market: r.Market, Symbol: r.Symbol}
	}
	return out, nil
}
