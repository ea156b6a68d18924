// Package history keeps quote snapshots for charting. It speaks plain
// database/sql so the same code runs on SQLite and PostgreSQL/TimescaleDB.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"quotehub/internal/quote"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS quote_history (
	asset_class     TEXT   NOT NULL,
	market          TEXT   NOT NULL,
	symbol          TEXT   NOT NULL,
	name            TEXT   NOT NULL DEFAULT '',
	observed_at     BIGINT NOT NULL,
	fetched_at      BIGINT NOT NULL,
	price           TEXT   NOT NULL,
	change          TEXT   NOT NULL,
	change_percent  TEXT   NOT NULL,
	open            TEXT   NOT NULL DEFAULT '0',
	high            TEXT   NOT NULL DEFAULT '0',
	low             TEXT   NOT NULL DEFAULT '0',
	volume          TEXT   NOT NULL,
	source_provider TEXT   NOT NULL,
	PRIMARY KEY (asset_class, market, symbol, observed_at)
)`

type Store struct {
	db     *sql.DB
	driver string
}

// Open connects with driver ("sqlite" or "postgres") and creates the
// schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported history driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL;",
			"PRAGMA synchronous=NORMAL;",
			"PRAGMA busy_timeout=5000;",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
			}
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create quote_history: %w", err)
	}
	return &Store{db: db, driver: driver}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Append stores quotes in one transaction. A snapshot already stored for
// the same key and observation time is kept.
func (s *Store) Append(ctx context.Context, quotes []quote.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO quote_history
			(asset_class, market, symbol, name, observed_at, fetched_at,
			 price, change, change_percent, open, high, low, volume, source_provider)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (asset_class, market, symbol, observed_at) DO NOTHING`))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, q := range quotes {
		if _, err := stmt.ExecContext(ctx,
			string(q.AssetClass), q.Market, q.Symbol, q.Name,
			q.ObservedAt.UnixMilli(), q.FetchedAt.UnixMilli(),
			q.Price.String(), q.Change.String(), q.ChangePercent.String(),
			q.Open.String(), q.High.String(), q.Low.String(), q.Volume.String(),
			q.SourceProvider,
		); err != nil {
			return fmt.Errorf("insert %s: %w", q.Key(), err)
		}
	}
	return tx.Commit()
}

// Range returns snapshots of key observed in [from, to], oldest first.
// limit <= 0 means no limit.
func (s *Store) Range(ctx context.Context, key quote.Key, from, to time.Time, limit int) ([]quote.Quote, error) {
	query := `
		SELECT name, observed_at, fetched_at, price, change, change_percent, open, high, low, volume, source_provider
		FROM quote_history
		WHERE asset_class = ? AND market = ? AND symbol = ? AND observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at`
	args := []any{string(key.AssetClass), key.Market, key.Symbol, from.UnixMilli(), to.UnixMilli()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []quote.Quote
	for rows.Next() {
		var (
			name, pr                         string
			observed, fetched                int64
			price, change, changePct, volume string
			open, high, low                  string
		)
		if err := rows.Scan(&name, &observed, &fetched, &price, &change, &changePct, &open, &high, &low, &volume, &pr); err != nil {
			return nil, err
		}
		q := quote.Quote{
			AssetClass:     key.AssetClass,
			Market:         key.Market,
			Symbol:         key.Symbol,
			Name:           name,
			SourceProvider: pr,
			ObservedAt:     time.UnixMilli(observed).UTC(),
			FetchedAt:      time.UnixMilli(fetched).UTC(),
		}
		if q.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("stored price %q: %w", price, err)
		}
		q.Change, _ = decimal.NewFromString(change)
		q.ChangePercent, _ = decimal.NewFromString(changePct)
		q.Open, _ = decimal.NewFromString(open)
		q.High, _ = decimal.NewFromString(high)
		q.Low, _ = decimal.NewFromString(low)
		q.Volume, _ = decimal.NewFromString(volume)
		out = append(out, q)
	}
	return out, rows.Err()
}
