package history

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"quotehub/internal/quote"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.Context(), DriverSQLite, filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func snapshot(k quote.Key, price string, at time.Time) quote.Quote {
	return quote.Quote{
		AssetClass:     k.AssetClass,
		Market:         k.Market,
		Symbol:         k.Symbol,
		Name:           "Au99.99",
		Price:          decimal.RequireFromString(price),
		Change:         decimal.RequireFromString("-1.5"),
		Open:           decimal.RequireFromString("550.2"),
		High:           decimal.RequireFromString("553.9"),
		Low:            decimal.RequireFromString("549.75"),
		SourceProvider: "sina",
		ObservedAt:     at,
		FetchedAt:      at.Add(time.Second),
	}
}

func TestAppendAndRange(t *testing.T) {
	t.Parallel()

	// Arrange
	s := openTestStore(t)
	au := quote.NewKey(quote.Gold, "SGE", "AU9999")
	ag := quote.NewKey(quote.Gold, "SGE", "AG9999")
	t0 := time.Date(2024, 6, 3, 1, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(t.Context(), []quote.Quote{
		snapshot(au, "552.10", t0.Add(2*time.Minute)),
		snapshot(au, "551.00", t0),
		snapshot(au, "551.50", t0.Add(time.Minute)),
		snapshot(ag, "7.1", t0),
	}))
	// Re-appending the same observation is ignored.
	require.NoError(t, s.Append(t.Context(), []quote.Quote{snapshot(au, "999", t0)}))

	// Act
	got, err := s.Range(t.Context(), au, t0, t0.Add(time.Hour), 0)

	// Assert
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "551", got[0].Price.String())
	require.Equal(t, "551.5", got[1].Price.String())
	require.Equal(t, "552.1", got[2].Price.String())
	require.Equal(t, "-1.5", got[0].Change.String())
	require.Equal(t, "Au99.99", got[0].Name)
	require.Equal(t, "550.2", got[0].Open.String())
	require.Equal(t, "553.9", got[0].High.String())
	require.Equal(t, "549.75", got[0].Low.String())
	require.Equal(t, t0, got[0].ObservedAt)
	require.Equal(t, au, got[0].Key())

	limited, err := s.Range(t.Context(), au, t0.Add(time.Minute), t0.Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "551.5", limited[0].Price.String())
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(t.Context(), "mysql", "")
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	t.Parallel()

	pg := &Store{driver: DriverPostgres}
	require.Equal(t, "a = $1 AND b = $2 LIMIT $3", pg.rebind("a = ? AND b = ? LIMIT ?"))

	lite := &Store{driver: DriverSQLite}
	require.Equal(t, "a = ?", lite.rebind("a = ?"))
}

type memAppender struct {
	mu     sync.Mutex
	quotes []quote.Quote
	calls  int
}

func (m *memAppender) Append(_ context.Context, quotes []quote.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.quotes = append(m.quotes, quotes...)
	return nil
}

func (m *memAppender) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.quotes)
}

func TestRecorder_FlushesOnBatchSizeAndStop(t *testing.T) {
	t.Parallel()

	mem := &memAppender{}
	r := NewRecorder(mem, zaptest.NewLogger(t), 16, 2, time.Hour)
	require.NoError(t, r.Start())

	k := quote.NewKey(quote.Forex, "FX", "USD/KRW")
	now := time.Now()
	r.Record(snapshot(k, "1376.5", now))
	r.Record(snapshot(k, "1377.0", now.Add(time.Second)))
	require.Eventually(t, func() bool { return mem.len() == 2 }, time.Second, 5*time.Millisecond)

	r.Record(snapshot(k, "1378.0", now.Add(2*time.Second)))
	require.NoError(t, r.Stop())
	require.Equal(t, 3, mem.len())
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	t.Parallel()

	r := NewRecorder(&memAppender{}, zaptest.NewLogger(t), 1, 10, time.Hour)
	k := quote.NewKey(quote.Forex, "FX", "USD/KRW")
	r.Record(snapshot(k, "1", time.Now()))
	r.Record(snapshot(k, "2", time.Now()))
	require.EqualValues(t, 1, r.Dropped())
}
