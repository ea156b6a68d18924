package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"quotehub/internal/metrics"
	"quotehub/internal/normalize"
	"quotehub/internal/provider"
	"quotehub/internal/provider/eastmoney"
	"quotehub/internal/provider/providertest"
	"quotehub/internal/quote"
)

var fixed = time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)

func mockAdapter(ctrl *gomock.Controller, name string) *providertest.MockAdapter {
	a := providertest.NewMockAdapter(ctrl)
	a.EXPECT().Name().Return(name).AnyTimes()
	return a
}

func TestNew_RejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	_, err := New([]provider.Adapter{mockAdapter(ctrl, "a")}, map[quote.AssetClass]string{quote.Equity: "b"}, zap.NewNop())
	require.Error(t, err)

	_, err = New(nil, map[quote.AssetClass]string{"bond": "a"}, zap.NewNop())
	require.Error(t, err)
}

func TestFetchGroup_OutcomePerKey(t *testing.T) {
	t.Parallel()

	// Arrange: AAPL normalizes, MSFT has a placeholder price, GOOG is missing
	ctrl := gomock.NewController(t)
	a := mockAdapter(ctrl, eastmoney.Name)
	aapl := quote.NewKey(quote.Equity, "US", "AAPL")
	msft := quote.NewKey(quote.Equity, "US", "MSFT")
	goog := quote.NewKey(quote.Equity, "US", "GOOG")
	a.EXPECT().
		Fetch(gomock.Any(), []quote.Key{aapl, msft, goog}).
		DoAndReturn(func(ctx context.Context, keys []quote.Key) (provider.Batch, error) {
			_, hasDeadline := ctx.Deadline()
			require.True(t, hasDeadline)
			return provider.Batch{
				Provider: eastmoney.Name,
				Records: []provider.Raw{
					{Key: aapl, Payload: eastmoney.Row{Price: "189.98"}},
					{Key: msft, Payload: eastmoney.Row{Price: "-"}},
				},
				Missing: []quote.Key{goog},
			}, nil
		})

	m := metrics.New()
	f, err := New([]provider.Adapter{a}, map[quote.AssetClass]string{quote.Equity: eastmoney.Name}, zap.NewNop(),
		WithClock(func() time.Time { return fixed }), WithMetrics(m))
	require.NoError(t, err)

	// Act
	out := f.FetchGroup(t.Context(), eastmoney.Name, []quote.Key{aapl, msft, goog})

	// Assert
	require.Len(t, out, 3)
	require.NoError(t, out[aapl].Err)
	require.Equal(t, fixed, out[aapl].Quote.FetchedAt)
	require.ErrorIs(t, out[msft].Err, normalize.ErrNormalization)
	require.ErrorIs(t, out[goog].Err, provider.ErrUnavailable)
	require.EqualValues(t, 1, m.Snapshot().NormalizeDrops)
}

func TestFetchGroup_TimeoutIsTyped(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	a := mockAdapter(ctrl, "slow")
	a.EXPECT().
		Fetch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, keys []quote.Key) (provider.Batch, error) {
			<-ctx.Done()
			return provider.Batch{}, ctx.Err()
		})

	f, err := New([]provider.Adapter{a}, map[quote.AssetClass]string{quote.Gold: "slow"}, zap.NewNop(),
		WithTimeout("slow", 20*time.Millisecond))
	require.NoError(t, err)

	key := quote.NewKey(quote.Gold, "SGE", "AU9999")
	out := f.FetchGroup(t.Context(), "slow", []quote.Key{key})
	require.ErrorIs(t, out[key].Err, provider.ErrTimeout)
}

func TestFetch_GroupsIndependently(t *testing.T) {
	t.Parallel()

	// Arrange: gold provider fails, forex provider succeeds
	ctrl := gomock.NewController(t)
	gold := mockAdapter(ctrl, "gold")
	fx := mockAdapter(ctrl, "fx")
	au := quote.NewKey(quote.Gold, "SGE", "AU9999")
	usd := quote.NewKey(quote.Forex, "FX", "USD/KRW")
	bond := quote.Key{AssetClass: quote.Index, Market: "CN", Symbol: "X"}

	gold.EXPECT().Fetch(gomock.Any(), []quote.Key{au}).Return(provider.Batch{}, errors.New("connection refused"))
	fx.EXPECT().Fetch(gomock.Any(), []quote.Key{usd}).Return(provider.Batch{
		Provider: "fx",
		Records:  []provider.Raw{{Key: usd, Payload: eastmoney.Row{Price: "1376.5"}}},
	}, nil)

	f, err := New([]provider.Adapter{gold, fx}, map[quote.AssetClass]string{quote.Gold: "gold", quote.Forex: "fx"}, zap.NewNop())
	require.NoError(t, err)

	// Act
	out := f.Fetch(t.Context(), []quote.Key{au, usd, bond})

	// Assert
	require.ErrorIs(t, out[au].Err, provider.ErrUnavailable)
	require.NoError(t, out[usd].Err)
	require.Equal(t, "fx", out[usd].Quote.SourceProvider)
	require.Error(t, out[bond].Err)
}
