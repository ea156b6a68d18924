package dunamu

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotehub/internal/httpx"
	"quotehub/internal/provider"
	"quotehub/internal/quote"
)

const recent = `[{"code":"FRX.KRWUSD","currencyCode":"USD","currencyName":"달러","date":"2024-06-03","time":"15:30:05","currencyUnit":1,
"basePrice":1376.5,"openingPrice":1380.0,"highPrice":1381.2,"lowPrice":1374.9,"change":"FALL","changePrice":3.5,"changeRate":0.0025362319,
"timestamp":1717396205000}]`

func TestCode(t *testing.T) {
	t.Parallel()

	for sym, want := range map[string]string{
		"USD":     "FRX.KRWUSD",
		"usd/krw": "FRX.KRWUSD",
		"JPYKRW":  "FRX.KRWJPY",
		"KRW-EUR": "FRX.KRWEUR",
	} {
		got, ok := Code(quote.NewKey(quote.Forex, "FX", sym))
		require.True(t, ok, sym)
		require.Equal(t, want, got, sym)
	}

	for _, sym := range []string{"EUR/USD", "KRW", "KRWKRW", "DOLLAR"} {
		_, ok := Code(quote.NewKey(quote.Forex, "FX", sym))
		require.False(t, ok, sym)
	}
	_, ok := Code(quote.NewKey(quote.Equity, "US", "USD"))
	require.False(t, ok)
}

func TestFetch(t *testing.T) {
	t.Parallel()

	// Arrange
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/forex/recent", r.URL.Path)
		assert.Equal(t, "FRX.KRWUSD,FRX.KRWJPY", r.URL.Query().Get("codes"))
		_, _ = w.Write([]byte(recent))
	}))
	defer srv.Close()

	a := New(httpx.New(2*time.Second), srv.URL)
	usd := quote.NewKey(quote.Forex, "FX", "USD/KRW")
	jpy := quote.NewKey(quote.Forex, "FX", "JPY/KRW")
	eur := quote.NewKey(quote.Forex, "FX", "EUR/USD")

	// Act
	batch, err := a.Fetch(t.Context(), []quote.Key{usd, jpy, eur})

	// Assert
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	rate := batch.Records[0].Payload.(Rate)
	require.Equal(t, usd, batch.Records[0].Key)
	require.Equal(t, "1376.5", rate.BasePrice.String())
	require.Equal(t, "0.0025362319", rate.ChangeRate.String())
	require.EqualValues(t, 1717396205000, rate.Timestamp)
	require.ElementsMatch(t, []quote.Key{eur, jpy}, batch.Missing)
}

func TestFetch_BadRowIsMissing(t *testing.T) {
	t.Parallel()

	// Arrange: the JPY row carries a string timestamp
	body := recent[:len(recent)-1] + `,{"code":"FRX.KRWJPY","basePrice":8.8,"timestamp":"soon"}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	usd := quote.NewKey(quote.Forex, "FX", "USD")
	jpy := quote.NewKey(quote.Forex, "FX", "JPY")

	// Act
	batch, err := New(httpx.New(2*time.Second), srv.URL).Fetch(t.Context(), []quote.Key{usd, jpy})

	// Assert
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	require.Equal(t, usd, batch.Records[0].Key)
	require.Equal(t, []quote.Key{jpy}, batch.Missing)
}

func TestFetch_Malformed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"x"}`))
	}))
	defer srv.Close()

	_, err := New(httpx.New(2*time.Second), srv.URL).Fetch(t.Context(), []quote.Key{quote.NewKey(quote.Forex, "FX", "USD")})
	require.ErrorIs(t, err, provider.ErrMalformed)

	rows := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"code":"FRX.KRWUSD","timestamp":"soon"}]`))
	}))
	defer rows.Close()

	_, err = New(httpx.New(2*time.Second), rows.URL).Fetch(t.Context(), []quote.Key{quote.NewKey(quote.Forex, "FX", "USD")})
	require.ErrorIs(t, err, provider.ErrMalformed)
}
