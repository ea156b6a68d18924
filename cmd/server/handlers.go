package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"quotehub/internal/aggregate"
	"quotehub/internal/history"
	"quotehub/internal/metrics"
	"quotehub/internal/quote"
	"quotehub/internal/scheduler"
	"quotehub/internal/stream"
	"quotehub/internal/watchlist"
)

const (
	defaultOwner   = "default"
	maxHistoryRows = 5000
)

type api struct {
	quotes    *aggregate.Service
	watch     *watchlist.Store
	history   *history.Store // nil when history is disabled
	hub       *stream.Hub
	scheduler *scheduler.Scheduler
	metrics   *metrics.Metrics
	log       *zap.Logger
	timeout   time.Duration
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/quotes", a.handleGetQuotes)
	mux.HandleFunc("POST /api/quotes", a.handlePostQuotes)
	mux.HandleFunc("POST /api/quotes/refresh", a.handleRefresh)
	mux.HandleFunc("GET /api/watchlist", a.handleListWatchlist)
	mux.HandleFunc("POST /api/watchlist", a.handleAddWatchlist)
	mux.HandleFunc("DELETE /api/watchlist/{asset_class}/{symbol}", a.handleRemoveWatchlist)
	mux.HandleFunc("GET /api/history", a.handleHistory)
	mux.HandleFunc("GET /debug/metrics", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.metrics.Snapshot())
	})
	mux.HandleFunc("GET /debug/scheduler", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"groups": a.scheduler.States()})
	})

	jsonAPI := withJSONHeaders(withGzip(recoverPanic(a.log)(limitBody(mux))))

	root := http.NewServeMux()
	// The stream endpoint hijacks the connection, so it skips the JSON and
	// gzip wrappers.
	root.Handle("GET /api/stream", recoverPanic(a.log)(a.hub))
	root.Handle("/", jsonAPI)
	return logRequests(a.log.Named("http"))(root)
}

type quotesRequest struct {
	AssetClass string   `json:"asset_class"`
	Market     string   `json:"market"`
	Symbols    []string `json:"symbols"`
}

func (a *api) handleGetQuotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if strings.TrimSpace(q.Get("symbols")) == "" {
		writeError(w, http.StatusBadRequest, "missing symbols query param")
		return
	}
	a.writeQuotes(w, r.Context(), quotesRequest{
		AssetClass: q.Get("asset_class"),
		Market:     q.Get("market"),
		Symbols:    splitCSV(q.Get("symbols")),
	})
}

func (a *api) handlePostQuotes(w http.ResponseWriter, r *http.Request) {
	var body quotesRequest
	if !decodeBody(w, r, &body) {
		return
	}
	a.writeQuotes(w, r.Context(), body)
}

func (a *api) writeQuotes(w http.ResponseWriter, rctx context.Context, req quotesRequest) {
	ac, err := quote.ParseAssetClass(req.AssetClass)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(rctx, a.timeout)
	defer cancel()

	resp, err := a.quotes.Quotes(ctx, ac, req.Market, req.Symbols)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type refreshRequest struct {
	AssetClass string `json:"asset_class"`
	Market     string `json:"market"`
	Symbol     string `json:"symbol"`
}

func (a *api) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeBody(w, r, &body) {
		return
	}
	ac, err := quote.ParseAssetClass(body.AssetClass)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	res, err := a.quotes.Invalidate(ctx, quote.NewKey(ac, body.Market, body.Symbol))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func owner(r *http.Request) string {
	if v := strings.TrimSpace(r.URL.Query().Get("owner")); v != "" {
		return v
	}
	return defaultOwner
}

func (a *api) handleListWatchlist(w http.ResponseWriter, r *http.Request) {
	var ac quote.AssetClass
	if v := r.URL.Query().Get("asset_class"); v != "" {
		parsed, err := quote.ParseAssetClass(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ac = parsed
	}
	entries, err := a.watch.List(r.Context(), owner(r), ac)
	if err != nil {
		a.log.Error("list watchlist", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list watchlist")
		return
	}
	if entries == nil {
		entries = []watchlist.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type watchRequest struct {
	OwnerID     string `json:"owner_id"`
	AssetClass  string `json:"asset_class"`
	Market      string `json:"market"`
	Symbol      string `json:"symbol"`
	DisplayName string `json:"display_name"`
}

func (a *api) handleAddWatchlist(w http.ResponseWriter, r *http.Request) {
	var body watchRequest
	if !decodeBody(w, r, &body) {
		return
	}
	ac, err := quote.ParseAssetClass(body.AssetClass)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.OwnerID == "" {
		body.OwnerID = owner(r)
	}
	entry, added, err := a.watch.Add(r.Context(), body.OwnerID, quote.NewKey(ac, body.Market, body.Symbol), body.DisplayName)
	switch {
	case errors.Is(err, watchlist.ErrInvalidEntry):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		a.log.Error("add watchlist entry", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to add watchlist entry")
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"entry": entry, "added": added})
}

func (a *api) handleRemoveWatchlist(w http.ResponseWriter, r *http.Request) {
	ac, err := quote.ParseAssetClass(r.PathValue("asset_class"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err = a.watch.Remove(r.Context(), owner(r), ac, r.PathValue("symbol"))
	switch {
	case errors.Is(err, watchlist.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		a.log.Error("remove watchlist entry", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to remove watchlist entry")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *api) handleHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}
	q := r.URL.Query()
	ac, err := quote.ParseAssetClass(q.Get("asset_class"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(q.Get("symbol")) == "" {
		writeError(w, http.StatusBadRequest, "missing symbol query param")
		return
	}
	to := time.Now()
	from := to.Add(-24 * time.Hour)
	if from, err = parseTime(q.Get("from"), from); err != nil {
		writeError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	if to, err = parseTime(q.Get("to"), to); err != nil {
		writeError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	limit := maxHistoryRows
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryRows)
	}

	rows, err := a.history.Range(r.Context(), quote.NewKey(ac, q.Get("market"), q.Get("symbol")), from, to, limit)
	if err != nil {
		a.log.Error("history range", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if rows == nil {
		rows = []quote.Quote{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotes": rows})
}

// parseTime accepts RFC 3339 or unix milliseconds.
func parseTime(v string, def time.Time) (time.Time, error) {
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, aggregate.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
