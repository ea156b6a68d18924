// Package fundgz adapts the fund intraday valuation feed
// (fundgz.1234567.com.cn) for off-exchange funds. The endpoint serves one
// fund per request, so Fetch fans out with a bounded errgroup.
package fundgz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"quotehub/internal/httpx"
	"quotehub/internal/provider"
	"quotehub/internal/quote"
)

const (
	Name           = "fundgz"
	DefaultBaseURL = "https://fundgz.1234567.com.cn"
)

// Estimate is one fund valuation. All numbers keep the upstream text.
type Estimate struct {
	FundCode     string `json:"fundcode"`
	Name         string `json:"name"`
	NAVDate      string `json:"jzrq"`
	NAV          string `json:"dwjz"`
	Estimate     string `json:"gsz"`
	EstimatePct  string `json:"gszzl"`
	EstimateTime string `json:"gztime"` // 2006-01-02 15:04, Asia/Shanghai
}

// errNoData marks a fund the upstream does not value (empty jsonpgz()).
var errNoData = errors.New("no valuation")

type Adapter struct {
	http     *httpx.Client
	baseURL  string
	parallel int
	now      func() time.Time
}

// New returns an adapter issuing at most parallel requests at once.
func New(client *httpx.Client, baseURL string, parallel int) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if parallel <= 0 {
		parallel = 8
	}
	return &Adapter{http: client, baseURL: baseURL, parallel: parallel, now: time.Now}
}

func (a *Adapter) Name() string { return Name }

// Fetch requests every fund concurrently. Funds that fail or have no
// valuation are reported missing; the call fails only if all requests
// errored.
func (a *Adapter) Fetch(ctx context.Context, keys []quote.Key) (provider.Batch, error) {
	batch := provider.Batch{Provider: Name}

	var valid []quote.Key
	for _, k := range keys {
		if k.AssetClass != quote.FundOTC || !isFundCode(k.Symbol) {
			batch.Missing = append(batch.Missing, k)
			continue
		}
		valid = append(valid, k)
	}
	if len(valid) == 0 {
		return batch, nil
	}

	var (
		mu       sync.Mutex
		firstErr error
		errs     int
		got      = make(map[quote.Key]Estimate, len(valid))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallel)
	for _, k := range valid {
		g.Go(func() error {
			est, err := a.get(gctx, k.Symbol)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errNoData):
			case err != nil:
				errs++
				if firstErr == nil {
					firstErr = err
				}
			default:
				got[k] = est
			}
			return nil
		})
	}
	_ = g.Wait()

	if errs == len(valid) {
		return provider.Batch{}, provider.Classify(Name, firstErr)
	}
	for _, k := range valid {
		if est, ok := got[k]; ok {
			batch.Records = append(batch.Records, provider.Raw{Key: k, Payload: est})
		}
	}
	batch.Missing = append(batch.Missing, provider.MissingKeys(valid, batch.Records)...)
	return batch, nil
}

func (a *Adapter) get(ctx context.Context, code string) (Estimate, error) {
	url := fmt.Sprintf("%s/js/%s.js?rt=%d", a.baseURL, code, a.now().UnixMilli())
	body, err := a.http.GetBody(ctx, url, map[string]string{"Referer": "https://fund.eastmoney.com/"})
	if err != nil {
		return Estimate{}, err
	}
	return ParseJSONP(body)
}

// ParseJSONP unwraps `jsonpgz({...});`.
func ParseJSONP(body []byte) (Estimate, error) {
	b := bytes.TrimSpace(body)
	start := bytes.IndexByte(b, '(')
	end := bytes.LastIndexByte(b, ')')
	if start < 0 || end < start {
		return Estimate{}, provider.Malformed(Name, fmt.Errorf("not a jsonp body: %.40q", b))
	}
	inner := bytes.TrimSpace(b[start+1 : end])
	if len(inner) == 0 {
		return Estimate{}, errNoData
	}
	var est Estimate
	if err := json.Unmarshal(inner, &est); err != nil {
		return Estimate{}, fmt.Errorf("decoding estimate: %w", err)
	}
	if est.FundCode == "" {
		return Estimate{}, errNoData
	}
	return est, nil
}

func isFundCode(s string) bool {
	if len(s) != 6 {
		return false
	}
	_, err := strconv.Atoi(s)
	return err == nil
}
