// Package sina adapts the hq.sinajs.cn text quote feed for gold and
// futures contracts, both domestic (nf_) and global (hf_).
package sina

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/simplifiedchinese"

	"quotehub/internal/httpx"
	"quotehub/internal/provider"
	"quotehub/internal/quote"
)

const (
	Name           = "sina"
	DefaultBaseURL = "https://hq.sinajs.cn"
	referer        = "https://finance.sina.com.cn/"
)

// Board tells which field layout a line uses.
type Board string

const (
	Domestic Board = "nf"
	Global   Board = "hf"
)

// Row is one parsed hq_str line. Numeric fields keep the upstream text.
type Row struct {
	Code      string
	Board     Board
	Name      string
	Last      string
	Open      string
	High      string
	Low       string
	PrevClose string
	// PrevSettle is only reported for domestic contracts.
	PrevSettle string
	Volume     string
	Date       string // 2006-01-02
	Time       string // 15:04:05, Asia/Shanghai
}

var domesticMarkets = map[string]bool{
	"SHFE": true, "DCE": true, "CZCE": true, "CFFEX": true, "INE": true, "GFEX": true, "CN": true, "SGE": true,
}

// goldAliases resolves common gold and silver names to sina codes.
var goldAliases = map[string]string{
	"XAU":    "hf_XAU",
	"XAUUSD": "hf_XAU",
	"XAG":    "hf_XAG",
	"XAGUSD": "hf_XAG",
	"GC":     "hf_GC",
	"SI":     "hf_SI",
	"AU":     "nf_AU0",
	"AG":     "nf_AG0",
}

var linePattern = regexp.MustCompile(`^var hq_str_([A-Za-z0-9_]+)="([^"]*)";?`)

// Adapter fetches gold and futures keys from sina.
type Adapter struct {
	http      *httpx.Client
	baseURL   string
	overrides map[string]string
}

// New returns an adapter. overrides maps a key string or bare symbol to a
// sina code such as "nf_RB0".
func New(client *httpx.Client, baseURL string, overrides map[string]string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	o := make(map[string]string, len(overrides))
	for k, v := range overrides {
		o[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return &Adapter{http: client, baseURL: strings.TrimRight(baseURL, "/"), overrides: o}
}

func (a *Adapter) Name() string { return Name }

// Code maps a key to its sina list code.
func (a *Adapter) Code(k quote.Key) (string, bool) {
	sym := strings.ToUpper(k.Symbol)
	if v, ok := a.overrides[strings.ToUpper(k.String())]; ok {
		return v, true
	}
	if v, ok := a.overrides[sym]; ok {
		return v, true
	}
	if strings.HasPrefix(strings.ToLower(sym), "nf_") || strings.HasPrefix(strings.ToLower(sym), "hf_") {
		return strings.ToLower(sym[:2]) + sym[2:], true
	}
	switch k.AssetClass {
	case quote.Gold:
		if v, ok := goldAliases[sym]; ok {
			return v, true
		}
		fallthrough
	case quote.Futures:
		if sym == "" {
			return "", false
		}
		if domesticMarkets[k.Market] {
			return "nf_" + sym, true
		}
		return "hf_" + sym, true
	}
	return "", false
}

func (a *Adapter) Fetch(ctx context.Context, keys []quote.Key) (provider.Batch, error) {
	batch := provider.Batch{Provider: Name}

	byCode := make(map[string][]quote.Key, len(keys))
	var codes []string
	for _, k := range keys {
		code, ok := a.Code(k)
		if !ok {
			batch.Missing = append(batch.Missing, k)
			continue
		}
		if _, seen := byCode[code]; !seen {
			codes = append(codes, code)
		}
		byCode[code] = append(byCode[code], k)
	}
	if len(codes) == 0 {
		return batch, nil
	}

	body, err := a.http.GetBody(ctx, a.baseURL+"/list="+strings.Join(codes, ","), map[string]string{"Referer": referer})
	if err != nil {
		return provider.Batch{}, provider.Classify(Name, err)
	}
	rows, err := Parse(body)
	if err != nil {
		return provider.Batch{}, provider.Malformed(Name, err)
	}

	for _, r := range rows {
		for _, k := range byCode[r.Code] {
			batch.Records = append(batch.Records, provider.Raw{Key: k, Payload: r})
		}
	}
	var requested []quote.Key
	for _, c := range codes {
		requested = append(requested, byCode[c]...)
	}
	batch.Missing = append(batch.Missing, provider.MissingKeys(requested, batch.Records)...)
	return batch, nil
}

// Parse decodes a GBK response body into rows. Lines with an empty payload
// (unknown codes) and lines that fail to parse are skipped; their keys end
// up missing. A body with no hq_str line at all, or one where every
// non-empty line is bad, is an error.
func Parse(body []byte) ([]Row, error) {
	utf8Body, err := simplifiedchinese.GBK.NewDecoder().Bytes(body)
	if err != nil {
		utf8Body = body
	}

	var (
		rows  []Row
		lines int
		bad   []error
	)
	sc := bufio.NewScanner(bytes.NewReader(utf8Body))
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		m := linePattern.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		lines++
		if m[2] == "" {
			continue
		}
		row, err := parseLine(m[1], strings.Split(m[2], ","))
		if err != nil {
			bad = append(bad, err)
			continue
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if lines == 0 {
		return nil, fmt.Errorf("no quote lines in response")
	}
	if len(rows) == 0 && len(bad) > 0 {
		return nil, errors.Join(bad...)
	}
	return rows, nil
}

func parseLine(code string, f []string) (Row, error) {
	switch {
	case strings.HasPrefix(code, "nf_"):
		if len(f) < 18 {
			return Row{}, fmt.Errorf("%s: %d fields, want at least 18", code, len(f))
		}
		return Row{
			Code:       code,
			Board:      Domestic,
			Name:       f[0],
			Time:       clock(f[1]),
			Open:       f[2],
			High:       f[3],
			Low:        f[4],
			PrevClose:  f[5],
			Last:       f[8],
			PrevSettle: f[10],
			Volume:     f[14],
			Date:       f[17],
		}, nil
	case strings.HasPrefix(code, "hf_"):
		if len(f) < 14 {
			return Row{}, fmt.Errorf("%s: %d fields, want at least 14", code, len(f))
		}
		return Row{
			Code:      code,
			Board:     Global,
			Last:      f[0],
			High:      f[4],
			Low:       f[5],
			Time:      f[6],
			PrevClose: f[7],
			Open:      f[8],
			Date:      f[12],
			Name:      f[13],
		}, nil
	}
	return Row{}, fmt.Errorf("unsupported code %q", code)
}

// clock turns "150000" into "15:00:00"; other forms pass through.
func clock(s string) string {
	if len(s) == 6 && !strings.Contains(s, ":") {
		return s[0:2] + ":" + s[2:4] + ":" + s[4:6]
	}
	return s
}
