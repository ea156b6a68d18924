package eastmoney

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strconv"
	"strings"
)

// ulistFields are the push2 field ids requested for every security.
const ulistFields = "f2,f3,f4,f5,f12,f13,f14,f15,f16,f17,f124"

// Num is a push2 numeric field. The API sends a JSON number when the value
// is known and the string "-" when it is not; Num keeps the literal text.
type Num string

func (n *Num) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = Num(s)
		return nil
	}
	var f json.Number
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = Num(f.String())
	return nil
}

// Row is one security from the ulist.np response.
type Row struct {
	Price         Num    `json:"f2"`
	ChangePercent Num    `json:"f3"`
	Change        Num    `json:"f4"`
	Volume        Num    `json:"f5"`
	Code          string `json:"f12"`
	MarketID      int    `json:"f13"`
	Name          string `json:"f14"`
	High          Num    `json:"f15"`
	Low           Num    `json:"f16"`
	Open          Num    `json:"f17"`
	Timestamp     Num    `json:"f124"`
}

// SecID returns the "market.code" identifier of the row.
func (r Row) SecID() string {
	return strconv.Itoa(r.MarketID) + "." + r.Code
}

type ulistResponse struct {
	RC   int `json:"rc"`
	Data *struct {
		Total int   `json:"total"`
		Diff  []Row `json:"diff"`
	} `json:"data"`
}

// GetQuotes retrieves the latest snapshot of every secid in one request.
// Unknown secids are silently absent from the result.
func (c *Client) GetQuotes(ctx context.Context, secids []string) ([]Row, error) {
	if len(secids) == 0 {
		return nil, nil
	}

	query := maps.Clone(c.query)
	query.Set("fields", ulistFields)
	query.Set("secids", strings.Join(secids, ","))

	url := fmt.Sprintf("%s/api/qt/ulist.np/get?%s", c.baseURL, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.header.Clone()

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("rate limited")
	default:
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("unexpected status code: %d: %s", res.StatusCode, b)
	}

	var body ulistResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding ulist response: %w", err)
	}
	if body.RC != 0 {
		return nil, fmt.Errorf("ulist rc=%d", body.RC)
	}
	if body.Data == nil {
		return nil, nil
	}
	return body.Data.Diff, nil
}
