// Package twse fetches daily price history of Taiwan securities from the
// monthly per-stock reports of TWSE (listed) and TPEx (over-the-counter).
package twse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"tsfetch/internal/domain"
	"tsfetch/internal/pipeline"
)

// Report endpoints.
const (
	DefaultListedURL = "https://www.twse.com.tw/exchangeReport/STOCK_DAY"
	DefaultOTCURL    = "https://www.tpex.org.tw/web/stock/aftertrading/daily_trading_info/st43_result.php"
)

// Market suffixes of a symbol. A code without a suffix is listed.
const (
	ListedSuffix = ".TW"
	OTCSuffix    = ".TWO"
)

// rocOffset converts a Minguo calendar year to a Gregorian one.
const rocOffset = 1911

const monthCacheSize = 2048

// Bar is one trading day of a security. Volume is in shares.
type Bar struct {
	Date   string          `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// Client downloads monthly reports. Months are cached, and concurrent
// requests for the same month share one download.
type Client struct {
	http      *resty.Client
	listedURL string
	otcURL    string

	group singleflight.Group
	mu    sync.Mutex
	cache map[string][]Bar
	order []string
}

// NewClient creates a Client. Empty URLs select the public endpoints.
func NewClient(listedURL, otcURL string, timeout time.Duration) *Client {
	if listedURL == "" {
		listedURL = DefaultListedURL
	}
	if otcURL == "" {
		otcURL = DefaultOTCURL
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/json")
	client.SetRetryCount(0)
	return &Client{
		http:      client,
		listedURL: listedURL,
		otcURL:    otcURL,
		cache:     make(map[string][]Bar),
	}
}

// Month returns the bars of symbol in the given month, oldest first. A month
// the exchange reports no data for yields no bars and no error. identity,
// when set, is sent as the User-Agent.
func (c *Client) Month(ctx context.Context, symbol string, year int, month time.Month, identity string) ([]Bar, error) {
	code, otc := SplitSymbol(symbol)
	if code == "" {
		return nil, fmt.Errorf("empty symbol %q", symbol)
	}
	market := "listed"
	if otc {
		market = "otc"
	}
	key := fmt.Sprintf("%s/%s/%04d-%02d", market, code, year, month)
	if bars, ok := c.cached(key); ok {
		return bars, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		var bars []Bar
		var err error
		if otc {
			bars, err = c.fetchOTC(ctx, code, year, month, identity)
		} else {
			bars, err = c.fetchListed(ctx, code, year, month, identity)
		}
		if err != nil {
			return nil, err
		}
		c.remember(key, bars)
		return bars, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Bar), nil
}

// TradingDays returns the dates symbol traded in the given month.
func (c *Client) TradingDays(ctx context.Context, symbol string, year int, month time.Month) ([]string, error) {
	bars, err := c.Month(ctx, symbol, year, month, "")
	if err != nil {
		return nil, err
	}
	days := make([]string, len(bars))
	for i, b := range bars {
		days[i] = b.Date
	}
	return days, nil
}

// SplitSymbol strips the market suffix from symbol and reports whether it
// names an over-the-counter security.
func SplitSymbol(symbol string) (code string, otc bool) {
	symbol = strings.TrimSpace(symbol)
	if code, ok := strings.CutSuffix(symbol, OTCSuffix); ok {
		return code, true
	}
	return strings.TrimSuffix(symbol, ListedSuffix), false
}

func (c *Client) cached(key string) ([]Bar, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bars, ok := c.cache[key]
	return bars, ok
}

func (c *Client) remember(key string, bars []Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache[key]; ok {
		return
	}
	if len(c.order) >= monthCacheSize {
		delete(c.cache, c.order[0])
		c.order = c.order[1:]
	}
	c.cache[key] = bars
	c.order = append(c.order, key)
}

// listedReport is the STOCK_DAY response. Rows are
// [date, shares, turnover, open, high, low, close, change, transactions].
type listedReport struct {
	Stat string     `json:"stat"`
	Data [][]string `json:"data"`
}

func (c *Client) fetchListed(ctx context.Context, code string, year int, month time.Month, identity string) ([]Bar, error) {
	body, err := c.get(ctx, c.listedURL, identity, map[string]string{
		"response": "json",
		"date":     fmt.Sprintf("%04d%02d01", year, month),
		"stockNo":  code,
	})
	if err != nil {
		return nil, err
	}
	var report listedReport
	if err := json.Unmarshal(body, &report); err != nil {
		// The exchange answers throttled clients with an HTML page.
		return nil, fmt.Errorf("decoding %s report: %w (%w)", code, pipeline.ErrTransient, err)
	}
	if report.Stat != "OK" {
		return nil, nil
	}
	return parseRows(report.Data, 1)
}

// otcReport is the st43 response. Rows match listedReport with volume in
// thousands of shares. Newer responses nest the rows under tables.
type otcReport struct {
	AAData [][]string `json:"aaData"`
	Tables []struct {
		Data [][]string `json:"data"`
	} `json:"tables"`
}

func (c *Client) fetchOTC(ctx context.Context, code string, year int, month time.Month, identity string) ([]Bar, error) {
	body, err := c.get(ctx, c.otcURL, identity, map[string]string{
		"l":     "zh-tw",
		"d":     fmt.Sprintf("%d/%02d", year-rocOffset, month),
		"stkno": code,
	})
	if err != nil {
		return nil, err
	}
	var report otcReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("decoding %s report: %w (%w)", code, pipeline.ErrTransient, err)
	}
	rows := report.AAData
	for _, t := range report.Tables {
		rows = append(rows, t.Data...)
	}
	return parseRows(rows, 1000)
}

// get issues one GET. 429 and 5xx responses are transient; other non-2xx
// responses are not.
func (c *Client) get(ctx context.Context, url, identity string, query map[string]string) ([]byte, error) {
	req := c.http.R().SetContext(ctx).SetQueryParams(query)
	if identity != "" {
		req.SetHeader("User-Agent", identity)
	}
	resp, err := req.Get(url)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	code := resp.StatusCode()
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return nil, fmt.Errorf("GET %s: status %d: %w", url, code, pipeline.ErrTransient)
	case code < 200 || code > 299:
		return nil, fmt.Errorf("GET %s: status %d", url, code)
	}
	return resp.Body(), nil
}

// parseRows converts report rows into bars. Rows without a trade (prices
// shown as dashes) are dropped.
func parseRows(rows [][]string, volumeScale int64) ([]Bar, error) {
	bars := make([]Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			return nil, fmt.Errorf("report row has %d fields, want at least 7", len(row))
		}
		date, err := rocDate(row[0])
		if err != nil {
			return nil, err
		}
		var prices [4]decimal.Decimal
		traded := true
		for i, s := range row[3:7] {
			s = number(s)
			if s == "" || strings.Trim(s, "-") == "" {
				traded = false
				break
			}
			if prices[i], err = decimal.NewFromString(s); err != nil {
				return nil, fmt.Errorf("%s: price %q: %w", date, row[3+i], err)
			}
		}
		if !traded {
			continue
		}
		volume, err := strconv.ParseInt(number(row[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: volume %q: %w", date, row[1], err)
		}
		bars = append(bars, Bar{
			Date:   date,
			Open:   prices[0],
			High:   prices[1],
			Low:    prices[2],
			Close:  prices[3],
			Volume: volume * volumeScale,
		})
	}
	return bars, nil
}

// rocDate converts a Minguo date such as "113/01/02" to YYYY-MM-DD. Marker
// characters the reports append to some dates are ignored.
func rocDate(s string) (string, error) {
	clean := strings.Map(func(r rune) rune {
		if r == '/' || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, s)
	parts := strings.Split(clean, "/")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed date %q", s)
	}
	var n [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return "", fmt.Errorf("malformed date %q", s)
		}
		n[i] = v
	}
	t := time.Date(n[0]+rocOffset, time.Month(n[1]), n[2], 0, 0, 0, 0, time.UTC)
	if t.Month() != time.Month(n[1]) || t.Day() != n[2] {
		return "", fmt.Errorf("malformed date %q", s)
	}
	return t.Format(domain.DateLayout), nil
}

func number(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), ",", "")
}
