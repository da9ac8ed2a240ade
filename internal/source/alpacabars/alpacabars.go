// Package alpacabars fetches one daily bar per symbol and date from the
// Alpaca market-data API.
package alpacabars

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"tsfetch/internal/domain"
	"tsfetch/internal/pipeline"
)

// Columns is the output schema of Parser.
var Columns = []string{"Ticker", "Date", "Open", "High", "Low", "Close", "Volume"}

// BarClient is the subset of the market-data client used here.
type BarClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// Compile-time interface checks.
var (
	_ pipeline.Transport = (*Transport)(nil)
	_ pipeline.Parser    = Parser{}
)

// payload is the wire form handed from Transport to Parser.
type payload struct {
	Symbol string          `json:"symbol"`
	Date   string          `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume uint64          `json:"volume"`
}

// Transport fetches daily bars through the market-data client.
type Transport struct {
	client BarClient
	feed   string
}

// NewTransport creates a Transport with its own market-data client.
func NewTransport(apiKey, apiSecret, dataURL, feed string) *Transport {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return NewTransportWithClient(marketdata.NewClient(opts), feed)
}

// NewTransportWithClient wraps an existing client.
func NewTransportWithClient(client BarClient, feed string) *Transport {
	if feed == "" {
		feed = "sip"
	}
	return &Transport{client: client, feed: feed}
}

// Key addresses a unit as SYMBOL@YYYY-MM-DD.
func Key(u domain.Unit) string {
	return strings.ToUpper(u.Entity.ID) + "@" + u.Date
}

// FetchRaw returns the JSON-encoded daily bar for the unit addressed by key.
// A date without a bar (holiday, halt, not yet listed) is pipeline.ErrNoData.
// The identity token is unused; the API authenticates by key.
func (t *Transport) FetchRaw(ctx context.Context, key, _ string) ([]byte, error) {
	symbol, date, ok := strings.Cut(key, "@")
	if !ok {
		return nil, fmt.Errorf("malformed key %q", key)
	}
	day, err := time.Parse(domain.DateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("malformed key %q: %w", key, err)
	}

	type result struct {
		bars []marketdata.Bar
		err  error
	}
	done := make(chan result, 1)
	go func() {
		bars, err := t.client.GetBars(symbol, marketdata.GetBarsRequest{
			TimeFrame: marketdata.OneDay,
			Start:     day,
			End:       day.Add(24*time.Hour - time.Second),
			Feed:      marketdata.Feed(t.feed),
		})
		done <- result{bars, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		if transient(res.err) {
			return nil, fmt.Errorf("GetBars %s: %w (%w)", key, pipeline.ErrTransient, res.err)
		}
		return nil, fmt.Errorf("GetBars %s: %w", key, res.err)
	}

	for _, b := range res.bars {
		if b.Timestamp.UTC().Format(domain.DateLayout) != date {
			continue
		}
		return json.Marshal(payload{
			Symbol: symbol,
			Date:   date,
			Open:   decimal.NewFromFloat(b.Open),
			High:   decimal.NewFromFloat(b.High),
			Low:    decimal.NewFromFloat(b.Low),
			Close:  decimal.NewFromFloat(b.Close),
			Volume: b.Volume,
		})
	}
	return nil, fmt.Errorf("%s: %w", key, pipeline.ErrNoData)
}

// plainStatus matches the status suffix the client appends when an error
// body is not JSON.
var plainStatus = regexp.MustCompile(`\(HTTP (\d{3})\)$`)

// transient reports whether a client error is worth retrying: rate limits,
// server errors and failures that never produced a response. Other HTTP
// statuses (bad credentials, forbidden feed, invalid request) are terminal.
func transient(err error) bool {
	if pipeline.IsTransient(err) {
		return true
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.StatusCode)
	}
	if m := plainStatus.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return retryableStatus(code)
	}
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// Parser turns a bar payload into one output row. Prices are rounded to
// four decimal places.
type Parser struct{}

// Parse decodes the payload produced by Transport.
func (Parser) Parse(u domain.Unit, data []byte) ([][]string, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding bar: %w", err)
	}
	if p.Date != u.Date {
		return nil, fmt.Errorf("bar date %s does not match unit date %s", p.Date, u.Date)
	}
	if p.High.LessThan(p.Low) {
		return nil, errors.New("bar high below low")
	}
	return [][]string{{
		u.Entity.ID,
		u.Date,
		p.Open.Round(4).String(),
		p.High.Round(4).String(),
		p.Low.Round(4).String(),
		p.Close.Round(4).String(),
		strconv.FormatUint(p.Volume, 10),
	}}, nil
}
