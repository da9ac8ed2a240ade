package twse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tsfetch/internal/domain"
	"tsfetch/internal/pipeline"
)

// Columns is the output schema of Parser.
var Columns = []string{"Ticker", "Date", "Open", "High", "Low", "Close", "Volume"}

// Compile-time interface checks.
var (
	_ pipeline.Transport = (*Transport)(nil)
	_ pipeline.Parser    = Parser{}
)

// Transport serves one unit at a time out of the monthly reports.
type Transport struct {
	client *Client
}

// NewTransport wraps client.
func NewTransport(client *Client) *Transport {
	return &Transport{client: client}
}

// Key addresses a unit as SYMBOL@YYYY-MM-DD, where SYMBOL keeps its market
// suffix.
func Key(u domain.Unit) string {
	return u.Entity.ID + "@" + u.Date
}

// FetchRaw returns the JSON-encoded bar for the unit addressed by key. A
// date the security did not trade is pipeline.ErrNoData.
func (t *Transport) FetchRaw(ctx context.Context, key, identity string) ([]byte, error) {
	symbol, date, ok := strings.Cut(key, "@")
	if !ok {
		return nil, fmt.Errorf("malformed key %q", key)
	}
	day, err := time.Parse(domain.DateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("malformed key %q: %w", key, err)
	}

	bars, err := t.client.Month(ctx, symbol, day.Year(), day.Month(), identity)
	if err != nil {
		return nil, err
	}
	for _, b := range bars {
		if b.Date == date {
			return json.Marshal(b)
		}
	}
	return nil, fmt.Errorf("%s: %w", key, pipeline.ErrNoData)
}

// Parser turns a bar into one output row.
type Parser struct{}

// Parse decodes the payload produced by Transport.
func (Parser) Parse(u domain.Unit, data []byte) ([][]string, error) {
	var b Bar
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decoding bar: %w", err)
	}
	if b.Date != u.Date {
		return nil, fmt.Errorf("bar date %s does not match unit date %s", b.Date, u.Date)
	}
	if b.High.LessThan(b.Low) {
		return nil, errors.New("bar high below low")
	}
	return [][]string{{
		u.Entity.ID,
		u.Date,
		b.Open.String(),
		b.High.String(),
		b.Low.String(),
		b.Close.String(),
		strconv.FormatInt(b.Volume, 10),
	}}, nil
}
