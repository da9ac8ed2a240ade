package calendar

import (
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"tsfetch/internal/domain"
)

// Client is the subset of the Alpaca trading client used here.
type Client interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// NewAlpacaClient returns a trading API client for the calendar endpoint.
func NewAlpacaClient(apiKey, apiSecret, baseURL string) *alpaca.Client {
	return alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
}

// FetchAlpaca returns the trading days in [start, end] from the Alpaca
// calendar. Days whose session has not finished by now are dropped, so a
// calendar built mid-session never lists a date with incomplete data.
func FetchAlpaca(client Client, start, end, now time.Time) ([]string, error) {
	days, err := client.GetCalendar(alpaca.GetCalendarRequest{Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", err)
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("no trading days returned from calendar for %s..%s",
			start.Format(domain.DateLayout), end.Format(domain.DateLayout))
	}

	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading ET timezone: %w", err)
	}
	now = now.In(et)
	today := now.Format(domain.DateLayout)
	// Extended-hours data settles a few minutes after 20:00 ET.
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 20, 5, 0, 0, et)

	dates := make([]string, 0, len(days))
	for _, day := range days {
		if _, err := time.Parse(domain.DateLayout, day.Date); err != nil {
			continue
		}
		if day.Date > today || (day.Date == today && now.Before(cutoff)) {
			continue
		}
		dates = append(dates, day.Date)
	}
	return Normalize(dates), nil
}
