package calendar

import (
	"context"
	"fmt"
	"time"

	"tsfetch/internal/domain"
	"tsfetch/internal/util"
)

// MonthSource lists the dates a security traded in one month.
type MonthSource interface {
	TradingDays(ctx context.Context, symbol string, year int, month time.Month) ([]string, error)
}

const (
	monthAttempts   = 3
	minMonthBackoff = 100 * time.Millisecond
)

// FetchHistory returns the trading days in [start, end] taken from the daily
// history of symbol, which must trade every session. The exchange publishes
// a day's history after 14:30 Taipei time; today is dropped before that.
// pause separates consecutive month requests.
func FetchHistory(ctx context.Context, src MonthSource, symbol string, start, end, now time.Time, pause time.Duration) ([]string, error) {
	tpe, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		return nil, fmt.Errorf("loading Taipei timezone: %w", err)
	}
	now = now.In(tpe)
	today := now.Format(domain.DateLayout)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 14, 30, 0, 0, tpe)
	from, to := start.Format(domain.DateLayout), end.Format(domain.DateLayout)
	if to > today {
		to = today
	}

	var dates []string
	first := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	for m := first; m.Format(domain.DateLayout) <= to; m = m.AddDate(0, 1, 0) {
		if m.After(first) {
			if err := util.Sleep(ctx, pause); err != nil {
				return nil, err
			}
		}
		var days []string
		err := util.Retry(ctx, monthAttempts, max(pause, minMonthBackoff), func() error {
			var err error
			days, err = src.TradingDays(ctx, symbol, m.Year(), m.Month())
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", symbol, m.Format("2006-01"), err)
		}
		for _, d := range days {
			if d < from || d > to || (d == today && now.Before(cutoff)) {
				continue
			}
			dates = append(dates, d)
		}
	}
	if len(dates) == 0 {
		return nil, fmt.Errorf("no trading days in %s history for %s..%s", symbol, from, to)
	}
	return Normalize(dates), nil
}
