package calendar

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"tsfetch/internal/pipeline"
)

func writeCalendar(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trade_date.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func TestLoadSortsAndDeduplicates(t *testing.T) {
	path := writeCalendar(t, ",str_date\n0,2024-01-03\n1,2024-01-02\n2,2024-01-03\n3,2024-01-04\n")

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	want := []string{"2024-01-02", "2024-01-03", "2024-01-04"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Load() = %v, want %v", got, want)
	}
}

func TestLoadFirstColumnFallback(t *testing.T) {
	path := writeCalendar(t, "day\n2024-01-05\n2024-01-04\n")

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if len(got) != 2 || got[0] != "2024-01-04" {
		t.Errorf("Load() = %v, want ascending two dates", got)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty file", ""},
		{"header only", "str_date\n"},
		{"bad date", "str_date\n2024-01-02\n2024/01/03\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeCalendar(t, tt.content))
			var cerr *pipeline.ConfigError
			if !errors.As(err, &cerr) {
				t.Errorf("Load() error = %v, want *pipeline.ConfigError", err)
			}
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.csv"))
	var cerr *pipeline.ConfigError
	if !errors.As(err, &cerr) {
		t.Errorf("Load(missing) error = %v, want *pipeline.ConfigError", err)
	}
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal", "trade_date.csv")
	dates := []string{"2024-01-02", "2024-01-03"}
	if err := Write(path, dates); err != nil {
		t.Fatalf("Write() returned error: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if !reflect.DeepEqual(got, dates) {
		t.Errorf("Load() = %v, want %v", got, dates)
	}
}

type stubClient struct {
	days []alpaca.CalendarDay
	err  error
}

func (s stubClient) GetCalendar(alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error) {
	return s.days, s.err
}

func TestFetchAlpacaDropsUnfinishedSession(t *testing.T) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	client := stubClient{days: []alpaca.CalendarDay{
		{Date: "2024-01-03"}, {Date: "2024-01-02"}, {Date: "2024-01-04"}, {Date: "2024-01-05"},
	}}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, et)
	end := time.Date(2024, 1, 5, 0, 0, 0, 0, et)

	midSession := time.Date(2024, 1, 4, 15, 0, 0, 0, et)
	got, err := FetchAlpaca(client, start, end, midSession)
	if err != nil {
		t.Fatalf("FetchAlpaca() returned error: %v", err)
	}
	want := []string{"2024-01-02", "2024-01-03"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FetchAlpaca() = %v, want %v", got, want)
	}

	evening := time.Date(2024, 1, 4, 21, 0, 0, 0, et)
	got, err = FetchAlpaca(client, start, end, evening)
	if err != nil {
		t.Fatalf("FetchAlpaca() returned error: %v", err)
	}
	if len(got) != 3 || got[2] != "2024-01-04" {
		t.Errorf("FetchAlpaca() = %v, want through 2024-01-04", got)
	}
}

func TestFetchAlpacaEmpty(t *testing.T) {
	now := time.Now()
	if _, err := FetchAlpaca(stubClient{}, now, now, now); err == nil {
		t.Error("FetchAlpaca() should fail on an empty calendar")
	}
}

type monthStub struct {
	days  map[string][]string
	fail  int
	calls []string
}

func (m *monthStub) TradingDays(_ context.Context, symbol string, year int, month time.Month) ([]string, error) {
	key := fmt.Sprintf("%s %04d-%02d", symbol, year, month)
	m.calls = append(m.calls, key)
	if m.fail > 0 {
		m.fail--
		return nil, errors.New("status 503")
	}
	return m.days[key], nil
}

func TestFetchHistoryDropsUnpublishedDay(t *testing.T) {
	tpe, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	src := &monthStub{days: map[string][]string{
		"2330 2023-12": {"2023-12-28", "2023-12-29"},
		"2330 2024-01": {"2024-01-02", "2024-01-03", "2024-01-04"},
	}}
	start := time.Date(2023, 12, 29, 0, 0, 0, 0, tpe)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, tpe)

	midSession := time.Date(2024, 1, 4, 11, 0, 0, 0, tpe)
	got, err := FetchHistory(context.Background(), src, "2330", start, end, midSession, 0)
	if err != nil {
		t.Fatalf("FetchHistory() returned error: %v", err)
	}
	want := []string{"2023-12-29", "2024-01-02", "2024-01-03"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FetchHistory() = %v, want %v", got, want)
	}
	if wantCalls := []string{"2330 2023-12", "2330 2024-01"}; !reflect.DeepEqual(src.calls, wantCalls) {
		t.Errorf("months requested = %v, want %v", src.calls, wantCalls)
	}

	afterClose := time.Date(2024, 1, 4, 15, 0, 0, 0, tpe)
	got, err = FetchHistory(context.Background(), src, "2330", start, end, afterClose, 0)
	if err != nil {
		t.Fatalf("FetchHistory() returned error: %v", err)
	}
	if len(got) != 4 || got[3] != "2024-01-04" {
		t.Errorf("FetchHistory() = %v, want through 2024-01-04", got)
	}
}

func TestFetchHistoryRetriesMonth(t *testing.T) {
	src := &monthStub{fail: 1, days: map[string][]string{"2330 2024-01": {"2024-01-02"}}}
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	got, err := FetchHistory(context.Background(), src, "2330", day, day, now, 0)
	if err != nil {
		t.Fatalf("FetchHistory() returned error: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"2024-01-02"}) {
		t.Errorf("FetchHistory() = %v", got)
	}
	if len(src.calls) != 2 {
		t.Errorf("calls = %d, want 2", len(src.calls))
	}
}

func TestFetchHistoryEmpty(t *testing.T) {
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	if _, err := FetchHistory(context.Background(), &monthStub{}, "2330", day, day, day.AddDate(0, 1, 0), 0); err == nil {
		t.Error("FetchHistory() should fail without trading days")
	}
}
