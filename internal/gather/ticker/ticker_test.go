package ticker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsfetch/internal/config"
	"tsfetch/internal/gather"
	"tsfetch/internal/source/alpacabars"
	"tsfetch/internal/source/twse"
	"tsfetch/internal/store"
	"tsfetch/internal/util"
)

// barClient serves one bar per symbol and day, except for the listed gaps.
type barClient struct {
	mu    sync.Mutex
	calls int
	gaps  map[string]bool // "SYMBOL@YYYY-MM-DD"
}

func (c *barClient) GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	day := req.Start.UTC().Format("2006-01-02")
	if c.gaps[symbol+"@"+day] {
		return nil, nil
	}
	return []marketdata.Bar{{
		Timestamp: req.Start,
		Open:      10.5,
		High:      11.25,
		Low:       10,
		Close:     11,
		Volume:    1500,
	}}, nil
}

func (c *barClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func testConfig(dir, policy string) *config.Config {
	return &config.Config{
		Storage: config.Storage{DataDir: dir, LedgerPath: "ledger.db"},
		Fetch: config.FetchConfig{
			MaxRetries:  1,
			RetryBase:   config.Duration(time.Millisecond),
			Timeout:     config.Duration(time.Second),
			MaxInFlight: 2,
		},
		Pipeline: config.PipelineConfig{
			EntityConcurrency: 1,
			ChunkSize:         3,
			FlushThreshold:    10,
			FlushRetries:      1,
			SoftFailPolicy:    policy,
		},
		Jobs: config.Jobs{Ticker: config.TickerJob{
			Source:       config.TickerSourceAlpaca,
			CalendarPath: "cal.csv",
			EntitiesPath: "tickers.csv",
			OutputPath:   "bars.csv",
		}},
	}
}

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cal.csv"),
		[]byte("str_date\n2024-01-02\n2024-01-03\n2024-01-04\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tickers.csv"),
		[]byte("ticker,name\nAAPL,Apple\nMSFT,Microsoft\n"), 0o644))
	return dir
}

func outputDates(t *testing.T, path string) map[string][]string {
	t.Helper()
	out := make(map[string][]string)
	err := store.ScanCSV(path, []string{"Ticker", "Date"}, func(r store.CSVRow) error {
		out[r.Get("Ticker")] = append(out[r.Get("Ticker")], r.Get("Date"))
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestGathererStallsOnMissingBar(t *testing.T) {
	dir := setup(t)
	client := &barClient{gaps: map[string]bool{"MSFT@2024-01-03": true}}
	log := util.NewLogger("error", "text", os.Stderr)

	g := NewAlpaca(testConfig(dir, config.SoftFailRetry), alpacabars.NewTransportWithClient(client, ""), log)
	require.NoError(t, g.Run(context.Background()))

	got := outputDates(t, filepath.Join(dir, "bars.csv"))
	assert.Equal(t, []string{"2024-01-02", "2024-01-03", "2024-01-04"}, got["AAPL"])
	assert.Equal(t, []string{"2024-01-02"}, got["MSFT"])

	// Next pass retries MSFT from the stalled date only.
	before := client.callCount()
	client.gaps = nil
	require.NoError(t, g.Run(context.Background()))
	assert.Equal(t, before+2, client.callCount())
	got = outputDates(t, filepath.Join(dir, "bars.csv"))
	assert.Equal(t, []string{"2024-01-02", "2024-01-03", "2024-01-04"}, got["MSFT"])
}

func TestGathererSkipsMissingBar(t *testing.T) {
	dir := setup(t)
	client := &barClient{gaps: map[string]bool{"MSFT@2024-01-03": true}}
	log := util.NewLogger("error", "text", os.Stderr)

	g := NewAlpaca(testConfig(dir, config.SoftFailSkip), alpacabars.NewTransportWithClient(client, ""), log)
	require.NoError(t, g.Run(context.Background()))

	got := outputDates(t, filepath.Join(dir, "bars.csv"))
	assert.Equal(t, []string{"2024-01-02", "2024-01-04"}, got["MSFT"])

	ledger, err := store.OpenLedger(filepath.Join(dir, "ledger.db"), "check")
	require.NoError(t, err)
	defer ledger.Close()
	marks, err := ledger.Marks(context.Background(), Name, "MSFT")
	require.NoError(t, err)
	require.Len(t, marks, 1)
	assert.Equal(t, "2024-01-03", marks[0].Date)
	assert.Equal(t, store.MarkSkipped, marks[0].Kind)
}

func TestExportParquet(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "bars.csv")
	require.NoError(t, os.WriteFile(csvPath,
		[]byte("Ticker,Date,Open,High,Low,Close,Volume\nAAPL,2023-12-29,1.5,2,1,1.75,300\nAAPL,2024-01-02,x,2,1,1,1\n"), 0o644))

	exported, skipped, err := Export(csvPath, filepath.Join(dir, "pq"))
	require.NoError(t, err)
	assert.Equal(t, 1, exported)
	assert.Equal(t, 1, skipped)

	recs, err := store.ReadParquetFile[store.DailyBarRecord](filepath.Join(dir, "pq", "2023.parquet"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, store.DailyBarRecord{Ticker: "AAPL", Date: "2023-12-29", Open: 1.5, High: 2, Low: 1, Close: 1.75, Volume: 300}, recs[0])
}

type hitCounter struct {
	mu sync.Mutex
	n  map[string]int
}

func (h *hitCounter) add(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == nil {
		h.n = make(map[string]int)
	}
	h.n[path]++
}

func (h *hitCounter) get(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n[path]
}

// exchangeServer serves the TWSE and TPEx monthly reports for January 2024.
func exchangeServer(t *testing.T, hits *hitCounter) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/STOCK_DAY", func(w http.ResponseWriter, r *http.Request) {
		hits.add(r.URL.Path)
		if r.URL.Query().Get("stockNo") != "2330" {
			fmt.Fprint(w, `{"stat":"很抱歉，沒有符合條件的資料!"}`)
			return
		}
		fmt.Fprint(w, `{"stat":"OK","data":[
 ["113/01/02","25,756,753","0","590.00","593.00","589.00","593.00","0","0"],
 ["113/01/03","38,325,644","0","584.00","585.00","578.00","578.00","0","0"],
 ["113/01/04","22,225,062","0","580.00","580.00","576.00","580.00","0","0"]]}`)
	})
	mux.HandleFunc("/st43_result.php", func(w http.ResponseWriter, r *http.Request) {
		hits.add(r.URL.Path)
		fmt.Fprint(w, `{"aaData":[
 ["113/01/02","1,234","0","450.00","455.50","448.00","452.00","0","0"],
 ["113/01/03","987","0","451.00","452.00","449.00","450.00","0","0"],
 ["113/01/04","1,001","0","450.00","450.00","447.00","448.00","0","0"]]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTaiwanGathererReadsExchangeListings(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cal.csv"),
		[]byte("str_date\n2024-01-02\n2024-01-03\n2024-01-04\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "TWSE.csv"),
		[]byte("\ufeff出表日期,公司代號,公司名稱,公司簡稱\n1130105,2330,台灣積體電路製造股份有限公司,台積電\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "OTCs.csv"),
		[]byte("股票代號,名稱\n6488,環球晶\n"), 0o644))

	hits := &hitCounter{}
	srv := exchangeServer(t, hits)
	cfg := testConfig(dir, config.SoftFailRetry)
	cfg.Jobs.Ticker = config.TickerJob{
		Source:       config.TickerSourceTWSE,
		CalendarPath: "cal.csv",
		ListedPath:   "TWSE.csv",
		OTCPath:      "OTCs.csv",
		OutputPath:   "bars.csv",
	}
	client := twse.NewClient(srv.URL+"/STOCK_DAY", srv.URL+"/st43_result.php", time.Second)
	log := util.NewLogger("error", "text", os.Stderr)

	g := NewTaiwan(cfg, twse.NewTransport(client), log)
	require.NoError(t, g.Run(context.Background()))

	got := outputDates(t, filepath.Join(dir, "bars.csv"))
	assert.Equal(t, []string{"2024-01-02", "2024-01-03", "2024-01-04"}, got["2330.TW"])
	assert.Equal(t, []string{"2024-01-02", "2024-01-03", "2024-01-04"}, got["6488.TWO"])

	// One monthly report per security serves all three dates.
	for _, path := range []string{"/STOCK_DAY", "/st43_result.php"} {
		assert.Equal(t, 1, hits.get(path), path)
	}

	var volumes []string
	err := store.ScanCSV(filepath.Join(dir, "bars.csv"), []string{"Ticker", "Date", "Volume"}, func(r store.CSVRow) error {
		if r.Get("Date") == "2024-01-02" {
			volumes = append(volumes, r.Get("Ticker")+":"+r.Get("Volume"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"2330.TW:25756753", "6488.TWO:1234000"}, volumes)
}

func TestNewSelectsSource(t *testing.T) {
	dir := setup(t)
	cfg := testConfig(dir, config.SoftFailRetry)
	log := util.NewLogger("error", "text", os.Stderr)

	spec := New(cfg, log).Spec()
	require.Len(t, spec.Listings, 1)
	assert.Equal(t, Entities, spec.Listings[0].Columns)

	cfg.Jobs.Ticker.Source = config.TickerSourceTWSE
	cfg.Jobs.Ticker.ListedPath, cfg.Jobs.Ticker.OTCPath = "TWSE.csv", "OTCs.csv"
	spec = New(cfg, log).Spec()
	require.Len(t, spec.Listings, 2)
	assert.Equal(t, gather.Listing{Path: "TWSE.csv", Columns: ListedEntities, Suffix: ".TW"}, spec.Listings[0])
	assert.Equal(t, gather.Listing{Path: "OTCs.csv", Columns: OTCEntities, Suffix: ".TWO"}, spec.Listings[1])
}
