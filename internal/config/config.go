package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for tsfetch.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	TWSE     TWSE           `yaml:"twse"`
	Logging  Logging        `yaml:"logging"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Jobs     Jobs           `yaml:"jobs"`
}

// Storage holds paths for data persistence shared by all jobs. Relative
// paths here and in Jobs are resolved against DataDir.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	LedgerPath string `yaml:"ledger_path"`
	ParquetDir string `yaml:"parquet_dir"` // empty disables post-run export
}

// Server holds the optional operator-facing listeners.
type Server struct {
	GRPCAddr    string `yaml:"grpc_addr"`    // gRPC health service; empty disables
	MetricsAddr string `yaml:"metrics_addr"` // Prometheus /metrics; empty disables
}

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// TWSE holds the endpoints of the Taiwan exchange monthly reports. Empty
// values select the public endpoints.
type TWSE struct {
	ListedURL string `yaml:"listed_url"` // TWSE STOCK_DAY
	OTCURL    string `yaml:"otc_url"`    // TPEx st43
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// FetchConfig controls the per-unit fetch executor.
type FetchConfig struct {
	MaxRetries      int      `yaml:"max_retries"`
	RetryBase       Duration `yaml:"retry_base"`
	Timeout         Duration `yaml:"timeout"`
	MaxInFlight     int      `yaml:"max_in_flight"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
	UserAgents      []string `yaml:"user_agents"`
}

// PipelineConfig controls scheduling, batching and resume behaviour.
type PipelineConfig struct {
	EntityConcurrency int      `yaml:"entity_concurrency"`
	ChunkSize         int      `yaml:"chunk_size"`
	FlushThreshold    int      `yaml:"flush_threshold"`
	CourtesyDelay     Duration `yaml:"courtesy_delay"`
	FlushRetries      int      `yaml:"flush_retries"`
	SoftFailPolicy    string   `yaml:"soft_fail_policy"` // "retry" or "skip"
}

// Jobs holds per-domain job definitions.
type Jobs struct {
	Broker BrokerJob `yaml:"broker"`
	Ticker TickerJob `yaml:"ticker"`
}

// BrokerJob configures the broker branch trading snapshot job.
type BrokerJob struct {
	CalendarPath string `yaml:"calendar_path"`
	EntitiesPath string `yaml:"entities_path"`
	OutputPath   string `yaml:"output_path"`
	BaseURL      string `yaml:"base_url"`
}

// TickerJob configures the per-ticker daily price history job. The twse
// source reads the TWSE and TPEx company listings; the alpaca source reads
// EntitiesPath.
type TickerJob struct {
	Source       string `yaml:"source"` // "twse" or "alpaca"
	CalendarPath string `yaml:"calendar_path"`
	ListedPath   string `yaml:"listed_path"` // TWSE listed companies
	OTCPath      string `yaml:"otc_path"`    // TPEx companies
	EntitiesPath string `yaml:"entities_path"`
	OutputPath   string `yaml:"output_path"`
}

// Duration is a time.Duration that unmarshals from YAML strings such as
// "250ms" or "2s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Path resolves p against Storage.DataDir unless it is absolute.
func (cfg *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.Storage.DataDir, p)
}

// Soft-fail policies.
const (
	SoftFailRetry = "retry" // stall the entity; the date is re-fetched next run
	SoftFailSkip  = "skip"  // record the date as skipped and move on
)

// Ticker sources.
const (
	TickerSourceTWSE   = "twse"
	TickerSourceAlpaca = "alpaca"
)

// DefaultUserAgents is the identity-token pool used when none is configured.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:106.0) Gecko/20100101 Firefox/106.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_12_6) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/73.0.3683.75 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/72.0.3626.121 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/64.0.3282.140 Safari/537.36 Edge/18.17763",
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, applies
// defaults, then environment variable overrides (including a .env file in
// the working directory, if present), and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields. The defaults mirror the values the
// broker job has historically been run with.
func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	f := &cfg.Fetch
	if f.MaxRetries == 0 {
		f.MaxRetries = 4
	}
	if f.RetryBase == 0 {
		f.RetryBase = Duration(2 * time.Second)
	}
	if f.Timeout == 0 {
		f.Timeout = Duration(10 * time.Second)
	}
	if f.MaxInFlight == 0 {
		f.MaxInFlight = 20
	}
	if len(f.UserAgents) == 0 {
		f.UserAgents = DefaultUserAgents
	}

	p := &cfg.Pipeline
	if p.EntityConcurrency == 0 {
		p.EntityConcurrency = 5
	}
	if p.ChunkSize == 0 {
		p.ChunkSize = 10
	}
	if p.FlushThreshold == 0 {
		p.FlushThreshold = 20
	}
	if p.CourtesyDelay == 0 {
		p.CourtesyDelay = Duration(250 * time.Millisecond)
	}
	if p.FlushRetries == 0 {
		p.FlushRetries = 3
	}
	if p.SoftFailPolicy == "" {
		p.SoftFailPolicy = SoftFailRetry
	}

	if cfg.Storage.LedgerPath == "" {
		cfg.Storage.LedgerPath = "tsfetch_ledger.db"
	}

	b := &cfg.Jobs.Broker
	if b.BaseURL == "" {
		b.BaseURL = "https://fubon-ebrokerdj.fbs.com.tw/z/zg/zgb/zgb0.djhtm"
	}
	if b.CalendarPath == "" {
		b.CalendarPath = "trade_date.csv"
	}
	if b.EntitiesPath == "" {
		b.EntitiesPath = "broker_branches.csv"
	}
	if b.OutputPath == "" {
		b.OutputPath = "broker_data.csv"
	}

	tk := &cfg.Jobs.Ticker
	if tk.Source == "" {
		tk.Source = TickerSourceTWSE
	}
	if tk.CalendarPath == "" {
		tk.CalendarPath = "trade_date.csv"
	}
	// Setting either listing keeps the other one empty.
	if tk.ListedPath == "" && tk.OTCPath == "" {
		tk.ListedPath = "TWSE.csv"
		tk.OTCPath = "OTCs.csv"
	}
	if tk.EntitiesPath == "" {
		tk.EntitiesPath = "tickers.csv"
	}
	if tk.OutputPath == "" {
		tk.OutputPath = "ticker_history.csv"
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("TSFETCH_LEDGER"); v != "" {
		cfg.Storage.LedgerPath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}

	if v := os.Getenv("TSFETCH_ENTITY_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.EntityConcurrency = n
		}
	}
	if v := os.Getenv("TSFETCH_MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fetch.MaxInFlight = n
		}
	}
	if v := os.Getenv("TSFETCH_SOFT_FAIL_POLICY"); v != "" {
		cfg.Pipeline.SoftFailPolicy = v
	}
	if v := os.Getenv("TSFETCH_TICKER_SOURCE"); v != "" {
		cfg.Jobs.Ticker.Source = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// Validate reports every invalid field at once.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Fetch.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("fetch.max_retries must be >= 1, got %d", cfg.Fetch.MaxRetries))
	}
	if cfg.Fetch.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("fetch.max_in_flight must be >= 1, got %d", cfg.Fetch.MaxInFlight))
	}
	if cfg.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout must be positive"))
	}
	if cfg.Pipeline.EntityConcurrency < 1 {
		errs = append(errs, fmt.Errorf("pipeline.entity_concurrency must be >= 1, got %d", cfg.Pipeline.EntityConcurrency))
	}
	if cfg.Pipeline.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("pipeline.chunk_size must be >= 1, got %d", cfg.Pipeline.ChunkSize))
	}
	if cfg.Pipeline.FlushThreshold < 0 {
		errs = append(errs, fmt.Errorf("pipeline.flush_threshold must be >= 0, got %d", cfg.Pipeline.FlushThreshold))
	}
	switch cfg.Pipeline.SoftFailPolicy {
	case SoftFailRetry, SoftFailSkip:
	default:
		errs = append(errs, fmt.Errorf("pipeline.soft_fail_policy must be %q or %q, got %q",
			SoftFailRetry, SoftFailSkip, cfg.Pipeline.SoftFailPolicy))
	}
	switch cfg.Jobs.Ticker.Source {
	case TickerSourceTWSE, TickerSourceAlpaca:
	default:
		errs = append(errs, fmt.Errorf("jobs.ticker.source must be %q or %q, got %q",
			TickerSourceTWSE, TickerSourceAlpaca, cfg.Jobs.Ticker.Source))
	}
	return errors.Join(errs...)
}
