// Package loader reads, defaults, and validates the nwpd configuration.
//
// Configuration comes from a YAML file layered over DefaultConfig, with
// environment variables overriding the secret fields so credentials stay
// out of files. Load rejects invalid configurations up front; a Config
// that came out of Load is safe to wire without further checking, except
// that callers still create directories via EnsureDirectories.
package loader

import (
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nwpio/nwpd/config"
	"github.com/nwpio/nwpd/internal/errors"
)

// Environment variables recognized by ApplyEnvironment. All of them carry
// credentials; none are required when the config file sets the same field.
const (
	EnvCEDAToken             = "NWPD_CEDA_TOKEN"
	EnvMetOfficeClientID     = "NWPD_METOFFICE_CLIENT_ID"
	EnvMetOfficeClientSecret = "NWPD_METOFFICE_CLIENT_SECRET"
	EnvS3AccessKey           = "NWPD_S3_ACCESS_KEY"
	EnvS3SecretKey           = "NWPD_S3_SECRET_KEY"
)

// Config is the complete nwpd configuration.
type Config struct {
	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Store configures the chunk store that merged arrays land in.
	Store StoreConfig `yaml:"store"`

	// Staging configures the raw-file cache between download and decode.
	Staging StagingConfig `yaml:"staging"`

	// Providers configures the upstream NWP sources.
	Providers ProvidersConfig `yaml:"providers"`

	// Consume configures run orchestration.
	Consume ConsumeConfig `yaml:"consume"`

	// Fetch configures per-file download retries.
	Fetch FetchConfig `yaml:"fetch"`

	// HTTP configures the shared provider HTTP behavior.
	HTTP HTTPConfig `yaml:"http"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig controls log level and encoding.
type LoggingConfig struct {
	// Level is the minimum level to emit: debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format selects the encoding: text or json.
	Format string `yaml:"format"`
}

// SlogLevel translates the configured level string. Validate has already
// rejected anything outside the known set.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// JSON reports whether log lines are JSON encoded.
func (c LoggingConfig) JSON() bool {
	return c.Format == "json"
}

// StoreConfig locates and tunes the chunk store.
type StoreConfig struct {
	// Root is the store directory holding chunks and the manifest.
	Root string `yaml:"root"`

	// Compression is the parquet codec for new chunks: none, snappy,
	// zstd, lz4, or gzip.
	Compression string `yaml:"compression"`

	// ConsolidateMinChunks is the minimum number of daily chunks a
	// (variable, month) needs before consolidation rewrites it. Months
	// that already have a monthly chunk fold new days in regardless.
	ConsolidateMinChunks int `yaml:"consolidate_min_chunks"`

	// ConsolidateMinAge keeps consolidation away from months still being
	// written. Only months ending at least this long ago are candidates.
	ConsolidateMinAge time.Duration `yaml:"consolidate_min_age"`

	// Query tunes the read path.
	Query QueryConfig `yaml:"query"`
}

// QueryConfig tunes the DuckDB-backed read path.
type QueryConfig struct {
	// MemoryLimit bounds DuckDB memory, e.g. "1GB". Empty leaves the
	// engine default.
	MemoryLimit string `yaml:"memory_limit"`
}

// StagingConfig selects and tunes the staged-file cache.
type StagingConfig struct {
	// Backend selects the cache implementation: dir or s3.
	Backend string `yaml:"backend"`

	// Dir is the local cache directory for the dir backend.
	Dir string `yaml:"dir"`

	// MaxAge is how long orphaned staged files survive before Prune
	// removes them. Zero disables pruning.
	MaxAge time.Duration `yaml:"max_age"`

	// S3 configures the s3 backend.
	S3 S3Config `yaml:"s3"`
}

// S3Config points the staging cache at an S3 bucket.
type S3Config struct {
	// Bucket is the bucket name.
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix"`

	// Region is the bucket region.
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint for MinIO-style deployments.
	Endpoint string `yaml:"endpoint"`

	// PathStyle forces path-style addressing, required by most
	// self-hosted S3 implementations.
	PathStyle bool `yaml:"path_style"`

	// AccessKey and SecretKey are static credentials. Empty values fall
	// back to the ambient AWS credential chain.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// ProvidersConfig holds per-provider settings.
type ProvidersConfig struct {
	CEDA      CEDAConfig      `yaml:"ceda"`
	MetOffice MetOfficeConfig `yaml:"metoffice"`
	Icon      IconConfig      `yaml:"icon"`
}

// Enabled returns the names of enabled providers in registration order.
func (c ProvidersConfig) Enabled() []string {
	var names []string
	if c.CEDA.Enabled {
		names = append(names, "ceda")
	}
	if c.MetOffice.Enabled {
		names = append(names, "metoffice")
	}
	if c.Icon.Enabled {
		names = append(names, "icon")
	}
	return names
}

// CEDAConfig configures the CEDA UKV archive source.
type CEDAConfig struct {
	// Enabled registers the provider for consume runs.
	Enabled bool `yaml:"enabled"`

	// BaseURL overrides the archive host.
	BaseURL string `yaml:"base_url"`

	// Token is the CEDA access token. NWPD_CEDA_TOKEN overrides it.
	Token string `yaml:"token"`
}

// MetOfficeConfig configures the Met Office DataHub source.
type MetOfficeConfig struct {
	// Enabled registers the provider for consume runs.
	Enabled bool `yaml:"enabled"`

	// BaseURL overrides the API host.
	BaseURL string `yaml:"base_url"`

	// OrderID names the DataHub order to pull files from.
	OrderID string `yaml:"order_id"`

	// ClientID and ClientSecret are the API credentials.
	// NWPD_METOFFICE_CLIENT_ID and NWPD_METOFFICE_CLIENT_SECRET
	// override them.
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// IconConfig configures the DWD ICON-EU open-data source. ICON needs no
// credentials.
type IconConfig struct {
	// Enabled registers the provider for consume runs.
	Enabled bool `yaml:"enabled"`

	// BaseURL overrides the open-data host.
	BaseURL string `yaml:"base_url"`

	// Variables overrides the variable directories to fetch.
	Variables []string `yaml:"variables"`

	// Steps overrides the forecast steps to fetch, in hours.
	Steps []int `yaml:"steps"`

	// Cycle overrides the spacing between model runs.
	Cycle time.Duration `yaml:"cycle"`
}

// ConsumeConfig tunes run orchestration.
type ConsumeConfig struct {
	// MaxFailedUnits is the number of failed units a run absorbs before
	// reporting partial ingestion. There is no sensible default; the
	// operator must choose one, so the field is required.
	MaxFailedUnits *int `yaml:"max_failed_units"`

	// UnitWorkers is the number of units processed in parallel. Zero
	// means core count capped at 4.
	UnitWorkers int `yaml:"unit_workers"`

	// FetchWorkers is the download fan-out across all in-flight units.
	FetchWorkers int `yaml:"fetch_workers"`

	// KeepStaged retains staged files after their unit merges.
	KeepStaged bool `yaml:"keep_staged"`
}

// Tolerance returns the configured failure tolerance. Validate rejects
// configs that omit it, so a validated Config never reaches the zero
// fallback.
func (c ConsumeConfig) Tolerance() int {
	if c.MaxFailedUnits == nil {
		return 0
	}
	return *c.MaxFailedUnits
}

// FetchConfig tunes per-file download retries.
type FetchConfig struct {
	// MaxAttempts bounds attempts per file, first try included.
	MaxAttempts int `yaml:"max_attempts"`

	// BackoffInitial is the delay before the second attempt.
	BackoffInitial time.Duration `yaml:"backoff_initial"`

	// BackoffMax caps the delay between attempts.
	BackoffMax time.Duration `yaml:"backoff_max"`

	// AttemptTimeout bounds a single attempt. Zero leaves attempts
	// unbounded.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// HTTPConfig tunes the shared provider HTTP behavior.
type HTTPConfig struct {
	// Timeout bounds non-streaming provider requests.
	Timeout time.Duration `yaml:"timeout"`

	// BreakerFailures opens a provider circuit breaker after this many
	// consecutive failures.
	BreakerFailures int `yaml:"breaker_failures"`

	// BreakerCooldown holds an open breaker for this long.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics, e.g. ":9090". Empty
	// disables the endpoint.
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the built-in defaults. The result does not pass
// Validate on its own: consume.max_failed_units has no default and CEDA,
// the default provider, still needs a token.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Root:                 "/var/lib/nwpd/store",
			Compression:          "zstd",
			ConsolidateMinChunks: config.DefaultConsolidateMinChunks,
			ConsolidateMinAge:    config.DefaultConsolidateMinAge,
			Query: QueryConfig{
				MemoryLimit: "1GB",
			},
		},
		Staging: StagingConfig{
			Backend: "dir",
			Dir:     "/var/lib/nwpd/staging",
			MaxAge:  config.DefaultStagingMaxAge,
		},
		Providers: ProvidersConfig{
			CEDA: CEDAConfig{
				Enabled: true,
			},
		},
		Consume: ConsumeConfig{
			UnitWorkers:  config.DefaultUnitWorkers,
			FetchWorkers: config.DefaultFetchWorkers,
		},
		Fetch: FetchConfig{
			MaxAttempts:    config.DefaultFetchAttempts,
			BackoffInitial: config.DefaultFetchBackoffInitial,
			BackoffMax:     config.DefaultFetchBackoffMax,
			AttemptTimeout: config.DefaultFetchAttemptTimeout,
		},
		HTTP: HTTPConfig{
			Timeout:         config.DefaultHTTPTimeout,
			BreakerFailures: config.DefaultBreakerFailures,
			BreakerCooldown: config.DefaultBreakerCooldown,
		},
	}
}

// Load reads a YAML config file, layers it over the defaults, applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads and layers a config file without validating it, for callers
// that apply their own overrides before Validate. Command-line flags land
// between Parse and Validate, so a flag can supply a field the file omits.
func Parse(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "parse config %s: %v", path, err)
	}
	cfg.ApplyEnvironment()
	return cfg, nil
}

// ApplyEnvironment overrides the secret fields from the process
// environment. Load calls it before Validate; callers that build a Config
// without a file call it themselves.
func (c *Config) ApplyEnvironment() {
	if v, ok := os.LookupEnv(EnvCEDAToken); ok {
		c.Providers.CEDA.Token = v
	}
	if v, ok := os.LookupEnv(EnvMetOfficeClientID); ok {
		c.Providers.MetOffice.ClientID = v
	}
	if v, ok := os.LookupEnv(EnvMetOfficeClientSecret); ok {
		c.Providers.MetOffice.ClientSecret = v
	}
	if v, ok := os.LookupEnv(EnvS3AccessKey); ok {
		c.Staging.S3.AccessKey = v
	}
	if v, ok := os.LookupEnv(EnvS3SecretKey); ok {
		c.Staging.S3.SecretKey = v
	}
}

// EnvVar reports whether one recognized environment variable is set.
// Values are never exposed; every recognized variable is a credential.
type EnvVar struct {
	Name string
	Set  bool
}

// EnvVars returns the recognized environment variables and whether each
// is currently set.
func EnvVars() []EnvVar {
	names := []string{
		EnvCEDAToken,
		EnvMetOfficeClientID,
		EnvMetOfficeClientSecret,
		EnvS3AccessKey,
		EnvS3SecretKey,
	}
	vars := make([]EnvVar, 0, len(names))
	for _, name := range names {
		_, ok := os.LookupEnv(name)
		vars = append(vars, EnvVar{Name: name, Set: ok})
	}
	return vars
}
