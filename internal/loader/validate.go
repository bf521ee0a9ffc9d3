package loader

import (
	"fmt"
	"os"

	"github.com/nwpio/nwpd/config"
	"github.com/nwpio/nwpd/internal/errors"
)

// Validate checks the configuration for structural problems and collects
// every finding instead of stopping at the first. Credentials are not
// checked here; they may arrive interactively after load, and
// MissingCredentials reports the gaps.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()
	c.Logging.validate(v)
	c.Store.validate(v)
	c.Staging.validate(v)
	c.Providers.validate(v)
	c.Consume.validate(v)
	c.Fetch.validate(v)
	c.HTTP.validate(v)
	return v.Err()
}

func (c LoggingConfig) validate(v *errors.ValidationErrors) {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		v.AddField("logging.level", "must be one of debug, info, warn, error")
	}
	switch c.Format {
	case "text", "json":
	default:
		v.AddField("logging.format", "must be text or json")
	}
}

func (c StoreConfig) validate(v *errors.ValidationErrors) {
	if c.Root == "" {
		v.AddMissing("store.root")
	}
	switch c.Compression {
	case "", "none", "snappy", "zstd", "lz4", "gzip":
	default:
		v.AddField("store.compression", "must be one of none, snappy, zstd, lz4, gzip")
	}
	if c.ConsolidateMinChunks < 1 {
		v.AddField("store.consolidate_min_chunks", "must be at least 1")
	}
	if c.ConsolidateMinAge < 0 {
		v.AddField("store.consolidate_min_age", "must not be negative")
	}
}

func (c StagingConfig) validate(v *errors.ValidationErrors) {
	switch c.Backend {
	case "dir":
		if c.Dir == "" {
			v.AddMissing("staging.dir")
		}
	case "s3":
		if c.S3.Bucket == "" {
			v.AddMissing("staging.s3.bucket")
		}
	default:
		v.AddField("staging.backend", "must be dir or s3")
	}
	if c.MaxAge < 0 {
		v.AddField("staging.max_age", "must not be negative")
	}
	// Static credentials come in pairs; half a pair is a config mistake,
	// while no pair at all falls back to the ambient chain.
	if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		v.AddField("staging.s3", "access_key and secret_key must be set together")
	}
}

func (c ProvidersConfig) validate(v *errors.ValidationErrors) {
	if len(c.Enabled()) == 0 {
		v.AddField("providers", "at least one provider must be enabled")
	}
	if c.MetOffice.Enabled && c.MetOffice.OrderID == "" {
		v.AddMissing("providers.metoffice.order_id")
	}
	if c.Icon.Enabled {
		for _, step := range c.Icon.Steps {
			if step < 0 {
				v.AddField("providers.icon.steps", fmt.Sprintf("step %d is negative", step))
			}
		}
		if c.Icon.Cycle < 0 {
			v.AddField("providers.icon.cycle", "must not be negative")
		}
	}
}

func (c ConsumeConfig) validate(v *errors.ValidationErrors) {
	if c.MaxFailedUnits == nil {
		v.AddMissing("consume.max_failed_units")
	} else if *c.MaxFailedUnits < 0 {
		v.AddField("consume.max_failed_units", "must not be negative")
	}
	if c.UnitWorkers < 0 {
		v.AddField("consume.unit_workers", "must not be negative")
	}
	if c.FetchWorkers < 0 {
		v.AddField("consume.fetch_workers", "must not be negative")
	}
}

func (c FetchConfig) validate(v *errors.ValidationErrors) {
	if c.MaxAttempts < 1 {
		v.AddField("fetch.max_attempts", "must be at least 1")
	}
	if c.BackoffInitial <= 0 {
		v.AddField("fetch.backoff_initial", "must be positive")
	}
	if c.BackoffMax < c.BackoffInitial {
		v.AddField("fetch.backoff_max", "must not be below fetch.backoff_initial")
	}
	if c.AttemptTimeout < 0 {
		v.AddField("fetch.attempt_timeout", "must not be negative")
	}
}

func (c HTTPConfig) validate(v *errors.ValidationErrors) {
	if c.Timeout <= 0 {
		v.AddField("http.timeout", "must be positive")
	}
	if c.BreakerFailures < 1 {
		v.AddField("http.breaker_failures", "must be at least 1")
	}
	if c.BreakerCooldown <= 0 {
		v.AddField("http.breaker_cooldown", "must be positive")
	}
}

// Credential names a secret an enabled component still needs, and the
// environment variable that can supply it.
type Credential struct {
	Field string
	Env   string
}

// MissingCredentials returns the credentials that enabled providers need
// but the configuration does not supply. S3 is never listed: with no
// static pair the cache uses the ambient AWS credential chain.
func (c *Config) MissingCredentials() []Credential {
	var missing []Credential
	if c.Providers.CEDA.Enabled && c.Providers.CEDA.Token == "" {
		missing = append(missing, Credential{Field: "providers.ceda.token", Env: EnvCEDAToken})
	}
	if c.Providers.MetOffice.Enabled {
		if c.Providers.MetOffice.ClientID == "" {
			missing = append(missing, Credential{Field: "providers.metoffice.client_id", Env: EnvMetOfficeClientID})
		}
		if c.Providers.MetOffice.ClientSecret == "" {
			missing = append(missing, Credential{Field: "providers.metoffice.client_secret", Env: EnvMetOfficeClientSecret})
		}
	}
	return missing
}

// EnsureDirectories creates the directories the configuration points at.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Store.Root}
	if c.Staging.Backend == "dir" {
		dirs = append(dirs, c.Staging.Dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, config.DefaultStoreDirPerm); err != nil {
			return errors.Wrapf(err, "create directory %s", dir)
		}
	}
	return nil
}
