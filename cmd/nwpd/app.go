package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/nwpio/nwpd/internal/consumer"
	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/fetch"
	"github.com/nwpio/nwpd/internal/loader"
	"github.com/nwpio/nwpd/internal/observability"
	"github.com/nwpio/nwpd/internal/provider"
	"github.com/nwpio/nwpd/internal/provider/ceda"
	"github.com/nwpio/nwpd/internal/provider/httpc"
	"github.com/nwpio/nwpd/internal/provider/icon"
	"github.com/nwpio/nwpd/internal/provider/metoffice"
	"github.com/nwpio/nwpd/internal/schema"
	"github.com/nwpio/nwpd/internal/store"
)

const defaultConfigPath = "config.yaml"

// parseConfig loads the file behind -config without validating it, so
// command flags can fill fields before Validate runs. When the flag was
// left at its default a missing file falls back to the built-in defaults;
// an explicitly given path must exist.
func parseConfig(flags *flag.FlagSet, path string) (*loader.Config, error) {
	explicit := false
	flags.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	cfg, err := loader.Parse(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			cfg = loader.DefaultConfig()
			cfg.ApplyEnvironment()
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// selectProviders resolves the -providers flag against the enabled set.
// An empty flag selects every enabled provider.
func selectProviders(cfg *loader.Config, flagVal string) ([]string, error) {
	enabled := cfg.Providers.Enabled()
	if flagVal == "" {
		return enabled, nil
	}
	on := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		on[name] = true
	}
	var names []string
	for _, name := range strings.Split(flagVal, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !on[name] {
			return nil, errors.Wrapf(errors.ErrInvalidConfig,
				"provider %s is not enabled (enabled: %s)", name, strings.Join(enabled, ", "))
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "no providers selected")
	}
	return names, nil
}

// missingForRun filters credential gaps down to the providers the run
// actually selected, so an icon-only run never stalls on a Met Office
// secret.
func missingForRun(cfg *loader.Config, names []string) []loader.Credential {
	selected := make(map[string]bool, len(names))
	for _, name := range names {
		selected[name] = true
	}
	var missing []loader.Credential
	for _, cred := range cfg.MissingCredentials() {
		// Credential fields are providers.<name>.<field>.
		parts := strings.Split(cred.Field, ".")
		if len(parts) > 1 && selected[parts[1]] {
			missing = append(missing, cred)
		}
	}
	return missing
}

// promptCredentials reads each listed secret from the terminal with echo
// disabled and writes it into the config.
func promptCredentials(cfg *loader.Config, creds []loader.Credential) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.NewValidation("ask-credentials", "stdin is not a terminal")
	}
	for _, cred := range creds {
		fmt.Fprintf(os.Stderr, "%s: ", cred.Field)
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return errors.Wrapf(err, "read %s", cred.Field)
		}
		setCredential(cfg, cred.Field, string(secret))
	}
	return nil
}

func setCredential(cfg *loader.Config, field, value string) {
	switch field {
	case "providers.ceda.token":
		cfg.Providers.CEDA.Token = value
	case "providers.metoffice.client_id":
		cfg.Providers.MetOffice.ClientID = value
	case "providers.metoffice.client_secret":
		cfg.Providers.MetOffice.ClientSecret = value
	}
}

// newHTTPClient builds the transport shared by every provider client. The
// header timeout bounds listings and order metadata without cutting off
// long downloads; end-to-end deadlines come from request contexts.
func newHTTPClient(cfg loader.HTTPConfig) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.Timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   cfg.Timeout,
			ResponseHeaderTimeout: cfg.Timeout,
			MaxIdleConns:          32,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

func httpcOptions(cfg loader.HTTPConfig) httpc.Options {
	return httpc.Options{
		Client:          newHTTPClient(cfg),
		BreakerFailures: uint32(cfg.BreakerFailures),
		BreakerCooldown: cfg.BreakerCooldown,
	}
}

// buildProvider constructs one provider client by registry name.
func buildProvider(cfg *loader.Config, name string, hopts httpc.Options) (provider.Client, *httpc.Client, error) {
	h := httpc.New(name, hopts)
	switch name {
	case "ceda":
		return ceda.New(ceda.Options{
			BaseURL: cfg.Providers.CEDA.BaseURL,
			Token:   cfg.Providers.CEDA.Token,
			HTTP:    h,
		}), h, nil
	case "metoffice":
		client, err := metoffice.New(metoffice.Options{
			BaseURL:      cfg.Providers.MetOffice.BaseURL,
			OrderID:      cfg.Providers.MetOffice.OrderID,
			ClientID:     cfg.Providers.MetOffice.ClientID,
			ClientSecret: cfg.Providers.MetOffice.ClientSecret,
			HTTP:         h,
		})
		return client, h, err
	case "icon":
		return icon.New(icon.Options{
			BaseURL:   cfg.Providers.Icon.BaseURL,
			Variables: cfg.Providers.Icon.Variables,
			Steps:     cfg.Providers.Icon.Steps,
			Cycle:     cfg.Providers.Icon.Cycle,
			HTTP:      h,
		}), h, nil
	}
	return nil, nil, errors.Wrapf(errors.ErrNotFound, "provider %s", name)
}

// newProviders registers the named providers, each behind its own circuit
// breaker over a shared transport.
func newProviders(cfg *loader.Config, names []string) (*provider.Registry, map[string]*httpc.Client, error) {
	hopts := httpcOptions(cfg.HTTP)
	reg := provider.NewRegistry()
	clients := make(map[string]*httpc.Client, len(names))
	for _, name := range names {
		client, h, err := buildProvider(cfg, name, hopts)
		if err != nil {
			return nil, nil, err
		}
		if err := reg.Register(client); err != nil {
			return nil, nil, err
		}
		clients[name] = h
	}
	return reg, clients, nil
}

// newStagingCache builds the staged-file cache the config selects and
// returns the concrete handle alongside for backend-specific operations.
func newStagingCache(ctx context.Context, cfg loader.StagingConfig) (fetch.Cache, *fetch.DirCache, *fetch.S3Cache, error) {
	if cfg.Backend == "s3" {
		c, err := fetch.NewS3Cache(ctx, fetch.S3Options{
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			SpoolDir:  cfg.Dir,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return c, nil, c, nil
	}
	c, err := fetch.NewDirCache(cfg.Dir)
	if err != nil {
		return nil, nil, nil, err
	}
	return c, c, nil, nil
}

// pipeline bundles the wired components of a consume run.
type pipeline struct {
	registry *provider.Registry
	clients  map[string]*httpc.Client
	cache    fetch.Cache
	dirCache *fetch.DirCache // nil when staging is on S3
	s3Cache  *fetch.S3Cache  // nil when staging is local
	fetcher  *fetch.Fetcher
	store    *store.Store
	svc      *consumer.Service
}

// buildPipeline wires providers, staging, fetcher, store and consumer for
// one run.
func buildPipeline(ctx context.Context, cfg *loader.Config, names []string, metrics *observability.Metrics, rebuild bool) (*pipeline, error) {
	reg, clients, err := newProviders(cfg, names)
	if err != nil {
		return nil, err
	}
	cache, dirCache, s3Cache, err := newStagingCache(ctx, cfg.Staging)
	if err != nil {
		return nil, err
	}
	fetcher, err := fetch.New(fetch.Options{
		Registry: reg,
		Cache:    cache,
		Policy: fetch.RetryPolicy{
			MaxAttempts:     cfg.Fetch.MaxAttempts,
			InitialInterval: cfg.Fetch.BackoffInitial,
			MaxInterval:     cfg.Fetch.BackoffMax,
			AttemptTimeout:  cfg.Fetch.AttemptTimeout,
		},
		MaxParallel: int64(cfg.Consume.FetchWorkers),
		Metrics:     metrics,
	})
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.Store.Root, store.Options{
		Compression:          cfg.Store.Compression,
		ConsolidateMinChunks: cfg.Store.ConsolidateMinChunks,
		IgnoreManifest:       rebuild,
	})
	if err != nil {
		return nil, err
	}
	svc, err := consumer.New(consumer.Options{
		Registry:       reg,
		Fetcher:        fetcher,
		Normalizer:     schema.Default(),
		Store:          st,
		MaxFailedUnits: cfg.Consume.Tolerance(),
		Workers:        cfg.Consume.UnitWorkers,
		Metrics:        metrics,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return &pipeline{
		registry: reg,
		clients:  clients,
		cache:    cache,
		dirCache: dirCache,
		s3Cache:  s3Cache,
		fetcher:  fetcher,
		store:    st,
		svc:      svc,
	}, nil
}

// serveMetrics exposes the default Prometheus registry on addr until the
// returned stop function is called.
func serveMetrics(addr string, log *slog.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics endpoint failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
