// Package config loads the handovermail configuration from a YAML file and
// HANDOVERMAIL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teemow/handovermail/internal/dispatch"
	"github.com/teemow/handovermail/internal/google"
	"github.com/teemow/handovermail/internal/instrumentation"
	"github.com/teemow/handovermail/internal/retry"
	"github.com/teemow/handovermail/internal/runlock"
	"github.com/teemow/handovermail/internal/thread"
)

// EnvPrefix prefixes every environment override, e.g. HANDOVERMAIL_LOG_LEVEL.
const EnvPrefix = "HANDOVERMAIL"

// TargetConfig binds a target key to a spreadsheet.
type TargetConfig struct {
	Key           string `mapstructure:"key" yaml:"key"`
	SpreadsheetID string `mapstructure:"spreadsheet_id" yaml:"spreadsheet_id"`
	SourceSheet   string `mapstructure:"source_sheet" yaml:"source_sheet"`
	ArchiveSheet  string `mapstructure:"archive_sheet" yaml:"archive_sheet"`
	StartRow      int    `mapstructure:"start_row" yaml:"start_row"`
	MaxPerRun     int    `mapstructure:"max_per_run" yaml:"max_per_run"`

	// ThreadStrategy picks among several matching conversations: first or last.
	ThreadStrategy string `mapstructure:"thread_strategy" yaml:"thread_strategy"`

	// BodyTemplate overrides the notice text. BodyTemplateFile is read into
	// it at load time.
	BodyTemplate     string `mapstructure:"body_template" yaml:"body_template"`
	BodyTemplateFile string `mapstructure:"body_template_file" yaml:"body_template_file"`
}

// ValkeyConfig configures the valkey lock store.
type ValkeyConfig struct {
	URL        string `mapstructure:"url" yaml:"url"`
	Password   string `mapstructure:"password" yaml:"password"`
	DB         int    `mapstructure:"db" yaml:"db"`
	TLSEnabled bool   `mapstructure:"tls_enabled" yaml:"tls_enabled"`
	TLSCAFile  string `mapstructure:"tls_ca_file" yaml:"tls_ca_file"`
	KeyPrefix  string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// LockConfig selects the run lock store.
type LockConfig struct {
	// Driver is sqlite, mysql or valkey.
	Driver string       `mapstructure:"driver" yaml:"driver"`
	DSN    string       `mapstructure:"dsn" yaml:"dsn"`
	Valkey ValkeyConfig `mapstructure:"valkey" yaml:"valkey"`
}

// CredentialsConfig selects the keyring holding user tokens.
type CredentialsConfig struct {
	ServiceName  string   `mapstructure:"service_name" yaml:"service_name"`
	FileDir      string   `mapstructure:"file_dir" yaml:"file_dir"`
	FilePassword string   `mapstructure:"file_password" yaml:"file_password"`
	Backends     []string `mapstructure:"backends" yaml:"backends"`
}

// OAuthConfig holds the Google OAuth client.
type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url" yaml:"redirect_url"`
}

// RunnerConfig sizes the background worker pool.
type RunnerConfig struct {
	Workers   int `mapstructure:"workers" yaml:"workers"`
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// RetryConfig bounds retries of transient Google API failures.
type RetryConfig struct {
	MaxTries        uint          `mapstructure:"max_tries" yaml:"max_tries"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
}

// HTTPConfig configures the serve command.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// MetricsAddr moves /metrics to a dedicated listener. Empty serves it
	// next to the API.
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AuditConfig configures the run audit trail.
type AuditConfig struct {
	Enabled    bool `mapstructure:"enabled" yaml:"enabled"`
	IncludePII bool `mapstructure:"include_pii" yaml:"include_pii"`
}

// TelemetryConfig configures metrics, tracing and the audit trail. The usual
// OTEL_* and Kubernetes downward API variables are honoured as well.
type TelemetryConfig struct {
	Enabled         bool    `mapstructure:"enabled" yaml:"enabled"`
	ServiceName     string  `mapstructure:"service_name" yaml:"service_name"`
	InstanceID      string  `mapstructure:"instance_id" yaml:"instance_id"`
	MetricsExporter string  `mapstructure:"metrics_exporter" yaml:"metrics_exporter"`
	TracingExporter string  `mapstructure:"tracing_exporter" yaml:"tracing_exporter"`
	OTLPEndpoint    string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure    bool    `mapstructure:"otlp_insecure" yaml:"otlp_insecure"`
	SamplingRate    float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`
	DetailedLabels  bool    `mapstructure:"detailed_labels" yaml:"detailed_labels"`
	K8sNamespace    string  `mapstructure:"k8s_namespace" yaml:"k8s_namespace"`
	K8sPodName      string  `mapstructure:"k8s_pod_name" yaml:"k8s_pod_name"`

	Audit AuditConfig `mapstructure:"audit" yaml:"audit"`
}

// Config is the top-level configuration.
type Config struct {
	Targets     []TargetConfig    `mapstructure:"targets" yaml:"targets"`
	Lock        LockConfig        `mapstructure:"lock" yaml:"lock"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	OAuth       OAuthConfig       `mapstructure:"oauth" yaml:"oauth"`
	Runner      RunnerConfig      `mapstructure:"runner" yaml:"runner"`
	Retry       RetryConfig       `mapstructure:"retry" yaml:"retry"`
	HTTP        HTTPConfig        `mapstructure:"http" yaml:"http"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry" yaml:"telemetry"`
}

// Dir returns ~/.config/handovermail.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "handovermail")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("lock.driver", "sqlite")
	v.SetDefault("lock.dsn", filepath.Join(Dir(), "runlock.db"))
	v.SetDefault("lock.valkey.url", "")
	v.SetDefault("lock.valkey.password", "")
	v.SetDefault("lock.valkey.db", 0)
	v.SetDefault("lock.valkey.tls_enabled", false)
	v.SetDefault("lock.valkey.tls_ca_file", "")
	v.SetDefault("lock.valkey.key_prefix", runlock.DefaultKeyPrefix)

	v.SetDefault("credentials.service_name", "handovermail")
	v.SetDefault("credentials.file_dir", filepath.Join(Dir(), "keyring"))
	v.SetDefault("credentials.file_password", "")
	v.SetDefault("credentials.backends", []string{})

	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.redirect_url", google.OutOfBandRedirect)

	v.SetDefault("runner.workers", 4)
	v.SetDefault("runner.queue_size", 16)

	policy := retry.DefaultPolicy()
	v.SetDefault("retry.max_tries", policy.MaxTries)
	v.SetDefault("retry.initial_interval", policy.InitialInterval)
	v.SetDefault("retry.max_interval", policy.MaxInterval)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("http.metrics_addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	telemetry := instrumentation.DefaultConfig()
	v.SetDefault("telemetry.enabled", telemetry.Enabled)
	v.SetDefault("telemetry.service_name", telemetry.ServiceName)
	v.SetDefault("telemetry.instance_id", "")
	v.SetDefault("telemetry.metrics_exporter", telemetry.MetricsExporter)
	v.SetDefault("telemetry.tracing_exporter", telemetry.TracingExporter)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", false)
	v.SetDefault("telemetry.sampling_rate", telemetry.TraceSamplingRate)
	v.SetDefault("telemetry.detailed_labels", false)
	v.SetDefault("telemetry.k8s_namespace", "")
	v.SetDefault("telemetry.k8s_pod_name", "")
	v.SetDefault("telemetry.audit.enabled", telemetry.AuditLogging.Enabled)
	v.SetDefault("telemetry.audit.include_pii", false)
}

// standardEnv lists variables read in addition to the HANDOVERMAIL_ name of
// a key, in order of precedence.
var standardEnv = map[string][]string{
	"telemetry.service_name":  {"OTEL_SERVICE_NAME"},
	"telemetry.instance_id":   {"OTEL_SERVICE_INSTANCE_ID"},
	"telemetry.otlp_endpoint": {"OTEL_EXPORTER_OTLP_ENDPOINT"},
	"telemetry.otlp_insecure": {"OTEL_EXPORTER_OTLP_INSECURE"},
	"telemetry.sampling_rate": {"OTEL_TRACES_SAMPLER_ARG"},
	"telemetry.k8s_namespace": {"K8S_NAMESPACE", "POD_NAMESPACE"},
	"telemetry.k8s_pod_name":  {"K8S_POD_NAME", "HOSTNAME"},
}

func bindStandardEnv(v *viper.Viper, replacer *strings.Replacer) error {
	for key, names := range standardEnv {
		own := EnvPrefix + "_" + strings.ToUpper(replacer.Replace(key))
		if err := v.BindEnv(append([]string{key, own}, names...)...); err != nil {
			return err
		}
	}
	return nil
}

// Load reads path, applies environment overrides and defaults and validates
// the result. An empty path reads DefaultPath, which may be absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()
	if err := bindStandardEnv(v, replacer); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}

	optional := path == ""
	if optional {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if !missing || !optional {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if t.BodyTemplateFile == "" {
			continue
		}
		file := t.BodyTemplateFile
		if !filepath.IsAbs(file) {
			file = filepath.Join(base, file)
		}
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read body template of target %q: %w", t.Key, err)
		}
		t.BodyTemplate = string(b)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values no component would accept.
func (c *Config) Validate() error {
	var errs []error

	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		switch {
		case t.Key == "":
			errs = append(errs, fmt.Errorf("targets[%d]: key is required", i))
		case seen[t.Key]:
			errs = append(errs, fmt.Errorf("targets[%d]: duplicate key %q", i, t.Key))
		}
		seen[t.Key] = true
		if t.SpreadsheetID == "" {
			errs = append(errs, fmt.Errorf("target %q: spreadsheet_id is required", t.Key))
		}
		if t.StartRow < 0 {
			errs = append(errs, fmt.Errorf("target %q: start_row must be positive", t.Key))
		}
		if t.MaxPerRun < 0 {
			errs = append(errs, fmt.Errorf("target %q: max_per_run must be positive", t.Key))
		}
		if t.ThreadStrategy != "" {
			if _, err := thread.ParseStrategy(t.ThreadStrategy); err != nil {
				errs = append(errs, fmt.Errorf("target %q: %w", t.Key, err))
			}
		}
	}

	switch c.Lock.Driver {
	case "sqlite", "mysql":
		if c.Lock.DSN == "" {
			errs = append(errs, fmt.Errorf("lock.dsn is required for driver %s", c.Lock.Driver))
		}
	case "valkey":
		if c.Lock.Valkey.URL == "" {
			errs = append(errs, errors.New("lock.valkey.url is required for driver valkey"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.driver %q is not one of sqlite, mysql, valkey", c.Lock.Driver))
	}

	if c.Runner.Workers < 1 {
		errs = append(errs, errors.New("runner.workers must be at least 1"))
	}
	if c.Runner.QueueSize < 0 {
		errs = append(errs, errors.New("runner.queue_size must not be negative"))
	}
	if c.Retry.MaxTries < 1 {
		errs = append(errs, errors.New("retry.max_tries must be at least 1"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}

	telemetry := c.Instrumentation()
	if err := telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	return errors.Join(errs...)
}

// Target returns the target with key.
func (c *Config) Target(key string) (TargetConfig, bool) {
	for _, t := range c.Targets {
		if t.Key == key {
			return t, true
		}
	}
	return TargetConfig{}, false
}

// DispatchOptions converts the target into orchestrator options.
func (t TargetConfig) DispatchOptions() dispatch.Options {
	strategy, _ := thread.ParseStrategy(t.ThreadStrategy)
	return dispatch.Options{
		Target:       t.Key,
		SourceSheet:  t.SourceSheet,
		ArchiveSheet: t.ArchiveSheet,
		StartRow:     t.StartRow,
		MaxPerRun:    t.MaxPerRun,
		BodyTemplate: t.BodyTemplate,
		Strategy:     strategy,
	}
}

// RetryPolicy returns the configured backoff policy.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxTries = c.Retry.MaxTries
	if c.Retry.InitialInterval > 0 {
		p.InitialInterval = c.Retry.InitialInterval
	}
	if c.Retry.MaxInterval > 0 {
		p.MaxInterval = c.Retry.MaxInterval
	}
	return p
}

// LockStore returns the run lock store configuration.
func (c *Config) LockStore() runlock.Config {
	return runlock.Config{
		Driver: c.Lock.Driver,
		DSN:    c.Lock.DSN,
		Valkey: runlock.ValkeyConfig{
			URL:        c.Lock.Valkey.URL,
			Password:   c.Lock.Valkey.Password,
			DB:         c.Lock.Valkey.DB,
			TLSEnabled: c.Lock.Valkey.TLSEnabled,
			TLSCAFile:  c.Lock.Valkey.TLSCAFile,
			KeyPrefix:  c.Lock.Valkey.KeyPrefix,
		},
	}
}

// Keyring returns the credential store configuration.
func (c *Config) Keyring() google.KeyringConfig {
	return google.KeyringConfig{
		ServiceName:  c.Credentials.ServiceName,
		FileDir:      c.Credentials.FileDir,
		FilePassword: c.Credentials.FilePassword,
		Backends:     c.Credentials.Backends,
	}
}

// GoogleOAuth returns the OAuth client configuration.
func (c *Config) GoogleOAuth() google.OAuthConfig {
	return google.OAuthConfig{
		ClientID:     c.OAuth.ClientID,
		ClientSecret: c.OAuth.ClientSecret,
		RedirectURL:  c.OAuth.RedirectURL,
	}
}

// Instrumentation returns the telemetry provider configuration.
func (c *Config) Instrumentation() instrumentation.Config {
	t := c.Telemetry
	return instrumentation.Config{
		ServiceName:       t.ServiceName,
		ServiceVersion:    "unknown",
		ServiceInstanceID: t.InstanceID,
		K8sNamespace:      t.K8sNamespace,
		K8sPodName:        t.K8sPodName,
		Enabled:           t.Enabled,
		MetricsExporter:   t.MetricsExporter,
		TracingExporter:   t.TracingExporter,
		OTLPEndpoint:      t.OTLPEndpoint,
		OTLPInsecure:      t.OTLPInsecure,
		TraceSamplingRate: t.SamplingRate,
		DetailedLabels:    t.DetailedLabels,
		AuditLogging: instrumentation.AuditLoggingConfig{
			Enabled:    t.Audit.Enabled,
			IncludePII: t.Audit.IncludePII,
		},
	}
}
