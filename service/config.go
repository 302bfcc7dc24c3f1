package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/viant/afs"
	"github.com/viant/embedsync/pipeline"
	"github.com/viant/embedsync/resilience"
	"github.com/viant/embedsync/vectordb"
	"github.com/viant/scy/cred/secret"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment variables overriding configuration.
const EnvPrefix = "EMBEDSYNC_"

// Config defines the sync engine settings.
type Config struct {
	BatchSize       int           `yaml:"batchSize"`
	BatchTimeout    time.Duration `yaml:"batchTimeout"`
	MaxBatchTimeout time.Duration `yaml:"maxBatchTimeout"`
	QueueSize       int           `yaml:"queueSize"`
	// MaxRetries is the number of retries after the first failed attempt.
	MaxRetries              int           `yaml:"maxRetries"`
	RetryBaseDelay          time.Duration `yaml:"retryBaseDelay"`
	BackoffMultiplier       float64       `yaml:"backoffMultiplier"`
	RetryMaxDelay           time.Duration `yaml:"retryMaxDelay"`
	RetryJitter             float64       `yaml:"retryJitter"`
	CircuitFailureThreshold int           `yaml:"circuitFailureThreshold"`
	CircuitRecoveryTimeout  time.Duration `yaml:"circuitRecoveryTimeout"`
	RequestTimeout          time.Duration `yaml:"requestTimeout"`
	RecoverAfterBatches     int           `yaml:"recoverAfterBatches"`
	StopTimeout             time.Duration `yaml:"stopTimeout"`
	ResyncPageSize          int           `yaml:"resyncPageSize"`
	MaxPayloadText          int           `yaml:"maxPayloadText"`
	MinTextLength           int           `yaml:"minTextLength"`

	// WatchedCollections limits the change feed; empty means every collection.
	WatchedCollections []string                             `yaml:"watchedCollections"`
	Collections        map[string]pipeline.CollectionConfig `yaml:"collections"`

	Store      StoreConfig      `yaml:"store"`
	Index      IndexConfig      `yaml:"index"`
	Embedder   EmbedderConfig   `yaml:"embedder"`
	Health     HealthConfig     `yaml:"health"`
	DeadLetter DeadLetterConfig `yaml:"deadLetter"`
	HTTP       HTTPConfig       `yaml:"http"`
	Log        LogConfig        `yaml:"log"`
}

// StoreConfig defines the primary document store.
type StoreConfig struct {
	// Driver is sqlite, mysql, postgres or mongo.
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	Secret       string        `yaml:"secret,omitempty"`
	Database     string        `yaml:"database,omitempty"`
	PollInterval time.Duration `yaml:"pollInterval"`
	// Position resumes the change feed after a known position.
	Position string `yaml:"position,omitempty"`
}

// Index drivers.
const (
	IndexSQLite = "sqlite"
	IndexMemory = "memory"
)

// IndexConfig defines the vector index.
type IndexConfig struct {
	// Driver is "sqlite" (default) or "memory". A memory index snapshots to DSN, an afs URL, when set.
	Driver     string `yaml:"driver,omitempty"`
	DSN        string `yaml:"dsn"`
	VectorSize int    `yaml:"vectorSize"`
	Distance   string `yaml:"distance"`
	MatchIndex bool   `yaml:"matchIndex"`
	ChangeLog  bool   `yaml:"changeLog"`
	// Recreate replaces collections whose size or distance changed.
	Recreate bool `yaml:"recreate"`
}

// EmbedderConfig selects the embedding model.
type EmbedderConfig struct {
	// Provider is openai, ollama, vertexai or simple.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"baseURL,omitempty"`
	APIKey   string `yaml:"apiKey,omitempty"`
	Project  string `yaml:"project,omitempty"`
	Location string `yaml:"location,omitempty"`
	Dim      int    `yaml:"dim,omitempty"`
}

// HealthConfig holds health thresholds.
type HealthConfig struct {
	DegradedSuccessRate    float64 `yaml:"degradedSuccessRate"`
	UnhealthySuccessRate   float64 `yaml:"unhealthySuccessRate"`
	MaxConsecutiveFailures int     `yaml:"maxConsecutiveFailures"`
}

// DeadLetterConfig controls persistence of unresolved events.
type DeadLetterConfig struct {
	Enabled bool `yaml:"enabled"`
	// DSN of a SQLite database; empty uses the index database.
	DSN string `yaml:"dsn,omitempty"`
}

// HTTPConfig defines the admin endpoint.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:               50,
		BatchTimeout:            5 * time.Second,
		MaxBatchTimeout:         time.Minute,
		QueueSize:               1000,
		MaxRetries:              3,
		RetryBaseDelay:          time.Second,
		BackoffMultiplier:       2,
		RetryMaxDelay:           time.Minute,
		CircuitFailureThreshold: 5,
		CircuitRecoveryTimeout:  time.Minute,
		RequestTimeout:          30 * time.Second,
		RecoverAfterBatches:     10,
		StopTimeout:             30 * time.Second,
		ResyncPageSize:          100,
		MaxPayloadText:          pipeline.DefaultMaxPayloadText,
		MinTextLength:           pipeline.DefaultMinTextLength,
		Store:                   StoreConfig{Driver: "sqlite", PollInterval: 500 * time.Millisecond},
		Index:                   IndexConfig{Distance: string(vectordb.Cosine)},
		Embedder:                EmbedderConfig{Provider: "simple", Dim: 256},
		Health:                  HealthConfig{DegradedSuccessRate: 0.9, UnhealthySuccessRate: 0.5, MaxConsecutiveFailures: 5},
		HTTP:                    HTTPConfig{Addr: ":8089"},
		Log:                     LogConfig{Level: "info", Format: "console"},
	}
}

// LoadConfig reads YAML from any afs supported URL over the defaults, applies
// environment overrides and expands secrets and user paths.
func LoadConfig(ctx context.Context, URL string) (*Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(URL) != "" {
		location, err := expandUserPath(URL)
		if err != nil {
			return nil, err
		}
		data, err := afs.New().DownloadWithURL(ctx, location)
		if err != nil {
			return nil, resilience.Wrap(resilience.Configuration, "load config "+URL, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, resilience.Wrap(resilience.Configuration, "parse config "+URL, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.expand(ctx); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) expand(ctx context.Context) error {
	var err error
	if c.Store.DSN, err = expandStoreDSN(c.Store.DSN, c.Store.Driver); err != nil {
		return err
	}
	if c.Store.DSN, err = ExpandDSNWithSecret(ctx, c.Store.DSN, c.Store.Secret); err != nil {
		return err
	}
	if c.Index.DSN, err = expandStoreDSN(c.Index.DSN, "sqlite"); err != nil {
		return err
	}
	if c.DeadLetter.DSN, err = expandStoreDSN(c.DeadLetter.DSN, "sqlite"); err != nil {
		return err
	}
	return nil
}

// ApplyEnv overrides settings from EMBEDSYNC_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"STORE_DRIVER":      &c.Store.Driver,
		"STORE_DSN":         &c.Store.DSN,
		"STORE_SECRET":      &c.Store.Secret,
		"STORE_DATABASE":    &c.Store.Database,
		"INDEX_DRIVER":      &c.Index.Driver,
		"INDEX_DSN":         &c.Index.DSN,
		"EMBEDDER_PROVIDER": &c.Embedder.Provider,
		"EMBEDDER_MODEL":    &c.Embedder.Model,
		"EMBEDDER_BASE_URL": &c.Embedder.BaseURL,
		"EMBEDDER_API_KEY":  &c.Embedder.APIKey,
		"HTTP_ADDR":         &c.HTTP.Addr,
		"LOG_LEVEL":         &c.Log.Level,
		"LOG_FORMAT":        &c.Log.Format,
	}
	for name, target := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*target = v
		}
	}
	ints := map[string]*int{
		"BATCH_SIZE":                &c.BatchSize,
		"QUEUE_SIZE":                &c.QueueSize,
		"MAX_RETRIES":               &c.MaxRetries,
		"CIRCUIT_FAILURE_THRESHOLD": &c.CircuitFailureThreshold,
		"RESYNC_PAGE_SIZE":          &c.ResyncPageSize,
		"INDEX_VECTOR_SIZE":         &c.Index.VectorSize,
	}
	for name, target := range ints {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return resilience.Errorf(resilience.Configuration, "%s%s: %v", EnvPrefix, name, err)
			}
			*target = n
		}
	}
	durations := map[string]*time.Duration{
		"BATCH_TIMEOUT":            &c.BatchTimeout,
		"RETRY_BASE_DELAY":         &c.RetryBaseDelay,
		"RETRY_MAX_DELAY":          &c.RetryMaxDelay,
		"CIRCUIT_RECOVERY_TIMEOUT": &c.CircuitRecoveryTimeout,
		"REQUEST_TIMEOUT":          &c.RequestTimeout,
		"STORE_POLL_INTERVAL":      &c.Store.PollInterval,
	}
	for name, target := range durations {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return resilience.Errorf(resilience.Configuration, "%s%s: %v", EnvPrefix, name, err)
			}
			*target = d
		}
	}
	if v, ok := lookup(EnvPrefix + "WATCHED_COLLECTIONS"); ok {
		c.WatchedCollections = splitList(v)
	}
	if c.Embedder.APIKey == "" && strings.EqualFold(c.Embedder.Provider, "openai") {
		if v, ok := lookup("OPENAI_API_KEY"); ok {
			c.Embedder.APIKey = v
		}
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.BatchSize < 1 {
		problems = append(problems, "batchSize must be positive")
	}
	if c.BatchTimeout <= 0 {
		problems = append(problems, "batchTimeout must be positive")
	}
	if c.QueueSize < 1 {
		problems = append(problems, "queueSize must be positive")
	}
	if c.MaxRetries < 0 {
		problems = append(problems, "maxRetries must not be negative")
	}
	if c.BackoffMultiplier < 1 {
		problems = append(problems, "backoffMultiplier must be at least 1")
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		problems = append(problems, "retryJitter must be within [0,1]")
	}
	if c.CircuitFailureThreshold < 1 {
		problems = append(problems, "circuitFailureThreshold must be positive")
	}
	if c.ResyncPageSize < 1 {
		problems = append(problems, "resyncPageSize must be positive")
	}
	if _, err := vectordb.ParseDistance(c.Index.Distance); err != nil {
		problems = append(problems, err.Error())
	}
	switch strings.ToLower(c.Index.Driver) {
	case "", IndexSQLite, IndexMemory:
	default:
		problems = append(problems, fmt.Sprintf("unsupported index driver %q", c.Index.Driver))
	}
	if len(problems) > 0 {
		return resilience.Errorf(resilience.Configuration, "invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RetryPolicy returns the event retry policy.
func (c *Config) RetryPolicy() resilience.Policy {
	return resilience.Policy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.RetryBaseDelay,
		Multiplier: c.BackoffMultiplier,
		MaxDelay:   c.RetryMaxDelay,
		Jitter:     c.RetryJitter,
	}
}

// BreakerSettings returns the per-dependency breaker settings.
func (c *Config) BreakerSettings() resilience.BreakerSettings {
	return resilience.BreakerSettings{
		FailureThreshold: uint32(c.CircuitFailureThreshold),
		RecoveryTimeout:  c.CircuitRecoveryTimeout,
	}
}

func splitList(v string) []string {
	var result []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}

func expandUserPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return path, nil
	}
	if trimmed != "~" && !strings.HasPrefix(trimmed, "~/") && !strings.HasPrefix(trimmed, "file:") {
		if trimmed[0] == '~' {
			return "", fmt.Errorf("config: unsupported ~user path: %s", path)
		}
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if trimmed == "~" {
		return home, nil
	}
	if strings.HasPrefix(trimmed, "~/") {
		return filepath.Join(home, trimmed[2:]), nil
	}
	// file: URI forms
	for _, prefix := range []string{"file://localhost", "file://", "file:"} {
		rest := strings.TrimPrefix(trimmed, prefix)
		if rest == trimmed {
			continue
		}
		rest = strings.TrimLeft(rest, "/")
		if !strings.HasPrefix(rest, "~") {
			return path, nil
		}
		abs := filepath.ToSlash(filepath.Join(home, strings.TrimPrefix(rest, "~")))
		return prefix + "/" + strings.TrimLeft(abs, "/"), nil
	}
	return path, nil
}

func expandStoreDSN(dsn, driver string) (string, error) {
	if dsn == "" {
		return dsn, nil
	}
	// Expand user path only for sqlite-like DSNs or plain paths.
	if driver == "sqlite" || dsn[0] == '~' || dsn[0] == '/' || strings.HasPrefix(dsn, "file:") {
		return expandUserPath(dsn)
	}
	return dsn, nil
}

// ExpandDSNWithSecret loads a secret and expands placeholders in the DSN.
func ExpandDSNWithSecret(ctx context.Context, dsn, secretRef string) (string, error) {
	secretRef = strings.TrimSpace(secretRef)
	if secretRef == "" {
		return dsn, nil
	}
	if strings.TrimSpace(dsn) == "" {
		return "", resilience.Errorf(resilience.Configuration, "secret %q provided but dsn is empty", secretRef)
	}
	svc := secret.New()
	sec, err := svc.Lookup(ctx, secret.Resource(secretRef))
	if err != nil {
		return "", resilience.Wrap(resilience.Authentication, "secret "+secretRef, err)
	}
	return sec.Expand(dsn), nil
}
