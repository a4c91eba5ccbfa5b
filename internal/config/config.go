package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/kailas-cloud/amcat/internal/domain/role"
)

// Config holds the amcat server configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Auth      AuthConfig      `yaml:"auth"`
	Engine    EngineConfig    `yaml:"engine"`
	Database  DatabaseConfig  `yaml:"database"`
	Query     QueryConfig     `yaml:"query"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Documents DocumentsConfig `yaml:"documents"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens"`
	// AllowAnonymous serves requests without a token as the guest subject.
	AllowAnonymous bool `yaml:"allow_anonymous"`
}

// TokenConfig binds a bearer token to a subject and its global role.
type TokenConfig struct {
	Value      string `yaml:"value"`
	Subject    string `yaml:"subject"`
	GlobalRole string `yaml:"global_role"` // none, reader, metareader, writer, admin
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int    `yaml:"port"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	ShutdownSec     int    `yaml:"shutdown_timeout_sec"`
	MaxBodySize     string `yaml:"max_body_size"` // humanized, e.g. "10MB"
}

// EngineConfig selects and tunes the search engine driver.
type EngineConfig struct {
	Driver   string   `yaml:"driver"` // elastic, embedded (default: elastic)
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	APIKey   string   `yaml:"api_key"`
	// DataDir holds embedded indices; empty keeps them in memory.
	DataDir           string `yaml:"data_dir"`
	Refresh           string `yaml:"refresh"` // "", false, true, wait_for
	CompositePageSize int    `yaml:"composite_page_size"`
	Retry             Retry  `yaml:"retry"`
}

// Retry bounds the retries of an unavailable engine.
type Retry struct {
	MaxAttempts       uint `yaml:"max_attempts"`
	InitialIntervalMs int  `yaml:"initial_interval_ms"`
	MaxIntervalMs     int  `yaml:"max_interval_ms"`
}

// DatabaseConfig holds the registry and role store settings.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // redis, sqlite (default: redis)
	Addrs            []string `yaml:"addrs"`
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	DB               int      `yaml:"db"`
	Path             string   `yaml:"path"` // sqlite file
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
	WriteTimeoutMs   int      `yaml:"write_timeout_ms"` // redis round trip bound, 0 = client default
}

// QueryConfig holds paging and aggregation caps.
type QueryConfig struct {
	DefaultPerPage      int `yaml:"default_per_page"`
	MaxPerPage          int `yaml:"max_per_page"`
	MaxResultWindow     int `yaml:"max_result_window"`
	CursorPageThreshold int `yaml:"cursor_page_threshold"`
	MaxAxes             int `yaml:"max_axes"`
	MaxTermsSize        int `yaml:"max_terms_size"`
	MaxBuckets          int `yaml:"max_buckets"`
	TimeoutSec          int `yaml:"timeout_sec"`
}

// LifecycleConfig tunes the create/delete coordinator.
type LifecycleConfig struct {
	PhysicalPrefix string `yaml:"physical_prefix"`
	StepTimeoutSec int    `yaml:"step_timeout_sec"`
	LockTTLSec     int    `yaml:"lock_ttl_sec"`
	LockWaitSec    int    `yaml:"lock_wait_sec"`
	// ResumeOnStart finishes interrupted sequences before serving.
	ResumeOnStart bool `yaml:"resume_on_start"`
}

// DocumentsConfig holds upload settings.
type DocumentsConfig struct {
	FieldPolicy  string `yaml:"field_policy"` // strict, auto (default: strict)
	MaxBatchSize int    `yaml:"max_batch_size"`
}

// AnalysisConfig holds the embedding provider used by analysis runs.
// An empty APIKey disables analysis.
type AnalysisConfig struct {
	Provider          string  `yaml:"provider"`
	APIKey            string  `yaml:"api_key"`
	BaseURL           string  `yaml:"base_url"`
	Model             string  `yaml:"model"`
	Dimensions        int     `yaml:"dimensions"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxBatchSize      int     `yaml:"max_batch_size"`
	PageSize          int     `yaml:"page_size"`
	MaxDocuments      int     `yaml:"max_documents"`
	Cache             Cache   `yaml:"cache"`
}

// Cache sizes the embedding cache tiers.
type Cache struct {
	MemoryEntries int `yaml:"memory_entries"`
	TTLHours      int `yaml:"ttl_hours"`
}

// Enabled reports whether an embedding provider is configured.
func (a AnalysisConfig) Enabled() bool { return a.APIKey != "" }

// MaxBodyBytes returns the parsed HTTP body limit.
func (h HTTPConfig) MaxBodyBytes() int64 {
	n, err := humanize.ParseBytes(h.MaxBodySize)
	if err != nil {
		return 0
	}
	return int64(n) //nolint:gosec // bounded by Validate
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}
	return Parse(data)
}

// Parse decodes YAML with ${VAR} expansion, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 30
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 60
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.HTTP.MaxBodySize == "" {
		c.HTTP.MaxBodySize = "10MB"
	}
	if c.Engine.Driver == "" {
		c.Engine.Driver = "elastic"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "redis"
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Query.DefaultPerPage <= 0 {
		c.Query.DefaultPerPage = 20
	}
	if c.Query.MaxPerPage <= 0 {
		c.Query.MaxPerPage = 200
	}
	if c.Query.MaxResultWindow <= 0 {
		c.Query.MaxResultWindow = 10000
	}
	if c.Query.CursorPageThreshold <= 0 {
		c.Query.CursorPageThreshold = 10
	}
	if c.Query.MaxAxes <= 0 {
		c.Query.MaxAxes = 3
	}
	if c.Query.MaxTermsSize <= 0 {
		c.Query.MaxTermsSize = 1000
	}
	if c.Query.MaxBuckets <= 0 {
		c.Query.MaxBuckets = 10000
	}
	if c.Query.TimeoutSec <= 0 {
		c.Query.TimeoutSec = 30
	}
	if c.Lifecycle.PhysicalPrefix == "" {
		c.Lifecycle.PhysicalPrefix = "amcat_"
	}
	if c.Documents.FieldPolicy == "" {
		c.Documents.FieldPolicy = "strict"
	}
	if c.Documents.MaxBatchSize <= 0 {
		c.Documents.MaxBatchSize = 1000
	}
	if c.Analysis.Provider == "" {
		c.Analysis.Provider = "openai"
	}
	if c.Analysis.Model == "" {
		c.Analysis.Model = "text-embedding-3-small"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	n, err := humanize.ParseBytes(c.HTTP.MaxBodySize)
	if err != nil || n == 0 || n > 1<<40 {
		return fmt.Errorf("http.max_body_size must be a byte size such as \"10MB\", got %q", c.HTTP.MaxBodySize)
	}

	switch c.Engine.Driver {
	case "elastic":
		if len(c.Engine.Addrs) == 0 {
			return fmt.Errorf("engine.addrs is required for the elastic driver")
		}
	case "embedded":
	default:
		return fmt.Errorf("engine.driver must be \"elastic\" or \"embedded\", got %q", c.Engine.Driver)
	}
	switch c.Engine.Refresh {
	case "", "false", "true", "wait_for":
	default:
		return fmt.Errorf("engine.refresh must be \"false\", \"true\" or \"wait_for\", got %q", c.Engine.Refresh)
	}

	switch c.Database.Driver {
	case "redis":
		if len(c.Database.Addrs) == 0 {
			return fmt.Errorf("database.addrs is required for the redis driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("database.driver must be \"redis\" or \"sqlite\", got %q", c.Database.Driver)
	}

	if c.Query.DefaultPerPage > c.Query.MaxPerPage {
		return fmt.Errorf("query.default_per_page (%d) exceeds query.max_per_page (%d)",
			c.Query.DefaultPerPage, c.Query.MaxPerPage)
	}

	switch c.Documents.FieldPolicy {
	case "strict", "auto":
	default:
		return fmt.Errorf("documents.field_policy must be \"strict\" or \"auto\", got %q", c.Documents.FieldPolicy)
	}

	seen := make(map[string]bool, len(c.Auth.Tokens))
	for i, t := range c.Auth.Tokens {
		if t.Value == "" || t.Subject == "" {
			return fmt.Errorf("auth.tokens[%d]: value and subject are required", i)
		}
		if seen[t.Value] {
			return fmt.Errorf("auth.tokens[%d]: duplicate token for subject %q", i, t.Subject)
		}
		seen[t.Value] = true
		if _, err := role.Parse(t.GlobalRole); err != nil {
			return fmt.Errorf("auth.tokens[%d]: %w", i, err)
		}
	}

	if c.Analysis.Enabled() && c.Analysis.RequestsPerSecond < 0 {
		return fmt.Errorf("analysis.requests_per_second must not be negative")
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// Relative to the source file.
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
