package amcat

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures the Client.
type Option interface {
	apply(*clientConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*clientConfig)

func (f optionFunc) apply(c *clientConfig) { f(c) }

type clientConfig struct {
	storeDriver string // "redis" or "sqlite"
	storeAddrs  []string
	password    string
	sqlitePath  string

	engineDriver string // "elastic" or "embedded"
	elasticAddrs []string
	elasticKey   string
	dataDir      string

	subject    string
	globalRole Role

	embedder       Embedder
	fieldPolicy    string
	maxBatchSize   int
	physicalPrefix string

	logger     *slog.Logger
	metricsReg prometheus.Registerer
}

// WithRedis keeps index metadata and roles in Redis or Valkey.
func WithRedis(addr, password string) Option {
	return optionFunc(func(c *clientConfig) {
		c.storeDriver = "redis"
		c.storeAddrs = []string{addr}
		c.password = password
	})
}

// WithSQLite keeps index metadata and roles in a local SQLite file.
func WithSQLite(path string) Option {
	return optionFunc(func(c *clientConfig) {
		c.storeDriver = "sqlite"
		c.sqlitePath = path
	})
}

// WithElastic stores documents in Elasticsearch.
func WithElastic(addrs ...string) Option {
	return optionFunc(func(c *clientConfig) {
		c.engineDriver = "elastic"
		c.elasticAddrs = addrs
	})
}

// WithElasticAPIKey authenticates against Elasticsearch with an API key.
func WithElasticAPIKey(key string) Option {
	return optionFunc(func(c *clientConfig) {
		c.elasticKey = key
	})
}

// WithEmbeddedEngine stores documents in on-disk bleve indices under dir.
func WithEmbeddedEngine(dir string) Option {
	return optionFunc(func(c *clientConfig) {
		c.engineDriver = "embedded"
		c.dataDir = dir
	})
}

// WithSubject sets the identity the client acts as. Defaults to the guest.
func WithSubject(id string, globalRole Role) Option {
	return optionFunc(func(c *clientConfig) {
		c.subject = id
		c.globalRole = globalRole
	})
}

// WithEmbedder enables analysis runs.
func WithEmbedder(e Embedder) Option {
	return optionFunc(func(c *clientConfig) {
		c.embedder = e
	})
}

// WithAutoFields registers unknown document fields on upload instead of
// rejecting them.
func WithAutoFields() Option {
	return optionFunc(func(c *clientConfig) {
		c.fieldPolicy = "auto"
	})
}

// WithMaxBatchSize bounds the number of documents per upload.
// Default: 1000.
func WithMaxBatchSize(size int) Option {
	return optionFunc(func(c *clientConfig) {
		c.maxBatchSize = size
	})
}

// WithPhysicalPrefix sets the prefix of engine index names.
// Default: "amcat_".
func WithPhysicalPrefix(prefix string) Option {
	return optionFunc(func(c *clientConfig) {
		c.physicalPrefix = prefix
	})
}

// WithLogger enables structured logging for SDK operations.
// Pass nil to disable (default).
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *clientConfig) {
		c.logger = l
	})
}

// WithPrometheus registers SDK metrics (operation counts and durations)
// on the given registerer. Pass nil to disable (default).
func WithPrometheus(reg prometheus.Registerer) Option {
	return optionFunc(func(c *clientConfig) {
		c.metricsReg = reg
	})
}
