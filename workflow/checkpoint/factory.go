package checkpoint

import (
	"fmt"
	"time"

	"github.com/BaSui01/graphflow/internal/database"
	"go.uber.org/zap"
)

// Type selects a checkpoint backend.
type Type string

const (
	TypeMemory Type = "memory"
	TypeFile   Type = "file"
	TypeRedis  Type = "redis"
	TypeSQL    Type = "sql"
	TypeMongo  Type = "mongo"
)

// DefaultKeyPrefix namespaces keys in shared backends.
const DefaultKeyPrefix = "graphflow:"

// SQLConfig configures the SQL backend.
type SQLConfig struct {
	// Driver: postgres, mysql, sqlite (pure Go) or sqlite3 (cgo)
	Driver          string        `json:"driver" yaml:"driver"`
	DSN             string        `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `json:"auto_migrate" yaml:"auto_migrate"`
}

// Config selects and configures a backend.
type Config struct {
	Type      Type        `json:"type" yaml:"type"`
	BaseDir   string      `json:"base_dir" yaml:"base_dir"`
	KeyPrefix string      `json:"key_prefix" yaml:"key_prefix"`
	Redis     RedisConfig `json:"redis" yaml:"redis"`
	SQL       SQLConfig   `json:"sql" yaml:"sql"`
	Mongo     MongoConfig `json:"mongo" yaml:"mongo"`
}

// New creates the store described by cfg. An empty type selects memory.
func New(cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "checkpoint_store"))

	switch cfg.Type {
	case TypeMemory, "":
		return NewMemoryStore(), nil
	case TypeFile:
		return NewFileStore(cfg.BaseDir)
	case TypeRedis:
		return OpenRedisStore(cfg.Redis, cfg.KeyPrefix)
	case TypeSQL:
		pool := database.DefaultPoolConfig()
		if cfg.SQL.MaxOpenConns > 0 {
			pool.MaxOpenConns = cfg.SQL.MaxOpenConns
		}
		if cfg.SQL.MaxIdleConns > 0 {
			pool.MaxIdleConns = cfg.SQL.MaxIdleConns
		}
		if cfg.SQL.ConnMaxLifetime > 0 {
			pool.ConnMaxLifetime = cfg.SQL.ConnMaxLifetime
		}
		pm, err := database.Open(cfg.SQL.Driver, cfg.SQL.DSN, pool, logger)
		if err != nil {
			return nil, err
		}
		store, err := NewSQLStore(pm.DB(), cfg.SQL.AutoMigrate)
		if err != nil {
			pm.Close()
			return nil, err
		}
		store.closer = pm.Close
		return store, nil
	case TypeMongo:
		return OpenMongoStore(cfg.Mongo)
	default:
		return nil, fmt.Errorf("unsupported checkpoint store type: %s", cfg.Type)
	}
}

// MustNew creates a store or panics. Use only during initialization.
func MustNew(cfg Config, logger *zap.Logger) Store {
	store, err := New(cfg, logger)
	if err != nil {
		panic(fmt.Sprintf("failed to create checkpoint store: %v", err))
	}
	return store
}
