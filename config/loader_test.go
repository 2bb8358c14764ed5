// 配置加载器测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BaSui01/graphflow/workflow/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// --- Loader 测试 ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 25, cfg.Runtime.MaxSteps)
	assert.Equal(t, "memory", cfg.Checkpoint.Type)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8888
  read_timeout: 60s
  api_keys: ["k1", "k2"]
  jwt:
    secret: "s3cret"
    issuer: "graphflow"

runtime:
  max_steps: 50
  fanout_concurrency: 4
  fanout_rate: 20
  fanout_burst: 5
  swarm_budget: 12

checkpoint:
  type: redis
  key_prefix: "test:"
  redis:
    addr: "redis.example.com:6379"
    password: "secret"
    db: 1

log:
  level: "debug"
  format: "console"
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)
	assert.True(t, cfg.Server.JWT.Enabled())
	assert.Equal(t, "graphflow", cfg.Server.JWT.Issuer)

	assert.Equal(t, 50, cfg.Runtime.MaxSteps)
	assert.Equal(t, 4, cfg.Runtime.FanoutConcurrency)
	assert.Equal(t, 20.0, cfg.Runtime.FanoutRate)
	assert.Equal(t, 5, cfg.Runtime.FanoutBurst)
	assert.Equal(t, 12, cfg.Runtime.SwarmBudget)
	// YAML 中未出现的字段保留默认值
	assert.Equal(t, 20, cfg.Runtime.HistoryPerThread)

	assert.Equal(t, "redis", cfg.Checkpoint.Type)
	assert.Equal(t, "redis.example.com:6379", cfg.Checkpoint.Redis.Addr)
	assert.Equal(t, "secret", cfg.Checkpoint.Redis.Password)
	assert.Equal(t, 1, cfg.Checkpoint.Redis.DB)
	assert.Equal(t, 10, cfg.Checkpoint.Redis.PoolSize)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("GRAPHFLOW_SERVER_HTTP_PORT", "7777")
	t.Setenv("GRAPHFLOW_SERVER_SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("GRAPHFLOW_SERVER_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("GRAPHFLOW_SERVER_ALLOW_QUERY_API_KEY", "true")
	t.Setenv("GRAPHFLOW_RUNTIME_MAX_STEPS", "40")
	t.Setenv("GRAPHFLOW_RUNTIME_FANOUT_RATE", "2.5")
	t.Setenv("GRAPHFLOW_CHECKPOINT_TYPE", "sql")
	t.Setenv("GRAPHFLOW_CHECKPOINT_DATABASE_DRIVER", "sqlite")
	t.Setenv("GRAPHFLOW_CHECKPOINT_DATABASE_NAME", "/tmp/graphflow.db")
	t.Setenv("GRAPHFLOW_LOG_LEVEL", "warn")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSAllowedOrigins)
	assert.True(t, cfg.Server.AllowQueryAPIKey)
	assert.Equal(t, 40, cfg.Runtime.MaxSteps)
	assert.Equal(t, 2.5, cfg.Runtime.FanoutRate)
	assert.Equal(t, "sql", cfg.Checkpoint.Type)
	assert.Equal(t, "/tmp/graphflow.db", cfg.Checkpoint.Database.DSN())
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8888
runtime:
  max_steps: 30
  swarm_budget: 6
`)
	t.Setenv("GRAPHFLOW_SERVER_HTTP_PORT", "9999")
	t.Setenv("GRAPHFLOW_RUNTIME_MAX_STEPS", "60")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, 60, cfg.Runtime.MaxSteps)
	assert.Equal(t, 6, cfg.Runtime.SwarmBudget)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")
	t.Setenv("MYAPP_CHECKPOINT_BASE_DIR", "/var/lib/graphflow")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.Server.HTTPPort)
	assert.Equal(t, "/var/lib/graphflow", cfg.Checkpoint.BaseDir)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("GRAPHFLOW_RUNTIME_MAX_STEPS", "many")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GRAPHFLOW_RUNTIME_MAX_STEPS")
}

func TestLoader_WithValidator(t *testing.T) {
	validator := func(cfg *Config) error {
		if cfg.Server.HTTPPort < 1024 {
			return assert.AnError
		}
		return nil
	}
	t.Setenv("GRAPHFLOW_SERVER_HTTP_PORT", "80")

	_, err := NewLoader().WithValidator(validator).Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/non/existent/path/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: [invalid
  this is not valid yaml
`)
	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{name: "negative HTTP port", modify: func(c *Config) { c.Server.HTTPPort = -1 }, wantErr: "HTTP port"},
		{name: "HTTP port too large", modify: func(c *Config) { c.Server.HTTPPort = 70000 }, wantErr: "HTTP port"},
		{name: "tls cert without key", modify: func(c *Config) { c.Server.TLSCertFile = "cert.pem" }, wantErr: "tls_key_file"},
		{name: "zero max steps", modify: func(c *Config) { c.Runtime.MaxSteps = 0 }, wantErr: "max_steps"},
		{name: "negative concurrency", modify: func(c *Config) { c.Runtime.FanoutConcurrency = -1 }, wantErr: "fanout_concurrency"},
		{
			name: "rate without burst",
			modify: func(c *Config) {
				c.Runtime.FanoutRate = 10
				c.Runtime.FanoutBurst = 0
			},
			wantErr: "fanout_burst",
		},
		{name: "negative swarm budget", modify: func(c *Config) { c.Runtime.SwarmBudget = -2 }, wantErr: "swarm_budget"},
		{name: "unknown checkpoint type", modify: func(c *Config) { c.Checkpoint.Type = "etcd" }, wantErr: "etcd"},
		{
			name: "file store without dir",
			modify: func(c *Config) {
				c.Checkpoint.Type = "file"
				c.Checkpoint.BaseDir = ""
			},
			wantErr: "base_dir",
		},
		{
			name: "redis store without addr",
			modify: func(c *Config) {
				c.Checkpoint.Type = "redis"
				c.Checkpoint.Redis.Addr = ""
			},
			wantErr: "redis.addr",
		},
		{
			name: "sql store with unknown driver",
			modify: func(c *Config) {
				c.Checkpoint.Type = "sql"
				c.Checkpoint.Database.Driver = "oracle"
			},
			wantErr: "database",
		},
		{
			name: "mongo store without uri",
			modify: func(c *Config) {
				c.Checkpoint.Type = "mongo"
				c.Checkpoint.Mongo.URI = ""
			},
			wantErr: "mongo.uri",
		},
		{name: "sample rate too high", modify: func(c *Config) { c.Telemetry.SampleRate = 1.5 }, wantErr: "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver: "postgres", Host: "localhost", Port: 5432,
				User: "user", Password: "pass", Name: "dbname", SSLMode: "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql DSN",
			config: DatabaseConfig{
				Driver: "mysql", Host: "localhost", Port: 3306,
				User: "user", Password: "pass", Name: "dbname",
			},
			expected: "user:pass@tcp(localhost:3306)/dbname?parseTime=true",
		},
		{
			name:     "sqlite DSN",
			config:   DatabaseConfig{Driver: "sqlite", Name: "/path/to/db.sqlite"},
			expected: "/path/to/db.sqlite",
		},
		{
			name:     "unknown driver",
			config:   DatabaseConfig{Driver: "unknown"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

func TestCheckpointConfig_Store(t *testing.T) {
	cfg := DefaultCheckpointConfig()
	cfg.Type = "sql"
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = "cp.db"
	cfg.Database.AutoMigrate = true

	sc := cfg.Store()
	assert.Equal(t, checkpoint.TypeSQL, sc.Type)
	assert.Equal(t, "graphflow:", sc.KeyPrefix)
	assert.Equal(t, "sqlite", sc.SQL.Driver)
	assert.Equal(t, "cp.db", sc.SQL.DSN)
	assert.True(t, sc.SQL.AutoMigrate)
	assert.Equal(t, 25, sc.SQL.MaxOpenConns)
	assert.Equal(t, "localhost:6379", sc.Redis.Addr)
	assert.False(t, sc.Redis.TLS)
	assert.Equal(t, "checkpoints", sc.Mongo.Collection)
}

// 文件存储配置可直接交给 checkpoint 工厂
func TestCheckpointConfig_StoreOpensFileBackend(t *testing.T) {
	cfg := DefaultCheckpointConfig()
	cfg.Type = "file"
	cfg.BaseDir = t.TempDir()

	store, err := checkpoint.New(cfg.Store(), nil)
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.FileStore{}, store)
	assert.NoError(t, store.Close())
}

// --- MustLoad 测试 ---

func TestMustLoad_Success(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 8080\n")
	assert.NotPanics(t, func() {
		cfg := MustLoad(path)
		assert.Equal(t, 8080, cfg.Server.HTTPPort)
	})
}

func TestMustLoad_InvalidFile(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml")
	assert.Panics(t, func() { MustLoad(path) })
}

func TestMustLoad_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "runtime:\n  max_steps: -1\n")
	assert.Panics(t, func() { MustLoad(path) })
}

func TestLoadFromEnv_Function(t *testing.T) {
	t.Setenv("GRAPHFLOW_TELEMETRY_SERVICE_NAME", "env-only")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "env-only", cfg.Telemetry.ServiceName)
}
