// Package config loads the daemon configuration from a JSON or YAML file,
// a .env file and WATCHSYNC_* environment variables, in that order.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"watchsync/internal/bridge"
	"watchsync/internal/chaos"
	"watchsync/internal/notify"
	"watchsync/internal/pool"
	"watchsync/pkg/conn"
	"watchsync/pkg/exception"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	defaultMaintainEvery = "@every 1m"
	defaultRedisAddr     = "localhost:6379"
)

// FileConfig mirrors the config file layout.
type FileConfig struct {
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Pool      PoolConfig      `json:"pool" yaml:"pool"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
	Bridge    BridgeConfig    `json:"bridge" yaml:"bridge"`
	Profiling ProfilingConfig `json:"profiling" yaml:"profiling"`
	Chaos     ChaosConfig     `json:"chaos" yaml:"chaos"`
}

// DatabaseConfig describes the shared store.
type DatabaseConfig struct {
	DSN      string            `json:"dsn" yaml:"dsn"`
	Host     string            `json:"host" yaml:"host"`
	Port     int               `json:"port" yaml:"port"`
	Database string            `json:"database" yaml:"database"`
	User     string            `json:"user" yaml:"user"`
	Password string            `json:"password" yaml:"password"`
	SSLMode  string            `json:"sslMode" yaml:"sslMode"`
	Params   map[string]string `json:"params" yaml:"params"`
}

// PoolConfig bounds the connection pool. Durations use time.ParseDuration
// syntax.
type PoolConfig struct {
	MinSize        *int   `json:"minSize" yaml:"minSize"`
	MaxSize        int    `json:"maxSize" yaml:"maxSize"`
	AcquireTimeout string `json:"acquireTimeout" yaml:"acquireTimeout"`
	MaintainEvery  string `json:"maintainEvery" yaml:"maintainEvery"`
}

// NotifyConfig selects the change transport.
type NotifyConfig struct {
	Backend    string      `json:"backend" yaml:"backend"`
	Channels   []string    `json:"channels" yaml:"channels"`
	BackoffMin string      `json:"backoffMin" yaml:"backoffMin"`
	BackoffMax string      `json:"backoffMax" yaml:"backoffMax"`
	Redis      RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig is used when the notify backend is redis.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// Options converts the config to go-redis options.
func (c RedisConfig) Options() *redis.Options {
	return &redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB}
}

type BridgeConfig struct {
	MaxConcurrent int64 `json:"maxConcurrent" yaml:"maxConcurrent"`
}

type ProfilingConfig struct {
	PyroscopeAddr string `json:"pyroscopeAddr" yaml:"pyroscopeAddr"`
}

// ChaosConfig injects faults into the change transport. All rates zero
// disables it.
type ChaosConfig struct {
	Seed           int64   `json:"seed" yaml:"seed"`
	DropRate       float64 `json:"dropRate" yaml:"dropRate"`
	DuplicateRate  float64 `json:"duplicateRate" yaml:"duplicateRate"`
	DisconnectRate float64 `json:"disconnectRate" yaml:"disconnectRate"`
	DialFailRate   float64 `json:"dialFailRate" yaml:"dialFailRate"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Database      conn.Option
	Pool          pool.Config
	MaintainEvery string
	Backend       string
	Channels      []string
	Backoff       notify.Backoff
	Redis         RedisConfig
	Bridge        bridge.Config
	PyroscopeAddr string
	// Chaos is nil unless fault injection is enabled.
	Chaos *chaos.Config
}

// Load reads path when it is not empty, applies .env and environment
// overrides, fills defaults and validates the result.
func Load(path string) (Loaded, error) {
	var fc FileConfig
	if path != "" {
		if err := readFile(path, &fc); err != nil {
			return Loaded{}, err
		}
	}

	_ = godotenv.Load()
	if err := applyEnv(&fc); err != nil {
		return Loaded{}, err
	}
	return resolve(fc)
}

func readFile(path string, fc *FileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = sonic.ConfigStd.Unmarshal(data, fc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, fc)
	default:
		return errors.Wrapf(exception.ErrInvalidConfig, "unsupported config format %s", path)
	}
	if err != nil {
		return errors.Wrapf(exception.ErrInvalidConfig, "decode %s: %v", path, err)
	}
	return nil
}

func applyEnv(fc *FileConfig) error {
	setString(&fc.Database.DSN, "WATCHSYNC_DB_DSN")
	setString(&fc.Database.Host, "WATCHSYNC_DB_HOST")
	setString(&fc.Database.Database, "WATCHSYNC_DB_NAME")
	setString(&fc.Database.User, "WATCHSYNC_DB_USER")
	setString(&fc.Database.Password, "WATCHSYNC_DB_PASSWORD")
	setString(&fc.Notify.Redis.Addr, "WATCHSYNC_REDIS_ADDR")
	setString(&fc.Notify.Backend, "WATCHSYNC_NOTIFY_BACKEND")

	if v, ok := os.LookupEnv("WATCHSYNC_DB_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(exception.ErrInvalidConfig, "WATCHSYNC_DB_PORT %q", v)
		}
		fc.Database.Port = port
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func resolve(fc FileConfig) (Loaded, error) {
	minSize := pool.DefaultMinSize
	if fc.Pool.MinSize != nil {
		minSize = *fc.Pool.MinSize
	}
	maxSize := fc.Pool.MaxSize
	if maxSize == 0 {
		maxSize = pool.DefaultMaxSize
	}
	if maxSize < 1 {
		return Loaded{}, errors.Wrapf(exception.ErrInvalidConfig, "pool maxSize %d < 1", maxSize)
	}
	if minSize < 0 || minSize > maxSize {
		return Loaded{}, errors.Wrapf(exception.ErrInvalidConfig, "pool minSize %d out of [0, %d]", minSize, maxSize)
	}

	acquireTimeout, err := duration("pool.acquireTimeout", fc.Pool.AcquireTimeout, pool.DefaultAcquireTimeout)
	if err != nil {
		return Loaded{}, err
	}

	maintainEvery := fc.Pool.MaintainEvery
	if maintainEvery == "" {
		maintainEvery = defaultMaintainEvery
	}
	if _, err := cron.ParseStandard(maintainEvery); err != nil {
		return Loaded{}, errors.Wrapf(exception.ErrInvalidConfig, "pool.maintainEvery %q: %v", maintainEvery, err)
	}

	backend := strings.ToLower(fc.Notify.Backend)
	if backend == "" {
		backend = BackendPostgres
	}
	if backend != BackendPostgres && backend != BackendRedis {
		return Loaded{}, errors.Wrapf(exception.ErrInvalidConfig, "unknown notify backend %q", fc.Notify.Backend)
	}

	backoff := notify.DefaultBackoff()
	if backoff.Min, err = duration("notify.backoffMin", fc.Notify.BackoffMin, backoff.Min); err != nil {
		return Loaded{}, err
	}
	if backoff.Max, err = duration("notify.backoffMax", fc.Notify.BackoffMax, backoff.Max); err != nil {
		return Loaded{}, err
	}
	if backoff.Min > backoff.Max {
		return Loaded{}, errors.Wrapf(exception.ErrInvalidConfig, "notify backoff %s > %s", backoff.Min, backoff.Max)
	}

	channels := fc.Notify.Channels
	if len(channels) == 0 {
		channels = []string{notify.ChannelEntityChanged, notify.ChannelCollectionChanged}
	}
	for _, ch := range channels {
		if ch == "" {
			return Loaded{}, errors.Wrap(exception.ErrInvalidConfig, "empty notify channel")
		}
	}

	redisCfg := fc.Notify.Redis
	if redisCfg.Addr == "" {
		redisCfg.Addr = defaultRedisAddr
	}

	if fc.Bridge.MaxConcurrent < 0 {
		return Loaded{}, errors.Wrapf(exception.ErrInvalidConfig, "bridge maxConcurrent %d < 0", fc.Bridge.MaxConcurrent)
	}

	var chaosCfg *chaos.Config
	if c := fc.Chaos; c.DropRate != 0 || c.DuplicateRate != 0 || c.DisconnectRate != 0 || c.DialFailRate != 0 {
		chaosCfg = &chaos.Config{
			Seed:           c.Seed,
			DropRate:       c.DropRate,
			DuplicateRate:  c.DuplicateRate,
			DisconnectRate: c.DisconnectRate,
			DialFailRate:   c.DialFailRate,
		}
		if err := chaosCfg.Validate(); err != nil {
			return Loaded{}, err
		}
	}

	db := fc.Database
	return Loaded{
		Database: conn.Option{
			Host:       db.Host,
			Port:       db.Port,
			User:       db.User,
			Password:   db.Password,
			Database:   db.Database,
			SSLMode:    db.SSLMode,
			Params:     db.Params,
			ConnString: db.DSN,
		},
		Pool: pool.Config{
			MinSize:        minSize,
			MaxSize:        maxSize,
			AcquireTimeout: acquireTimeout,
		},
		MaintainEvery: maintainEvery,
		Backend:       backend,
		Channels:      channels,
		Backoff:       backoff,
		Redis:         redisCfg,
		Bridge:        bridge.Config{MaxConcurrent: fc.Bridge.MaxConcurrent},
		PyroscopeAddr: fc.Profiling.PyroscopeAddr,
		Chaos:         chaosCfg,
	}, nil
}

func duration(name, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, errors.Wrapf(exception.ErrInvalidConfig, "%s %q", name, raw)
	}
	return d, nil
}
