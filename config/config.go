// Package config loads service settings from defaults, an optional config
// file and TASKLIST_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tasklist-api/storage"
)

const envPrefix = "TASKLIST"

// Config keys
const (
	KeyListenAddr     = "listen_addr"
	KeyDebug          = "debug"
	KeyLogFormat      = "log.format"
	KeyRequestTimeout = "request_timeout"
	KeyCORSOrigins    = "cors.allow_origins"

	KeyStorageDriver      = "storage.driver"
	KeyStorageAutoMigrate = "storage.auto_migrate"

	KeyMySQLHost              = "mysql.host"
	KeyMySQLPort              = "mysql.port"
	KeyMySQLUser              = "mysql.user"
	KeyMySQLPassword          = "mysql.password"
	KeyMySQLDatabase          = "mysql.database"
	KeyMySQLTLS               = "mysql.tls"
	KeyMySQLMaxOpenConns      = "mysql.max_open_conns"
	KeyMySQLMaxIdleConns      = "mysql.max_idle_conns"
	KeyMySQLConnMaxLifetime   = "mysql.conn_max_lifetime"
	KeyMySQLConnectMaxElapsed = "mysql.connect_max_elapsed"

	KeyRedisURL   = "redis.url"
	KeyCacheTTL   = "cache.ttl"
	KeyDeduperTTL = "deduper.ttl"
	KeyLockMode   = "lock.mode"
	KeyLockTTL    = "lock.ttl"

	KeyTelemetryEnabled = "telemetry.enabled"
	KeyTelemetryStdout  = "telemetry.stdout"
)

const (
	DriverMySQL  = "mysql"
	DriverMemory = "memory"

	LockLocal = "local"
	LockRedis = "redis"
)

type Config struct {
	ListenAddr     string
	Debug          bool
	LogFormat      string
	RequestTimeout time.Duration
	CORSOrigins    []string

	StorageDriver string
	AutoMigrate   bool
	MySQL         storage.Config

	RedisURL   string
	CacheTTL   time.Duration
	DeduperTTL time.Duration
	LockMode   string
	LockTTL    time.Duration

	TelemetryEnabled bool
	TelemetryStdout  bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyListenAddr, ":3000")
	v.SetDefault(KeyDebug, false)
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyRequestTimeout, "15s")
	v.SetDefault(KeyCORSOrigins, []string{"*"})

	v.SetDefault(KeyStorageDriver, DriverMySQL)
	v.SetDefault(KeyStorageAutoMigrate, true)

	v.SetDefault(KeyMySQLHost, "localhost")
	v.SetDefault(KeyMySQLPort, 3306)
	v.SetDefault(KeyMySQLUser, "root")
	v.SetDefault(KeyMySQLPassword, "")
	v.SetDefault(KeyMySQLDatabase, "tasklist")
	v.SetDefault(KeyMySQLTLS, false)
	v.SetDefault(KeyMySQLMaxOpenConns, 10)
	v.SetDefault(KeyMySQLMaxIdleConns, 5)
	v.SetDefault(KeyMySQLConnMaxLifetime, "5m")
	v.SetDefault(KeyMySQLConnectMaxElapsed, "30s")

	v.SetDefault(KeyRedisURL, "")
	v.SetDefault(KeyCacheTTL, "30s")
	v.SetDefault(KeyDeduperTTL, "24h")
	v.SetDefault(KeyLockMode, LockLocal)
	v.SetDefault(KeyLockTTL, "30s")

	v.SetDefault(KeyTelemetryEnabled, false)
	v.SetDefault(KeyTelemetryStdout, true)
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// DEBUG is honoured unprefixed as well.
	_ = v.BindEnv(KeyDebug, envPrefix+"_DEBUG", "DEBUG")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		ListenAddr:     v.GetString(KeyListenAddr),
		Debug:          v.GetBool(KeyDebug),
		LogFormat:      strings.ToLower(v.GetString(KeyLogFormat)),
		RequestTimeout: v.GetDuration(KeyRequestTimeout),
		CORSOrigins:    splitList(v.GetStringSlice(KeyCORSOrigins)),

		StorageDriver: strings.ToLower(v.GetString(KeyStorageDriver)),
		AutoMigrate:   v.GetBool(KeyStorageAutoMigrate),
		MySQL: storage.Config{
			Host:              v.GetString(KeyMySQLHost),
			Port:              v.GetInt(KeyMySQLPort),
			User:              v.GetString(KeyMySQLUser),
			Password:          v.GetString(KeyMySQLPassword),
			Database:          v.GetString(KeyMySQLDatabase),
			TLS:               v.GetBool(KeyMySQLTLS),
			MaxOpenConns:      v.GetInt(KeyMySQLMaxOpenConns),
			MaxIdleConns:      v.GetInt(KeyMySQLMaxIdleConns),
			ConnMaxLifetime:   v.GetDuration(KeyMySQLConnMaxLifetime),
			ConnectMaxElapsed: v.GetDuration(KeyMySQLConnectMaxElapsed),
		},

		RedisURL:   v.GetString(KeyRedisURL),
		CacheTTL:   v.GetDuration(KeyCacheTTL),
		DeduperTTL: v.GetDuration(KeyDeduperTTL),
		LockMode:   strings.ToLower(v.GetString(KeyLockMode)),
		LockTTL:    v.GetDuration(KeyLockTTL),

		TelemetryEnabled: v.GetBool(KeyTelemetryEnabled),
		TelemetryStdout:  v.GetBool(KeyTelemetryStdout),
	}
	return cfg, cfg.Validate()
}

// splitList accepts both list values from a file and a comma separated
// environment variable.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyListenAddr))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("%s must be text or json, got %q", KeyLogFormat, c.LogFormat))
	}
	switch c.StorageDriver {
	case DriverMemory:
	case DriverMySQL:
		if c.MySQL.Host == "" {
			errs = append(errs, fmt.Errorf("%s is required", KeyMySQLHost))
		}
		if c.MySQL.Port <= 0 || c.MySQL.Port > 65535 {
			errs = append(errs, fmt.Errorf("%s out of range: %d", KeyMySQLPort, c.MySQL.Port))
		}
		if c.MySQL.Database == "" {
			errs = append(errs, fmt.Errorf("%s is required", KeyMySQLDatabase))
		}
	default:
		errs = append(errs, fmt.Errorf("%s must be mysql or memory, got %q", KeyStorageDriver, c.StorageDriver))
	}
	switch c.LockMode {
	case LockLocal:
	case LockRedis:
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("%s=redis requires %s", KeyLockMode, KeyRedisURL))
		}
	default:
		errs = append(errs, fmt.Errorf("%s must be local or redis, got %q", KeyLockMode, c.LockMode))
	}
	if c.RequestTimeout < 0 || c.CacheTTL < 0 || c.DeduperTTL < 0 || c.LockTTL < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	return errors.Join(errs...)
}
