package ops

import (
	"os"
	"strings"
	"time"

	"relay/internal/errors"
	"relay/internal/governor"
	"relay/internal/notify"
	"relay/internal/og"
	"relay/internal/order"
	"relay/internal/ratelimit"
	"relay/internal/registry"
	"relay/internal/risk"
	"relay/internal/store/pgstore"
	"relay/internal/watcher"
	"relay/pkg/backoff"
	"relay/pkg/conn"
	"relay/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/caarlos0/env/v10"
	"github.com/shopspring/decimal"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "RELAY_"

// FileConfig mirrors the JSON config layout. Every field tagged env may be
// overridden from the environment, e.g. RELAY_PG_PASSWORD.
type FileConfig struct {
	Postgres  PostgresConfig  `json:"postgres" envPrefix:"PG_"`
	Redis     RedisConfig     `json:"redis" envPrefix:"REDIS_"`
	Kafka     KafkaConfig     `json:"kafka" envPrefix:"KAFKA_"`
	Registry  RegistryConfig  `json:"registry" envPrefix:"REGISTRY_"`
	Risk      RiskConfig      `json:"risk" envPrefix:"RISK_"`
	RateLimit RateLimitConfig `json:"rateLimit" envPrefix:"RATELIMIT_"`
	Dispatch  DispatchConfig  `json:"dispatch" envPrefix:"DISPATCH_"`
	Confirm   ConfirmConfig   `json:"confirm" envPrefix:"CONFIRM_"`
	Watcher   WatcherConfig   `json:"watcher" envPrefix:"WATCHER_"`
	Governor  GovernorConfig  `json:"governor" envPrefix:"GOVERNOR_"`
	Pyroscope PyroscopeConfig `json:"pyroscope" envPrefix:"PYROSCOPE_"`
	Brokers   BrokersConfig   `json:"brokers" envPrefix:"BROKERS_"`
}

type PostgresConfig struct {
	DSN         string   `json:"dsn" env:"DSN"`
	Host        string   `json:"host" env:"HOST"`
	Port        int      `json:"port" env:"PORT"`
	User        string   `json:"user" env:"USER"`
	Password    string   `json:"password" env:"PASSWORD"`
	Database    string   `json:"database" env:"DATABASE"`
	SSLMode     string   `json:"sslMode" env:"SSLMODE"`
	MaxConns    int32    `json:"maxConns" env:"MAX_CONNS"`
	Migrate     bool     `json:"migrate" env:"MIGRATE"`
	FeedBatch   int      `json:"feedBatch" env:"FEED_BATCH"`
	IdleRecheck Duration `json:"idleRecheck" env:"IDLE_RECHECK"`
}

// RedisConfig enables the redis checkpoint when Addr is set.
type RedisConfig struct {
	Addr     string `json:"addr" env:"ADDR"`
	Password string `json:"password" env:"PASSWORD"`
	DB       int    `json:"db" env:"DB"`
	Key      string `json:"key" env:"KEY"`
}

// KafkaConfig enables outcome publishing when Brokers is set.
type KafkaConfig struct {
	Brokers      []string `json:"brokers" env:"BROKERS" envSeparator:","`
	Topic        string   `json:"topic" env:"TOPIC"`
	WriteTimeout Duration `json:"writeTimeout" env:"WRITE_TIMEOUT"`
}

type RegistryConfig struct {
	TTL           Duration `json:"ttl" env:"TTL"`
	MaxStrategies int64    `json:"maxStrategies" env:"MAX_STRATEGIES"`
}

type RiskConfig struct {
	Symbols          map[string]risk.SymbolRule `json:"symbols"`
	DefaultPrecision int32                      `json:"defaultPrecision" env:"DEFAULT_PRECISION"`
	DefaultMinQty    decimal.Decimal            `json:"defaultMinQty" env:"DEFAULT_MIN_QTY"`
	MinMargin        decimal.Decimal            `json:"minMargin" env:"MIN_MARGIN"`
}

type RateLimitConfig struct {
	Global     int64    `json:"global" env:"GLOBAL"`
	PerUser    int64    `json:"perUser" env:"PER_USER"`
	IdleTTL    Duration `json:"idleTtl" env:"IDLE_TTL"`
	SweepEvery Duration `json:"sweepEvery" env:"SWEEP_EVERY"`
}

type DispatchConfig struct {
	PlaceAttempts int      `json:"placeAttempts" env:"PLACE_ATTEMPTS"`
	BackoffMin    Duration `json:"backoffMin" env:"BACKOFF_MIN"`
	BackoffMax    Duration `json:"backoffMax" env:"BACKOFF_MAX"`
}

type ConfirmConfig struct {
	PollDelay    Duration `json:"pollDelay" env:"POLL_DELAY"`
	PollInterval Duration `json:"pollInterval" env:"POLL_INTERVAL"`
	MaxPolls     int      `json:"maxPolls" env:"MAX_POLLS"`
}

type WatcherConfig struct {
	BackoffMin Duration `json:"backoffMin" env:"BACKOFF_MIN"`
	BackoffMax Duration `json:"backoffMax" env:"BACKOFF_MAX"`
}

type GovernorConfig struct {
	Interval    Duration `json:"interval" env:"INTERVAL"`
	GCEvery     Duration `json:"gcEvery" env:"GC_EVERY"`
	HeapLimitMB uint64   `json:"heapLimitMb" env:"HEAP_LIMIT_MB"`
}

type PyroscopeConfig struct {
	Server string `json:"server" env:"SERVER"`
	App    string `json:"app" env:"APP"`
}

// BrokersConfig selects which adapter factories are registered.
type BrokersConfig struct {
	Paper bool `json:"paper" env:"PAPER"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Postgres    conn.Option
	PgStore     pgstore.Option
	Migrate     bool
	Redis       *RedisConfig
	Kafka       *notify.KafkaConfig
	Registry    registry.Config
	Risk        risk.Config
	RateLimit   ratelimit.Config
	SweepEvery  time.Duration
	Dispatch    order.Config
	Confirm     og.Config
	Watcher     watcher.Config
	Governor    governor.Config
	Pyroscope   *PyroscopeConfig
	PaperBroker bool
}

// Load reads the JSON config file at path, applies RELAY_ environment
// overrides and resolves defaults. An empty path reads the environment only.
func Load(path string) (Loaded, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Loaded{}, errors.Wrapf(err, "read config %s", path)
		}
		data = b
	}
	return load(data, nil)
}

// defaults holds the values that a zero cannot stand for.
func defaults() FileConfig {
	return FileConfig{
		Postgres: PostgresConfig{Migrate: true},
		Risk:     RiskConfig{DefaultPrecision: 3},
	}
}

func load(data []byte, environ map[string]string) (Loaded, error) {
	cfg := defaults()
	if len(data) != 0 {
		if err := sonic.Unmarshal(data, &cfg); err != nil {
			return Loaded{}, errors.Wrap(err, "decode config")
		}
	}
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Loaded{}, errors.Wrap(err, "apply env overrides")
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	pg, err := resolvePostgres(cfg.Postgres)
	if err != nil {
		return Loaded{}, err
	}
	rk, err := resolveRisk(cfg.Risk)
	if err != nil {
		return Loaded{}, err
	}
	if cfg.Dispatch.PlaceAttempts < 0 || cfg.Confirm.MaxPolls < 0 {
		return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, "placeAttempts and maxPolls must be >= 0")
	}
	if cfg.RateLimit.Global < 0 || cfg.RateLimit.PerUser < 0 {
		return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, "rate limits must be >= 0")
	}
	if cfg.RateLimit.Global > 0 && cfg.RateLimit.PerUser > cfg.RateLimit.Global {
		return Loaded{}, errors.Wrapf(exception.ErrInvalidArgument, "perUser %d exceeds global %d", cfg.RateLimit.PerUser, cfg.RateLimit.Global)
	}

	l := Loaded{
		Postgres: pg,
		PgStore: pgstore.Option{
			Batch:       cfg.Postgres.FeedBatch,
			IdleRecheck: cfg.Postgres.IdleRecheck.D(),
		},
		Migrate: cfg.Postgres.Migrate,
		Registry: registry.Config{
			TTL:           cfg.Registry.TTL.D(),
			MaxStrategies: cfg.Registry.MaxStrategies,
		},
		Risk: rk,
		RateLimit: ratelimit.Config{
			Global:  cfg.RateLimit.Global,
			PerUser: cfg.RateLimit.PerUser,
			IdleTTL: cfg.RateLimit.IdleTTL.D(),
		},
		SweepEvery: durationOr(cfg.RateLimit.SweepEvery, time.Minute),
		Dispatch: order.Config{
			PlaceAttempts: cfg.Dispatch.PlaceAttempts,
			PlaceBackoff:  resolveBackoff(cfg.Dispatch.BackoffMin, cfg.Dispatch.BackoffMax),
		},
		Confirm: og.Config{
			PollDelay:    cfg.Confirm.PollDelay.D(),
			PollInterval: cfg.Confirm.PollInterval.D(),
			MaxPolls:     cfg.Confirm.MaxPolls,
		},
		Watcher: watcher.Config{
			Backoff: resolveBackoff(cfg.Watcher.BackoffMin, cfg.Watcher.BackoffMax),
		},
		Governor: governor.Config{
			Interval:  cfg.Governor.Interval.D(),
			GCEvery:   cfg.Governor.GCEvery.D(),
			HeapLimit: cfg.Governor.HeapLimitMB << 20,
		},
		PaperBroker: cfg.Brokers.Paper,
	}

	if cfg.Redis.Addr != "" {
		r := cfg.Redis
		l.Redis = &r
	}
	if brokers := compact(cfg.Kafka.Brokers); len(brokers) != 0 {
		if cfg.Kafka.Topic == "" {
			return Loaded{}, errors.Wrap(exception.ErrInvalidArgument, "kafka topic is empty")
		}
		l.Kafka = &notify.KafkaConfig{
			Brokers:      brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout.D(),
		}
	}
	if cfg.Pyroscope.Server != "" {
		p := cfg.Pyroscope
		if p.App == "" {
			p.App = "relay"
		}
		l.Pyroscope = &p
	}
	return l, nil
}

func resolvePostgres(cfg PostgresConfig) (conn.Option, error) {
	if cfg.DSN == "" && cfg.Host == "" {
		return conn.Option{}, errors.Wrap(exception.ErrInvalidArgument, "postgres dsn or host is required")
	}
	if cfg.DSN == "" && cfg.Database == "" {
		return conn.Option{}, errors.Wrap(exception.ErrInvalidArgument, "postgres database is empty")
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.MaxConns < 0 {
		return conn.Option{}, errors.Wrap(exception.ErrInvalidArgument, "postgres maxConns must be >= 0")
	}
	return conn.Option{
		Host:       cfg.Host,
		Port:       cfg.Port,
		User:       cfg.User,
		Password:   cfg.Password,
		Database:   cfg.Database,
		SSLMode:    cfg.SSLMode,
		ConnString: cfg.DSN,
		MaxConns:   cfg.MaxConns,
	}, nil
}

func resolveRisk(cfg RiskConfig) (risk.Config, error) {
	out := risk.Config{
		Symbols:          make(map[string]risk.SymbolRule, len(cfg.Symbols)),
		DefaultPrecision: cfg.DefaultPrecision,
		DefaultMinQty:    cfg.DefaultMinQty,
		MinMargin:        cfg.MinMargin,
	}
	if out.DefaultPrecision < 0 {
		return risk.Config{}, errors.Wrap(exception.ErrInvalidArgument, "risk defaultPrecision must be >= 0")
	}
	if cfg.DefaultMinQty.IsNegative() || cfg.MinMargin.IsNegative() {
		return risk.Config{}, errors.Wrap(exception.ErrInvalidArgument, "risk minimums must be >= 0")
	}
	for name, rule := range cfg.Symbols {
		if rule.QtyPrecision < 0 || rule.MinQty.IsNegative() {
			return risk.Config{}, errors.Wrapf(exception.ErrInvalidArgument, "invalid rule for %s", name)
		}
		out.Symbols[strings.ToUpper(strings.TrimSpace(name))] = rule
	}
	return out, nil
}

func resolveBackoff(min, max Duration) backoff.Backoff {
	b := backoff.Default()
	if min > 0 {
		b.Min = min.D()
	}
	if max > 0 {
		b.Max = max.D()
	}
	return b
}

func durationOr(d Duration, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d.D()
}

func compact(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
