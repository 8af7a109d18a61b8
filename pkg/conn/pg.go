package conn

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"relay/internal/errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
	defaultPingTimeout     = 5 * time.Second
)

// Option defines connection options for PostgreSQL.
type Option struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
	// MaxConns bounds the listener pool. Zero keeps the pgx default.
	MaxConns int32
	Config   *gorm.Config
}

// Client holds the gorm handle used for queries and a pgx pool used for
// LISTEN connections, both on the same database.
type Client struct {
	opt  Option
	db   *gorm.DB
	pool *pgxpool.Pool
}

// New opens and pings both connections. Any failure here is fatal to the
// caller's startup.
func New(ctx context.Context, option Option) (*Client, error) {
	connString := option.DSN()

	config := option.Config
	if config == nil {
		config = &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, errors.Wrap(err, "open gorm")
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		closeGorm(db)
		return nil, errors.Wrap(err, "parse pool config")
	}
	if option.MaxConns > 0 {
		poolConfig.MaxConns = option.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		closeGorm(db)
		return nil, errors.Wrap(err, "open pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		closeGorm(db)
		return nil, errors.Wrap(err, "ping postgres")
	}

	return &Client{opt: option, db: db, pool: pool}, nil
}

// DB returns the underlying gorm.DB instance.
func (c *Client) DB() *gorm.DB {
	if c == nil {
		return nil
	}
	return c.db
}

// Pool returns the pgx pool.
func (c *Client) Pool() *pgxpool.Pool {
	if c == nil {
		return nil
	}
	return c.pool
}

// Close closes both connection pools.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if c.pool != nil {
		c.pool.Close()
	}
	return closeGorm(c.db)
}

func closeGorm(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DSN renders the connection URL. ConnString wins when set.
func (opt Option) DSN() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}

	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}

	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}

	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}

	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String()
}
