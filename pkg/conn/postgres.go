package conn

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultPostgresHost     = "localhost"
	defaultPostgresPort     = 5432
	defaultPostgresSSLMode  = "disable"
	defaultPostgresMaxConns = 8
	defaultPostgresLifetime = 30 * time.Minute
)

// PostgresOption defines the connection to the shared grid store.
type PostgresOption struct {
	Host        string            `yaml:"host"`
	Port        int               `yaml:"port"`
	User        string            `yaml:"user"`
	Password    string            `yaml:"password"`
	Database    string            `yaml:"database"`
	SSLMode     string            `yaml:"sslmode"`
	Params      map[string]string `yaml:"params"`
	DSN         string            `yaml:"dsn"`
	MaxConns    int               `yaml:"maxConns"`
	MaxLifetime time.Duration     `yaml:"maxLifetime"`
}

// Postgres wraps a gorm connection pool.
type Postgres struct {
	db *gorm.DB
}

// OpenPostgres connects and pings the database within ctx.
func OpenPostgres(ctx context.Context, opt PostgresOption) (*Postgres, error) {
	dsn := opt.dsn()
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres").With("host", opt.Host)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "postgres pool")
	}
	maxConns := opt.MaxConns
	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	lifetime := opt.MaxLifetime
	if lifetime <= 0 {
		lifetime = defaultPostgresLifetime
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxLifetime(lifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "ping postgres").With("host", opt.Host)
	}
	return &Postgres{db: db}, nil
}

// DB returns the underlying gorm.DB instance.
func (p *Postgres) DB() *gorm.DB {
	if p == nil {
		return nil
	}
	return p.db
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (opt PostgresOption) dsn() string {
	if opt.DSN != "" {
		return opt.DSN
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
	switch {
	case opt.User != "" && opt.Password != "":
		u.User = url.UserPassword(opt.User, opt.Password)
	case opt.User != "":
		u.User = url.User(opt.User)
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key != "" {
			query.Set(key, value)
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}
