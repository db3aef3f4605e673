// Package db wraps a PostgreSQL connection pool behind the lifecycle
// contract the orchestrator needs: initialized once during bootstrap when a
// database section is configured, shared read-only afterwards, closed during
// teardown.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config mirrors the database section of the server configuration.
type Config struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
	Database string `yaml:"database,omitempty"`

	Connection ConnectionConfig `yaml:"connection,omitempty"`
}

// ConnectionConfig tunes pool behavior. Zero values fall back to defaults.
type ConnectionConfig struct {
	AcquireTimeout  string `yaml:"timeout,omitempty"`         // e.g. "5s"
	MaxOpenConns    int    `yaml:"maxOpenConnections,omitempty"`
	MaxIdleConns    int    `yaml:"maxIdleConnections,omitempty"`
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"` // e.g. "1h"
	ConnMaxIdleTime string `yaml:"connMaxIdleTime,omitempty"` // e.g. "15m"
}

// URL builds the connection URL with the original defaults applied
// (localhost:5432, user postgres, database postgres).
func (c *Config) URL() string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	user := c.User
	if user == "" {
		user = "postgres"
	}
	database := c.Database
	if database == "" {
		database = "postgres"
	}
	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(user, c.Password),
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + database,
	}
	return u.String()
}

// PoolManager owns the process-wide pgx pool.
type PoolManager struct {
	pool *pgxpool.Pool
}

// Init creates the pool and verifies connectivity with a ping. The
// orchestrator treats any failure here as fatal; no retry is attempted
// beyond what the pool itself does on acquire.
func Init(ctx context.Context, cfg *Config, log *slog.Logger) (*PoolManager, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("db: parse connection url: %w", err)
	}

	cc := cfg.Connection
	pc.MaxConns = int32(orDefaultInt(cc.MaxOpenConns, 100))
	pc.MinConns = int32(orDefaultInt(cc.MaxIdleConns, 10))
	pc.MaxConnLifetime = orDefaultDuration(cc.ConnMaxLifetime, time.Hour)
	pc.MaxConnIdleTime = orDefaultDuration(cc.ConnMaxIdleTime, 15*time.Minute)
	pc.ConnConfig.ConnectTimeout = orDefaultDuration(cc.AcquireTimeout, 5*time.Second)

	log.Info("creating database connection pool",
		slog.String("host", pc.ConnConfig.Host),
		slog.String("database", pc.ConnConfig.Database),
		slog.Int("maxConns", int(pc.MaxConns)),
		slog.Int("minConns", int(pc.MinConns)),
	)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("db: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}
	return &PoolManager{pool: pool}, nil
}

// Pool returns the underlying pgx pool.
func (m *PoolManager) Pool() *pgxpool.Pool {
	return m.pool
}

// HealthCheck runs a trivial query to verify the pool can serve connections.
func (m *PoolManager) HealthCheck(ctx context.Context) (bool, error) {
	if m == nil || m.pool == nil {
		return false, fmt.Errorf("db: pool not initialized")
	}
	if _, err := m.pool.Exec(ctx, "SELECT 1"); err != nil {
		return false, fmt.Errorf("db: health check: %w", err)
	}
	return true, nil
}

// Close releases the pool. Safe on a nil manager so teardown can call it
// unconditionally.
func (m *PoolManager) Close() {
	if m == nil || m.pool == nil {
		return
	}
	m.pool.Close()
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
