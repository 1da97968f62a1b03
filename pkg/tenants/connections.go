package tenants

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"
)

// ConnectionConfig describes where tenant databases live and how many
// connections may be open to them at once.
type ConnectionConfig struct {
	// AdminURL points at a maintenance database on the tenant server, used
	// for CREATE DATABASE.
	AdminURL       string
	Host           string
	Port           int
	MaxConnections int
	ConnectTimeout time.Duration
	MaxLifetime    time.Duration
}

// Opener opens a database handle for a DSN.
type Opener func(dsn string) (*sql.DB, error)

func openPostgres(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

// ConnectionFactory hands out short-lived connections to tenant databases.
// Acquisition is bounded across all tenants by a weighted semaphore.
type ConnectionFactory struct {
	cfg  ConnectionConfig
	sem  *semaphore.Weighted
	open Opener
}

// NewConnectionFactory creates a factory. A nil opener uses the lib/pq driver.
func NewConnectionFactory(cfg ConnectionConfig, open Opener) (*ConnectionFactory, error) {
	if cfg.AdminURL == "" {
		return nil, fmt.Errorf("tenant admin database url is required")
	}
	if _, err := url.Parse(cfg.AdminURL); err != nil {
		return nil, fmt.Errorf("invalid tenant admin database url: %w", err)
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if open == nil {
		open = openPostgres
	}
	return &ConnectionFactory{
		cfg:  cfg,
		sem:  semaphore.NewWeighted(int64(cfg.MaxConnections)),
		open: open,
	}, nil
}

// Location returns the host and port tenant databases are created on.
func (f *ConnectionFactory) Location() (string, int) {
	host, port := f.cfg.Host, f.cfg.Port
	if host != "" && port != 0 {
		return host, port
	}
	u, err := url.Parse(f.cfg.AdminURL)
	if err != nil {
		return host, port
	}
	if host == "" {
		host = u.Hostname()
	}
	if port == 0 {
		if p, err := strconv.Atoi(u.Port()); err == nil {
			port = p
		} else {
			port = 5432
		}
	}
	return host, port
}

// DSN returns the connection string for the named database on the tenant
// server.
func (f *ConnectionFactory) DSN(database string) string {
	u, err := url.Parse(f.cfg.AdminURL)
	if err != nil {
		return f.cfg.AdminURL
	}
	if f.cfg.Host != "" {
		host, port := f.Location()
		u.Host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	u.Path = "/" + database
	return u.String()
}

// WithAdminDB runs fn against the maintenance database.
func (f *ConnectionFactory) WithAdminDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	return f.with(ctx, f.cfg.AdminURL, fn)
}

// WithTenantDB runs fn against the named tenant database. The handle is
// closed on every exit path.
func (f *ConnectionFactory) WithTenantDB(ctx context.Context, database string, fn func(context.Context, *sql.DB) error) error {
	return f.with(ctx, f.DSN(database), fn)
}

func (f *ConnectionFactory) with(ctx context.Context, dsn string, fn func(context.Context, *sql.DB) error) error {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire tenant connection slot: %w", err)
	}
	defer f.sem.Release(1)

	db, err := f.open(dsn)
	if err != nil {
		return fmt.Errorf("failed to open tenant connection: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(f.cfg.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to ping tenant database: %w", err)
	}

	return fn(ctx, db)
}
