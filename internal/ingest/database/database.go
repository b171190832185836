// Package database stores vulnerabilities in a PostgreSQL database.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cvewatch/cvewatch/internal/vulnerabilities"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ubuntu/decorate"
)

const (
	queryTimeout = 10 * time.Second
	closeTimeout = 10 * time.Second
)

const upsertQuery = `INSERT INTO vulnerabilities (
		id,
		key,
		reserved_at,
		published_at,
		rejected_at,
		title,
		description,
		refs
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (key) DO UPDATE SET
		updated_at = now(),
		reserved_at = EXCLUDED.reserved_at,
		published_at = EXCLUDED.published_at,
		rejected_at = EXCLUDED.rejected_at,
		title = EXCLUDED.title,
		description = EXCLUDED.description,
		refs = EXCLUDED.refs
	RETURNING ` + columns

const listQuery = `SELECT ` + columns + ` FROM vulnerabilities ORDER BY key`

const columns = `id, key, created_at, updated_at, reserved_at, published_at, rejected_at, title, description, refs`

// Config holds the configuration for connecting to the PostgreSQL database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type dbPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
	Close()
}

// Manager manages the PostgreSQL database connection pool.
// It implements vulnerabilities.Store.
type Manager struct {
	dbpool dbPool
}

type options struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
	backoff backoff.BackOff
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// WithConnectBackoff sets how pinging the database is retried while connecting.
// A zero maxElapsedTime retries until the context is done.
func WithConnectBackoff(initialInterval, maxInterval, maxElapsedTime time.Duration) Options {
	return func(o *options) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initialInterval
		b.MaxInterval = maxInterval
		b.MaxElapsedTime = maxElapsedTime
		o.backoff = b
	}
}

// Connect creates a connection pool to the database and waits for it to answer.
func Connect(ctx context.Context, cfg Config, args ...Options) (*Manager, error) {
	opts := options{
		newPool: func(ctx context.Context, dsn string) (dbPool, error) {
			return pgxpool.New(ctx, dsn)
		},
	}
	WithConnectBackoff(time.Second, 30*time.Second, 2*time.Minute)(&opts)

	for _, opt := range args {
		opt(&opts)
	}

	dbpool, err := opts.newPool(ctx, cfg.URI("postgres"))
	if err != nil {
		return nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}

	slog.Debug("Testing database connection", "host", cfg.Host, "port", cfg.Port)
	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()
		return dbpool.Ping(pingCtx)
	}
	notify := func(err error, d time.Duration) {
		slog.Warn("Database not reachable yet, retrying", "err", err, "in", d)
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(opts.backoff, ctx), notify); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %v", err)
	}

	slog.Info("Connected to PostgreSQL database", "host", cfg.Host, "port", cfg.Port)
	return &Manager{dbpool: dbpool}, nil
}

// CreateVulnerability stores v, or updates the vulnerability with the same key.
func (db Manager) CreateVulnerability(ctx context.Context, v vulnerabilities.NewVulnerability) (stored vulnerabilities.Vulnerability, err error) {
	defer decorate.OnError(&err, "could not store %s", v.Key)

	if db.dbpool == nil {
		return stored, errors.New("database not initialized")
	}

	refs := v.References
	if refs == nil {
		refs = []vulnerabilities.Reference{}
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := db.dbpool.QueryRow(ctx, upsertQuery,
		uuid.New(),    // id, kept on conflict
		v.Key,         // key
		v.ReservedAt,  // reserved_at
		v.PublishedAt, // published_at
		v.RejectedAt,  // rejected_at
		v.Title,       // title
		v.Description, // description
		refs,          // refs
	)
	return scanVulnerability(row)
}

// ListVulnerabilities returns every stored vulnerability ordered by key.
func (db Manager) ListVulnerabilities(ctx context.Context) (vulns []vulnerabilities.Vulnerability, err error) {
	defer decorate.OnError(&err, "could not list vulnerabilities")

	if db.dbpool == nil {
		return nil, errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := db.dbpool.Query(ctx, listQuery)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (vulnerabilities.Vulnerability, error) {
		return scanVulnerability(row)
	})
}

func scanVulnerability(row pgx.Row) (v vulnerabilities.Vulnerability, err error) {
	err = row.Scan(
		&v.ID,
		&v.Key,
		&v.CreatedAt,
		&v.UpdatedAt,
		&v.ReservedAt,
		&v.PublishedAt,
		&v.RejectedAt,
		&v.Title,
		&v.Description,
		&v.References,
	)
	if err != nil {
		return vulnerabilities.Vulnerability{}, err
	}
	return v, nil
}

// Close closes the database connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (db *Manager) Close() error {
	if db.dbpool == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		db.dbpool.Close()
	}()

	select {
	case <-done:
		db.dbpool = nil
		return nil
	case <-time.After(closeTimeout):
		return fmt.Errorf("timeout while closing database, connection may still be open")
	}
}

// URI is a helper method that returns a connection URI for PostgreSQL.
// It does not check the validity of the configuration values.
//
// Security warning: the returned string may include credentials.
func (c Config) URI(scheme string) string {
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}

	u := &url.URL{
		Scheme: scheme,
		User:   user,
		Host:   host,
		Path:   c.DBName,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
