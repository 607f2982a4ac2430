package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PostgresDB is the PostgreSQL reference store.
type PostgresDB struct {
	sqlStore
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	d := &PostgresDB{pool: pool}
	d.sqlStore = sqlStore{q: pgQuerier{pool: pool}}
	return d, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() error {
	d.pool.Close()
	return nil
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Pool returns the underlying connection pool.
func (d *PostgresDB) Pool() *pgxpool.Pool {
	return d.pool
}

type pgQuerier struct {
	pool *pgxpool.Pool
}

func (p pgQuerier) exec(ctx context.Context, q string, args ...any) error {
	_, err := p.pool.Exec(ctx, rebindDollar(q), args...)
	return err
}

func (p pgQuerier) queryRow(ctx context.Context, q string, args ...any) scanner {
	return p.pool.QueryRow(ctx, rebindDollar(q), args...)
}

func (p pgQuerier) query(ctx context.Context, q string, args ...any) (rowIter, error) {
	rows, err := p.pool.Query(ctx, rebindDollar(q), args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (pgQuerier) isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
