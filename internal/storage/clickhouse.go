package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host      string
	Port      int
	Database  string
	User      string
	Password  string
	BatchSize int
}

// Signal is one archived telemetry state vector.
type Signal struct {
	Time        time.Time
	ICAO        string
	Flight      string
	Latitude    float64
	Longitude   float64
	Altitude    int32
	GroundSpeed float32
	Track       float32
	Squawk      string
	RSSI        float32
}

// Archive buffers telemetry signals and writes them to ClickHouse in batches.
type Archive struct {
	conn      driver.Conn
	batchSize int

	mu      sync.Mutex
	pending []Signal
}

// OpenArchive opens a connection to ClickHouse.
func OpenArchive(ctx context.Context, cfg ClickHouseConfig) (*Archive, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 1000
	}
	return &Archive{conn: conn, batchSize: batch}, nil
}

// Close flushes buffered signals and closes the connection.
func (a *Archive) Close(ctx context.Context) error {
	flushErr := a.Flush(ctx)
	if err := a.conn.Close(); err != nil {
		return err
	}
	return flushErr
}

// CreateSchema creates the signals table.
func (a *Archive) CreateSchema(ctx context.Context) error {
	err := a.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS signals (
			time         DateTime64(3),
			icao         LowCardinality(String),
			flight       LowCardinality(String),
			latitude     Float64,
			longitude    Float64,
			altitude     Int32,
			ground_speed Float32,
			track        Float32,
			squawk       LowCardinality(String),
			rssi         Float32
		)
		ENGINE = MergeTree()
		PARTITION BY toYYYYMM(time)
		ORDER BY (icao, time)`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Add buffers signals and writes a batch once the buffer reaches the batch size.
func (a *Archive) Add(ctx context.Context, signals []Signal) error {
	a.mu.Lock()
	a.pending = append(a.pending, signals...)
	if len(a.pending) < a.batchSize {
		a.mu.Unlock()
		return nil
	}
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	return a.insert(ctx, batch)
}

// Flush writes any buffered signals.
func (a *Archive) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	return a.insert(ctx, batch)
}

func (a *Archive) insert(ctx context.Context, signals []Signal) error {
	if len(signals) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO signals (time, icao, flight, latitude, longitude, altitude, ground_speed, track, squawk, rssi)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, s := range signals {
		err := batch.Append(s.Time, s.ICAO, s.Flight, s.Latitude, s.Longitude, s.Altitude, s.GroundSpeed, s.Track, s.Squawk, s.RSSI)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// CountSignals returns the number of archived signals.
func (a *Archive) CountSignals(ctx context.Context) (uint64, error) {
	var count uint64
	if err := a.conn.QueryRow(ctx, "SELECT count() FROM signals").Scan(&count); err != nil {
		return 0, fmt.Errorf("count signals: %w", err)
	}
	return count, nil
}
