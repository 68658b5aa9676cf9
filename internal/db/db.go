package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Driver identifies the SQL dialect backing a DB.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// DB wraps the relational store used for tenant data and, in the default
// deployment, the job/page queue.
type DB struct {
	client *sql.DB
	config *Config
	driver Driver
}

// Config holds connection configuration for either driver
type Config struct {
	Driver       Driver        // sqlite or postgres
	DatabaseURL  string        // PostgreSQL connection string
	SQLitePath   string        // SQLite file path, ":memory:" for an in-process database
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// ConnectionString returns the DSN handed to database/sql
func (c *Config) ConnectionString() string {
	if c.Driver == DriverPostgres {
		return c.DatabaseURL
	}

	path := c.SQLitePath
	if path == "" {
		path = ":memory:"
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite", path)
}

func (c *Config) driverName() string {
	if c.Driver == DriverPostgres {
		return "pgx"
	}
	return "sqlite"
}

// New opens a database connection, configures the pool and creates the schema
func New(config *Config) (*DB, error) {
	if config.Driver == "" {
		config.Driver = DriverSQLite
	}
	if config.Driver != DriverSQLite && config.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", config.Driver)
	}
	if config.Driver == DriverPostgres && config.DatabaseURL == "" {
		return nil, fmt.Errorf("database url is required for postgres")
	}

	if config.Driver == DriverSQLite {
		// SQLite serialises writers; a single connection also keeps
		// ":memory:" databases alive for the life of the pool.
		config.MaxOpenConns = 1
		config.MaxIdleConns = 1
		config.MaxLifetime = 0
	} else {
		if config.MaxIdleConns == 0 {
			config.MaxIdleConns = 10
		}
		if config.MaxOpenConns == 0 {
			config.MaxOpenConns = 25
		}
		if config.MaxLifetime == 0 {
			config.MaxLifetime = 20 * time.Minute
		}
	}

	client, err := sql.Open(config.driverName(), config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", config.Driver, err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.Ping(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", config.Driver, err)
	}

	db := &DB{client: client, config: config, driver: config.Driver}
	if err := db.setupSchema(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	log.Info().
		Str("driver", string(config.Driver)).
		Int("max_open_conns", config.MaxOpenConns).
		Msg("Database connection established")

	return db, nil
}

// NewWithClient wraps an existing connection without touching the schema.
// Used by tests that drive the DB through sqlmock.
func NewWithClient(client *sql.DB, driver Driver) *DB {
	return &DB{client: client, driver: driver, config: &Config{Driver: driver}}
}

// OpenMemory opens a private in-memory SQLite database with the full schema
func OpenMemory() (*DB, error) {
	return New(&Config{Driver: DriverSQLite, SQLitePath: ":memory:"})
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.client.Close()
}

// GetDB returns the underlying database connection
func (db *DB) GetDB() *sql.DB {
	return db.client
}

// Driver returns the SQL dialect in use
func (db *DB) Driver() Driver {
	return db.driver
}

// Ping verifies the connection is alive
func (db *DB) Ping(ctx context.Context) error {
	return db.client.PingContext(ctx)
}

// Execute runs a database operation in a transaction
func (db *DB) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.client.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// rebind rewrites '?' placeholders to the numbered form PostgreSQL expects.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	return Rebind(query)
}

// Rebind converts '?' placeholders to $1, $2, ...
func Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func now() time.Time {
	return time.Now().UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// Serialise converts data to JSON string representation.
func Serialise(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to serialise data")
		return "{}"
	}
	return string(data)
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		log.Warn().Err(err).Str("raw", raw).Msg("Failed to decode string list column")
		return []string{}
	}
	if out == nil {
		return []string{}
	}
	return out
}
