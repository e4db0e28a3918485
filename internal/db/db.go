package db

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL (PostGIS) database connection
type DB struct {
	client *sql.DB
	config *Config
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host               string        // Database host
	Port               string        // Database port
	User               string        // Database user
	Password           string        // Database password
	Database           string        // Database name
	SSLMode            string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns       int           // Maximum number of idle connections
	MaxOpenConns       int           // Maximum number of open connections
	MaxLifetime        time.Duration // Maximum lifetime of a connection
	StatementTimeoutMs int           // Server side statement timeout
	DatabaseURL        string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

func (c *Config) validate() error {
	if c.DatabaseURL != "" {
		return nil
	}
	if c.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Port == "" {
		return fmt.Errorf("database port is required")
	}
	if c.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 10
	}
	if c.MaxOpenConns == 0 {
		// Row pools fan out to the spatial provider, so the pool needs headroom
		// above ANALYSIS_CONCURRENCY.
		c.MaxOpenConns = 40
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 20 * time.Minute
	}
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	client, err := sql.Open("pgx", WithStatementTimeout(config.ConnectionString(), config.StatementTimeoutMs))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.Ping(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(client); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	return &DB{client: client, config: config}, nil
}

// ConfigFromEnv builds a Config from DATABASE_URL or the POSTGRES_* variables
func ConfigFromEnv() *Config {
	timeoutMs, _ := strconv.Atoi(os.Getenv("DB_STATEMENT_TIMEOUT_MS"))

	if url := os.Getenv("DATABASE_URL"); url != "" {
		return &Config{DatabaseURL: url, StatementTimeoutMs: timeoutMs}
	}

	config := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),

		StatementTimeoutMs: timeoutMs,
	}

	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "parcel_valuation"
	}

	return config
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv() (*DB, error) {
	return New(ConfigFromEnv())
}

// setupSchema creates the tables owned by this service. The parcels table and the
// spatial reference layers are loaded separately and only read here.
func setupSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS batch_jobs (
			job_id TEXT PRIMARY KEY,
			user_id TEXT,
			username TEXT,
			filename TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			priority TEXT NOT NULL DEFAULT 'normal',
			total_rows INTEGER NOT NULL DEFAULT 0,
			completed_rows INTEGER NOT NULL DEFAULT 0,
			failed_rows INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			result_url TEXT,
			result_path TEXT,
			input_path TEXT,
			column_mapping JSONB,
			dry_run BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			CONSTRAINT completed_within_total CHECK (total_rows = 0 OR completed_rows <= total_rows)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create batch_jobs table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_batch_jobs_status_created ON batch_jobs(status, created_at)`)
	if err != nil {
		return fmt.Errorf("failed to create batch_jobs status index: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_batch_jobs_user_created ON batch_jobs(user_id, created_at DESC)`)
	if err != nil {
		return fmt.Errorf("failed to create batch_jobs user index: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS analysis_results (
			parcel_gid BIGINT PRIMARY KEY,
			result_data JSONB NOT NULL,
			csv_source_data JSONB,
			batch_id TEXT,
			processing_mode TEXT NOT NULL DEFAULT 'single',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create analysis_results table: %w", err)
	}

	log.Debug().Msg("Database schema ready")
	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.client.Close()
}

// GetDB returns the underlying *sql.DB
func (d *DB) GetDB() *sql.DB {
	return d.client
}
