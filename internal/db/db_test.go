package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_ConnectionString(t *testing.T) {
	t.Run("database_url_wins", func(t *testing.T) {
		cfg := &Config{DatabaseURL: "postgres://u:p@db:5432/parcels", Host: "ignored"}
		assert.Equal(t, "postgres://u:p@db:5432/parcels", cfg.ConnectionString())
	})

	t.Run("components", func(t *testing.T) {
		cfg := &Config{Host: "localhost", Port: "5432", User: "postgres", Password: "secret", Database: "parcel_valuation", SSLMode: "disable"}
		assert.Equal(t,
			"host=localhost port=5432 user=postgres password=secret dbname=parcel_valuation sslmode=disable",
			cfg.ConnectionString())
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"url_only", Config{DatabaseURL: "postgres://x"}, ""},
		{"missing_host", Config{Port: "5432", User: "u", Database: "d"}, "host"},
		{"missing_port", Config{Host: "h", User: "u", Database: "d"}, "port"},
		{"missing_user", Config{Host: "h", Port: "5432", Database: "d"}, "user"},
		{"missing_database", Config{Host: "h", Port: "5432", User: "u"}, "name"},
		{"complete", Config{Host: "h", Port: "5432", User: "u", Database: "d"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()

	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, 10, cfg.MaxIdleConns)
	assert.Equal(t, 40, cfg.MaxOpenConns)
	assert.NotZero(t, cfg.MaxLifetime)
}

func TestConfigFromEnv(t *testing.T) {
	t.Run("database_url", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://env/parcels")
		cfg := ConfigFromEnv()
		assert.Equal(t, "postgres://env/parcels", cfg.DatabaseURL)
	})

	t.Run("defaults", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		t.Setenv("POSTGRES_HOST", "")
		t.Setenv("POSTGRES_PORT", "")
		t.Setenv("POSTGRES_USER", "")
		t.Setenv("POSTGRES_DB", "")
		cfg := ConfigFromEnv()
		assert.Equal(t, "localhost", cfg.Host)
		assert.Equal(t, "5432", cfg.Port)
		assert.Equal(t, "postgres", cfg.User)
		assert.Equal(t, "parcel_valuation", cfg.Database)
	})
}

func TestConfigFromEnv_StatementTimeout(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/parcels")
	t.Setenv("DB_STATEMENT_TIMEOUT_MS", "15000")

	cfg := ConfigFromEnv()
	assert.Equal(t, 15000, cfg.StatementTimeoutMs)
	assert.Equal(t, "postgres://env/parcels?statement_timeout=15000", WithStatementTimeout(cfg.ConnectionString(), cfg.StatementTimeoutMs))
}
