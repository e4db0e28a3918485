package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListenConnString(t *testing.T) {
	tests := []struct {
		name    string
		connStr string
		direct  string
		want    string
		wantOK  bool
	}{
		{"direct connection", "postgres://u:p@db.local:5432/valuation", "", "postgres://u:p@db.local:5432/valuation", true},
		{"pooler host", "postgres://u:p@aws-0.pooler.supabase.com:5432/postgres", "", "postgres://u:p@aws-0.pooler.supabase.com:5432/postgres", false},
		{"pgbouncer port", "postgres://u:p@db.local:6543/valuation", "", "postgres://u:p@db.local:6543/valuation", false},
		{"direct url override", "postgres://u:p@db.local:6543/valuation", "postgres://u:p@db.local:5432/valuation", "postgres://u:p@db.local:5432/valuation", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_DIRECT_URL", tt.direct)
			got, ok := ListenConnString(tt.connStr)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}
