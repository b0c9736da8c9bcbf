package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		name     string
		driver   Driver
		query    string
		expected string
	}{
		{
			name:     "sqlite unchanged",
			driver:   DriverSQLite,
			query:    "SELECT * FROM t WHERE a = ? AND b = ?",
			expected: "SELECT * FROM t WHERE a = ? AND b = ?",
		},
		{
			name:     "postgres numbered",
			driver:   DriverPostgres,
			query:    "SELECT * FROM t WHERE a = ? AND b IN (?, ?)",
			expected: "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)",
		},
		{
			name:     "postgres skips literals",
			driver:   DriverPostgres,
			query:    "SELECT '?' FROM t WHERE a = ?",
			expected: "SELECT '?' FROM t WHERE a = $1",
		},
		{
			name:     "no placeholders",
			driver:   DriverPostgres,
			query:    "SELECT 1",
			expected: "SELECT 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Rebind(tt.driver, tt.query))
		})
	}
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", Placeholders(0))
	assert.Equal(t, "?", Placeholders(1))
	assert.Equal(t, "?, ?, ?", Placeholders(3))
}
