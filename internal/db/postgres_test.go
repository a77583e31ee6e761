package db_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/notifyhub/durable-subscriptions/internal/db"
)

func TestMigrationURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://u:p@localhost:5432/subs?sslmode=disable", "pgx5://u:p@localhost:5432/subs?sslmode=disable"},
		{"postgresql://u@db/subs", "pgx5://u@db/subs"},
		{"u@db/subs", "pgx5://u@db/subs"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, db.MigrationURL(tt.in))
	}
}
