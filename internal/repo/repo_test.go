package repo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"annotline/internal/repo"
	"annotline/internal/testsupport"
)

func TestIsUniqueViolationUsesDriverCode(t *testing.T) {
	conn, _ := testsupport.OpenDB(t)
	ctx := context.Background()
	_, err := conn.ExecContext(ctx, `CREATE TABLE names(name TEXT NOT NULL UNIQUE, n INTEGER CHECK (n > 0))`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO names(name, n) VALUES ('a', 1)`)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `INSERT INTO names(name, n) VALUES ('a', 2)`)
	require.Error(t, err)
	assert.True(t, repo.IsUniqueViolation(err))

	_, err = conn.ExecContext(ctx, `INSERT INTO names(name, n) VALUES ('b', 0)`)
	require.Error(t, err)
	assert.False(t, repo.IsUniqueViolation(err), "check constraint is not a unique violation")

	assert.False(t, repo.IsUniqueViolation(errors.New("UNIQUE constraint failed: fake")))
	assert.False(t, repo.IsUniqueViolation(nil))
}
