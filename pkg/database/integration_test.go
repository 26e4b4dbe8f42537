package database_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-dfir/eleanor/pkg/database"
	testdb "github.com/eleanor-dfir/eleanor/test/database"
)

func TestHealthPostgres(t *testing.T) {
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	status, err := database.Health(ctx, client.Pool())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.Positive(t, status.MaxConns)

	client.Close()

	status, err = database.Health(ctx, client.Pool())
	require.Error(t, err)
	assert.Equal(t, "unhealthy", status.Status)
}
