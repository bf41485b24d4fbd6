//go:build integration

package catalog

import (
	"context"
	"testing"

	"github.com/mbd888/bazaar/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgres_ProductRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testProduct("pg-p1", Digital, 1)))
	got, err := s.Get(ctx, "pg-p1")
	require.NoError(t, err)
	assert.Equal(t, Digital, got.Type)
	assert.Equal(t, "license-key-pg-p1", got.DeliveryPayload)

	require.NoError(t, s.DecrementStock(ctx, "pg-p1"))
	assert.ErrorIs(t, s.DecrementStock(ctx, "pg-p1"), ErrOutOfStock)

	_, err = s.Get(ctx, "pg-missing")
	assert.ErrorIs(t, err, ErrProductNotFound)
}
