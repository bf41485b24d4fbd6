//go:build integration

package settings

import (
	"context"
	"testing"

	"github.com/mbd888/bazaar/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgres_CommissionRate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	svc := NewService(NewPostgresStore(db), dec("10"))
	ctx := context.Background()

	rate, err := svc.CommissionRate(ctx)
	require.NoError(t, err)
	assert.True(t, rate.Equal(dec("10")))

	require.NoError(t, svc.SetCommissionRate(ctx, dec("7.25"), "admin-1"))
	require.NoError(t, svc.SetCommissionRate(ctx, dec("8"), "admin-2"))

	rate, err = svc.CommissionRate(ctx)
	require.NoError(t, err)
	assert.True(t, rate.Equal(dec("8")))
}
