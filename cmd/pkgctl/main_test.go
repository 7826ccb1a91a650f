package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/cache"
	"github.com/maneesh/pkgrepo/internal/storage"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", want: 0},
		{name: "runtime", err: errors.New("redis down"), want: 1},
		{name: "unknown condition", err: apperr.ClientInput.New("unknown condition"), want: 1},
		{name: "misconfigured", err: apperr.Configuration.New("S3_BUCKET is not set"), want: 2},
		{name: "wrapped misconfiguration", err: fmt.Errorf("startup: %w", apperr.Configuration.New("bad")), want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestParseConditions(t *testing.T) {
	all, err := parseConditions(nil)
	require.NoError(t, err)
	assert.Equal(t, cache.Conditions, all)

	one, err := parseConditions([]string{"manual_update_only"})
	require.NoError(t, err)
	assert.Equal(t, []cache.Condition{cache.ManualUpdateOnly}, one)

	_, err = parseConditions([]string{"everything"})
	assert.True(t, apperr.ClientInput.Has(err))
}

func TestClearCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := storage.WrapRedis(client)
	ctx := context.Background()

	pkgKey := cache.Key(cache.AnyPackageUpdated, "download_target", "mod", "Pack", "1.0.0")
	manualKey := cache.Key(cache.ManualUpdateOnly, "community_list")
	require.NoError(t, store.Set(ctx, pkgKey, []byte("1"), time.Hour))
	require.NoError(t, store.Set(ctx, manualKey, []byte("2"), time.Hour))

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	memo := cache.NewMemo(zap.NewNop(), store)

	require.NoError(t, clearCache(ctx, memo, []cache.Condition{cache.AnyPackageUpdated}, cmd))
	assert.False(t, mr.Exists(pkgKey))
	assert.True(t, mr.Exists(manualKey))
	assert.Equal(t, "cleared any_package_updated\n", out.String())

	require.NoError(t, clearCache(ctx, memo, cache.Conditions, cmd))
	assert.False(t, mr.Exists(manualKey))
}
