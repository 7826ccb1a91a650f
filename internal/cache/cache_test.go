package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maneesh/pkgrepo/internal/clock"
	"github.com/maneesh/pkgrepo/internal/storage"
)

func TestKey(t *testing.T) {
	a := Key(AnyPackageUpdated, "find_version", "Team", "Mod", "1.0.0")
	b := Key(AnyPackageUpdated, "find_version", "Team", "Mod", "1.0.0")
	c := Key(AnyPackageUpdated, "find_version", "Team", "Mod", "1.0.1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Regexp(t, `^cache\.any_package_updated\.func\.find_version\.[0-9a-f]{32}$`, a)
}

func TestMemoize(t *testing.T) {
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	memo := NewMemo(zap.NewNop(), NewMemoryStore(clk))
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) ([]string, error) {
		calls++
		return []string{"riskofrain2", "valheim"}, nil
	}

	for i := 0; i < 3; i++ {
		got, err := Memoize(ctx, memo, ManualUpdateOnly, "communities", time.Minute, compute)
		require.NoError(t, err)
		assert.Equal(t, []string{"riskofrain2", "valheim"}, got)
	}
	assert.Equal(t, 1, calls)

	clk.Advance(2 * time.Minute)
	_, err := Memoize(ctx, memo, ManualUpdateOnly, "communities", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	require.NoError(t, memo.Invalidate(ctx, ManualUpdateOnly))
	_, err = Memoize(ctx, memo, ManualUpdateOnly, "communities", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestMemoizeErrorNotCached(t *testing.T) {
	memo := NewMemo(zap.NewNop(), NewMemoryStore(clock.Real()))
	ctx := context.Background()

	_, err := Memoize(ctx, memo, AnyPackageUpdated, "f", time.Minute, func(context.Context) (int, error) {
		return 0, errors.New("db down")
	})
	require.Error(t, err)

	got, err := Memoize(ctx, memo, AnyPackageUpdated, "f", time.Minute, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestInvalidateOnlyCondition(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	local := NewMemoryStore(clock.Real())
	memo := NewMemo(zap.NewNop(), storage.WrapRedis(client), local)
	ctx := context.Background()

	one := func(context.Context) (int, error) { return 1, nil }
	_, err := Memoize(ctx, memo, AnyPackageUpdated, "a", 0, one)
	require.NoError(t, err)
	_, err = Memoize(ctx, memo, ManualUpdateOnly, "b", 0, one)
	require.NoError(t, err)
	require.NoError(t, local.Set(ctx, Key(AnyPackageUpdated, "local"), []byte("1"), 0))

	require.NoError(t, memo.Invalidate(ctx, AnyPackageUpdated))

	assert.False(t, mr.Exists(Key(AnyPackageUpdated, "a")))
	assert.True(t, mr.Exists(Key(ManualUpdateOnly, "b")))
	_, ok, err := local.Get(ctx, Key(AnyPackageUpdated, "local"))
	require.NoError(t, err)
	assert.False(t, ok)
}
