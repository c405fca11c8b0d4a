package configsource_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeflow/scada-acquisition/internal/configsource"
	"github.com/edgeflow/scada-acquisition/internal/domain"
)

type failingSource struct{}

func (failingSource) LoadPoints(ctx context.Context) ([]domain.Point, error) {
	return nil, errors.New("configsource: primary unreachable")
}

type fixedSource struct{ points []domain.Point }

func (f fixedSource) LoadPoints(ctx context.Context) ([]domain.Point, error) {
	return f.points, nil
}

func TestCachedSource_FallsBackWhenPrimaryFails(t *testing.T) {
	dir := t.TempDir()
	cache, err := configsource.NewLocalCache(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	defer cache.Close()

	seed := []domain.Point{{Name: "p1", Host: "h", Port: 502, Address: 1, DataType: domain.Reg16}}
	require.NoError(t, cache.Store(context.Background(), seed))

	src := configsource.NewCachedSource(failingSource{}, cache)
	points, err := src.LoadPoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, seed, points)
}

func TestCachedSource_RefreshesCacheOnSuccess(t *testing.T) {
	dir := t.TempDir()
	cache, err := configsource.NewLocalCache(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	defer cache.Close()

	fresh := []domain.Point{{Name: "p2", Host: "h", Port: 502, Address: 2, DataType: domain.Reg16}}
	src := configsource.NewCachedSource(fixedSource{points: fresh}, cache)

	points, err := src.LoadPoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, points)

	cached, ok, err := cache.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fresh, cached)
}

func TestCachedSource_NoCacheAndPrimaryFails(t *testing.T) {
	dir := t.TempDir()
	cache, err := configsource.NewLocalCache(filepath.Join(dir, "empty.db"))
	require.NoError(t, err)
	defer cache.Close()

	src := configsource.NewCachedSource(failingSource{}, cache)
	_, err = src.LoadPoints(context.Background())
	assert.Error(t, err)
}
