package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeflow/scada-acquisition/internal/domain"
	"github.com/edgeflow/scada-acquisition/internal/registry"
	"github.com/edgeflow/scada-acquisition/internal/worker"
)

func TestRegistry_RegisterGetUnregister(t *testing.T) {
	r := registry.New(registry.Config{}, zap.NewNop(), nil)
	w := worker.New("dev1", "127.0.0.1", 1, 1, worker.Config{
		ConnectTimeout: time.Millisecond, RequestTimeout: time.Millisecond,
		HeartbeatInterval: time.Second, QueueCapacity: 4,
	}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.Register(ctx, "dev1", w))
	got, ok := r.Get("dev1")
	require.True(t, ok)
	assert.Same(t, w, got)

	assert.ElementsMatch(t, []string{"dev1"}, r.List())

	require.NoError(t, r.Unregister("dev1"))
	_, ok = r.Get("dev1")
	assert.False(t, ok)
}

func TestRegistry_RegisterDuplicateFails(t *testing.T) {
	r := registry.New(registry.Config{}, zap.NewNop(), nil)
	w := worker.New("dev1", "127.0.0.1", 1, 1, worker.Config{
		ConnectTimeout: time.Millisecond, RequestTimeout: time.Millisecond,
		HeartbeatInterval: time.Second, QueueCapacity: 4,
	}, nil, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, r.Register(ctx, "dev1", w))
	err := r.Register(ctx, "dev1", w)
	assert.Error(t, err)
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r := registry.New(registry.Config{}, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	build := func() *worker.DeviceWorker {
		return worker.New("dev1", "127.0.0.1", 1, 1, worker.Config{
			ConnectTimeout: time.Millisecond, RequestTimeout: time.Millisecond,
			HeartbeatInterval: time.Second, QueueCapacity: 4,
		}, nil, zap.NewNop())
	}

	w1, created, err := r.GetOrCreate(ctx, "dev1", build)
	require.NoError(t, err)
	assert.True(t, created)

	w2, created, err := r.GetOrCreate(ctx, "dev1", build)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, w1, w2)
}

func TestRegistry_StatisticsTickAggregates(t *testing.T) {
	var mu sync.Mutex
	var got domain.GlobalStatistics
	r := registry.New(registry.Config{StatsTickSeconds: 1}, zap.NewNop(), func(s domain.GlobalStatistics) {
		mu.Lock()
		got = s
		mu.Unlock()
	})
	w := worker.New("dev1", "127.0.0.1", 1, 1, worker.Config{
		ConnectTimeout: time.Millisecond, RequestTimeout: time.Millisecond,
		HeartbeatInterval: time.Second, QueueCapacity: 4,
	}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.Register(ctx, "dev1", w))
	require.NoError(t, r.Start())
	defer r.Stop()

	time.Sleep(1200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, got.DevicesTotal)
}
