package acquisition_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgeflow/scada-acquisition/internal/acquisition"
	"github.com/edgeflow/scada-acquisition/internal/domain"
	"github.com/edgeflow/scada-acquisition/internal/worker"
)

type fakeSource struct {
	points []domain.Point
}

func (f *fakeSource) LoadPoints(ctx context.Context) ([]domain.Point, error) {
	return f.points, nil
}

type fakeSink struct {
	mu      sync.Mutex
	samples []domain.Sample
}

func (f *fakeSink) Write(ctx context.Context, sample domain.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, sample)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

func TestService_StartAssignsWorkersPerDevice(t *testing.T) {
	source := &fakeSource{points: []domain.Point{
		{Name: "p1", Host: "127.0.0.1", Port: 15020, UnitID: 1, Address: 0, DataType: domain.Reg16, PollIntervalMs: 1000, Enabled: true},
		{Name: "p2", Host: "127.0.0.1", Port: 15021, UnitID: 1, Address: 0, DataType: domain.Reg16, PollIntervalMs: 1000, Enabled: true},
	}}
	sink := &fakeSink{}

	svc := acquisition.New(source, sink, acquisition.Config{
		WorkerConfig: testWorkerConfig(),
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	assert.Len(t, svc.ListPoints(), 2)
}

func TestService_StartFailsWithoutPoints(t *testing.T) {
	svc := acquisition.New(&fakeSource{}, &fakeSink{}, acquisition.Config{WorkerConfig: testWorkerConfig()}, zap.NewNop())
	err := svc.Start(context.Background())
	assert.Error(t, err)
}

func TestService_SubmitWriteUnknownDeviceFails(t *testing.T) {
	source := &fakeSource{points: []domain.Point{
		{Name: "p1", Host: "127.0.0.1", Port: 15022, UnitID: 1, Address: 0, DataType: domain.Reg16, PollIntervalMs: 1000, Enabled: true},
	}}
	sink := &fakeSink{}
	svc := acquisition.New(source, sink, acquisition.Config{WorkerConfig: testWorkerConfig()}, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	_, err := svc.SubmitWrite("nope:1:1", domain.Request{Kind: domain.WriteHolding, StartAddress: 0, Count: 1, WritePayload: []uint16{1}, UnitID: 1}, domain.Normal, true)
	assert.Error(t, err)
}

func TestService_SubmitWriteKnownDeviceReturnsRequestID(t *testing.T) {
	source := &fakeSource{points: []domain.Point{
		{Name: "p1", Host: "127.0.0.1", Port: 15023, UnitID: 1, Address: 0, DataType: domain.Reg16, PollIntervalMs: 1000, Enabled: true},
	}}
	svc := acquisition.New(source, &fakeSink{}, acquisition.Config{WorkerConfig: testWorkerConfig()}, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	id, err := svc.SubmitWrite("127.0.0.1:15023:1",
		domain.Request{Kind: domain.WriteHolding, StartAddress: 0, Count: 1, WritePayload: []uint16{7}, UnitID: 1},
		domain.High, true)
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestService_PointLifecycle(t *testing.T) {
	source := &fakeSource{points: []domain.Point{
		{Name: "p1", Host: "127.0.0.1", Port: 15024, UnitID: 1, Address: 0, DataType: domain.Reg16, PollIntervalMs: 1000, Enabled: true},
	}}
	svc := acquisition.New(source, &fakeSink{}, acquisition.Config{WorkerConfig: testWorkerConfig()}, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	added := domain.Point{Name: "p2", Host: "127.0.0.1", Port: 15024, UnitID: 1, Address: 5, DataType: domain.Reg16, PollIntervalMs: 1000, Enabled: true}
	require.NoError(t, svc.AddPoint(added))
	assert.Error(t, svc.AddPoint(added)) // duplicate name
	assert.Len(t, svc.ListPoints(), 2)

	updated := added
	updated.Address = 6
	require.NoError(t, svc.UpdatePoint("p2", updated))

	require.NoError(t, svc.RemovePoint("p2"))
	assert.Error(t, svc.RemovePoint("p2"))
	assert.Len(t, svc.ListPoints(), 1)

	svc.ClearPoints()
	assert.Empty(t, svc.ListPoints())
}

func testWorkerConfig() worker.Config {
	return worker.Config{
		ConnectTimeout:       50 * time.Millisecond,
		RequestTimeout:       50 * time.Millisecond,
		HeartbeatInterval:    time.Second,
		MaxReconnectAttempts: 1,
		QueueCapacity:        8,
	}
}
