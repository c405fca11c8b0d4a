// Package acquisition implements the Acquisition Service: the top-level
// component that loads Points from a configuration source, plans them into
// block reads, assigns them to device workers through the registry, and
// forwards decoded samples to the telemetry sink.
package acquisition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow/scada-acquisition/internal/connection"
	"github.com/edgeflow/scada-acquisition/internal/domain"
	"github.com/edgeflow/scada-acquisition/internal/planner"
	"github.com/edgeflow/scada-acquisition/internal/registry"
	"github.com/edgeflow/scada-acquisition/internal/router"
	"github.com/edgeflow/scada-acquisition/internal/worker"
)

// orphanPollTick is the coarse poll period that services non-block points
// not yet owned by a connected worker, e.g. during the registry's
// staggered-startup window.
const orphanPollTick = 3000 * time.Millisecond

// Source is the Config Source abstraction: anything that can produce
// the current set of configured Points.
type Source interface {
	LoadPoints(ctx context.Context) ([]domain.Point, error)
}

// Sink is the Telemetry Sink abstraction: anything that can accept a
// decoded Sample for downstream delivery. Sink failures are logged, never
// propagated back into the acquisition loop.
type Sink interface {
	Write(ctx context.Context, sample domain.Sample) error
}

// Config bundles the worker and registry tuning knobs a Service needs.
type Config struct {
	WorkerConfig   worker.Config
	RegistryConfig registry.Config
}

// Service is the Acquisition Service.
type Service struct {
	source Source
	sink   Sink
	reg    *registry.Registry
	cfg    Config
	log    *zap.Logger

	mu     sync.Mutex
	points map[string]domain.Point
	cancel context.CancelFunc
	runCtx context.Context

	auditFn      func(domain.WriteAuditRecord)
	statsFn      func(domain.GlobalStatistics)
	sampleSentFn func(name string, ok bool)
}

// New builds a Service wired to source and sink.
func New(source Source, sink Sink, cfg Config, log *zap.Logger) *Service {
	return &Service{
		source: source,
		sink:   sink,
		cfg:    cfg,
		log:    log,
		points: make(map[string]domain.Point),
	}
}

// OnWriteAudited registers a callback invoked for every completed write,
// wired by cmd/acquisitiond to the optional MySQL audit sink.
func (s *Service) OnWriteAudited(fn func(domain.WriteAuditRecord)) {
	s.auditFn = fn
}

// OnStats registers a callback invoked on every registry statistics tick,
// wired by cmd/acquisitiond to the optional MQTT/Mongo/S3 fan-out.
func (s *Service) OnStats(fn func(domain.GlobalStatistics)) {
	s.statsFn = fn
}

// OnSampleSent registers a callback invoked after every sink delivery
// attempt with the sample's point name and whether the send succeeded.
func (s *Service) OnSampleSent(fn func(name string, ok bool)) {
	s.sampleSentFn = fn
}

// Start loads points, plans them, spins up the registry and a worker per
// device, and begins forwarding samples to the sink. It returns once the
// initial fleet is registered; acquisition continues in background
// goroutines until ctx is canceled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	points, err := s.source.LoadPoints(ctx)
	if err != nil {
		return fmt.Errorf("acquisition: load points: %w", err)
	}
	if len(points) == 0 {
		return fmt.Errorf("acquisition: no points configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	reg := registry.New(s.cfg.RegistryConfig, s.log, s.statsFn)
	s.mu.Lock()
	s.cancel = cancel
	s.runCtx = runCtx
	s.reg = reg
	s.mu.Unlock()

	if err := reg.Start(); err != nil {
		cancel()
		return fmt.Errorf("acquisition: start registry: %w", err)
	}

	if err := s.assignPoints(runCtx, points); err != nil {
		cancel()
		return err
	}

	go s.coarsePollLoop(runCtx)

	s.log.Info("acquisition service started", zap.Int("points", len(points)), zap.Int("devices", len(s.reg.List())))
	return nil
}

func (s *Service) assignPoints(ctx context.Context, points []domain.Point) error {
	byDevice := make(map[string][]domain.Point)
	for _, p := range points {
		if err := p.Validate(); err != nil {
			s.log.Warn("skipping invalid point", zap.String("point", p.Name), zap.Error(err))
			continue
		}
		byDevice[p.DeviceKey()] = append(byDevice[p.DeviceKey()], p)

		s.mu.Lock()
		s.points[p.Name] = p
		s.mu.Unlock()
	}

	for deviceKey, devicePoints := range byDevice {
		blocks := planner.Plan(devicePoints)
		host, port, unitID := devicePoints[0].Host, devicePoints[0].Port, devicePoints[0].UnitID
		w := worker.New(deviceKey, host, port, unitID, s.cfg.WorkerConfig, blocks, s.log)
		if err := s.reg.Register(ctx, deviceKey, w); err != nil {
			return fmt.Errorf("acquisition: register device %s: %w", deviceKey, err)
		}
		go s.forward(ctx, w)
	}
	return nil
}

// coarsePollLoop drives non-block points that aren't yet owned by a
// connected worker, such as during the registry's staggered-startup
// window; once a point's worker is up and connected, that worker's own
// timer takes over and this loop skips it.
func (s *Service) coarsePollLoop(ctx context.Context) {
	ticker := time.NewTicker(orphanPollTick)
	defer ticker.Stop()

	lastPoll := make(map[string]int64)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOrphanPoints(ctx, lastPoll)
		}
	}
}

func (s *Service) pollOrphanPoints(ctx context.Context, lastPoll map[string]int64) {
	s.mu.Lock()
	points := make([]domain.Point, 0, len(s.points))
	for _, p := range s.points {
		points = append(points, p)
	}
	s.mu.Unlock()

	now := time.Now().UnixMilli()
	for _, p := range points {
		if p.Block != nil {
			continue
		}
		if w, ok := s.reg.Get(p.DeviceKey()); ok && w.Snapshot().Connected {
			continue
		}
		last, seen := lastPoll[p.Name]
		if seen && now-last < p.PollIntervalMs {
			continue
		}
		lastPoll[p.Name] = now
		s.pollOrphanPoint(ctx, p)
	}
}

func (s *Service) pollOrphanPoint(ctx context.Context, p domain.Point) {
	conn := connection.New(p.Host, p.Port, connection.Config{
		ConnectTimeout: s.cfg.WorkerConfig.ConnectTimeout,
		RequestTimeout: s.cfg.WorkerConfig.RequestTimeout,
	})
	defer conn.Close()

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.WorkerConfig.ConnectTimeout)
	err := conn.Connect(connectCtx)
	cancel()
	if err != nil {
		return
	}

	req := domain.Request{Kind: readKindFor(p.DataType), StartAddress: p.Address, Count: uint16(p.DataType.Width()), UnitID: p.UnitID, DataType: p.DataType}
	execCtx, cancel2 := context.WithTimeout(ctx, s.cfg.WorkerConfig.RequestTimeout)
	raw, execErr := conn.Execute(execCtx, req)
	cancel2()

	now := time.Now().UnixMilli()
	result := domain.ReadResult{Success: execErr == nil, Raw: raw, Err: execErr, DataType: p.DataType, TimestampMs: now}

	samples, routeErr := router.Route(p, result, now)
	if routeErr != nil {
		s.log.Warn("orphan poll decode failed", zap.String("point", p.Name), zap.Error(routeErr))
		return
	}
	for _, sample := range samples {
		if !sample.Valid {
			continue
		}
		s.sendSample(ctx, sample)
	}
}

// sendSample forwards one sample to the sink with a bounded timeout and
// surfaces the delivery outcome through the sample-sent callback. Sink
// failures are logged and never propagate back into acquisition.
func (s *Service) sendSample(ctx context.Context, sample domain.Sample) {
	writeCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	err := s.sink.Write(writeCtx, sample)
	cancel()
	if err != nil {
		s.log.Warn("sink write failed", zap.String("point", sample.PointName), zap.Error(err))
	}
	if s.sampleSentFn != nil {
		s.sampleSentFn(sample.PointName, err == nil)
	}
}

func readKindFor(dt domain.DataType) domain.RequestKind {
	switch dt.Category() {
	case domain.CategoryInput:
		return domain.ReadInput
	case domain.CategoryCoil:
		return domain.ReadCoils
	case domain.CategoryDiscrete:
		return domain.ReadDiscrete
	default:
		return domain.ReadHolding
	}
}

func (s *Service) forward(ctx context.Context, w *worker.DeviceWorker) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, ev worker.Event) {
	switch ev.Kind {
	case worker.EventSampleAcquired:
		for _, sample := range ev.Samples {
			if !sample.Valid {
				continue
			}
			s.sendSample(ctx, sample)
		}
	case worker.EventError:
		s.log.Warn("device error", zap.String("device_key", ev.DeviceKey), zap.String("kind", ev.ErrorKind.String()), zap.Error(ev.Err))
	case worker.EventInterrupted:
		s.log.Info("request interrupted", zap.String("device_key", ev.DeviceKey), zap.Uint64("request_id", ev.Request.RequestID), zap.String("reason", ev.Reason))
	case worker.EventStarted:
		s.log.Debug("worker started", zap.String("device_key", ev.DeviceKey))
	case worker.EventStopped:
		s.log.Debug("worker stopped", zap.String("device_key", ev.DeviceKey))
	case worker.EventWriteCompleted:
		if s.auditFn != nil {
			errMsg := ""
			if ev.Err != nil {
				errMsg = ev.Err.Error()
			}
			s.auditFn(domain.WriteAuditRecord{
				DeviceKey:     ev.DeviceKey,
				Address:       ev.Request.Request.StartAddress,
				Priority:      ev.Request.Priority,
				OK:            ev.Err == nil,
				Error:         errMsg,
				RequestID:     ev.Request.RequestID,
				CompletedAtMs: ev.TimestampMs,
			})
		}
	}
}

// SubmitWrite enqueues a write request against the device owning address,
// identified by its device key, and returns the request id the worker
// assigned. Writes are interruptible by default; pass interruptible=false
// when the submitter needs the write to run to completion undisturbed by a
// higher-priority enqueue.
func (s *Service) SubmitWrite(deviceKey string, req domain.Request, priority domain.RequestPriority, interruptible bool) (uint64, error) {
	if s.reg == nil {
		return 0, fmt.Errorf("acquisition: service not started")
	}
	w, ok := s.reg.Get(deviceKey)
	if !ok {
		return 0, fmt.Errorf("acquisition: unknown device %s", deviceKey)
	}
	return w.Submit(req, priority, interruptible)
}

// AddPoint validates p and adds it to the point set. If the service is
// running, the owning device is re-planned immediately — a worker is
// created for a device not seen before.
func (s *Service) AddPoint(p domain.Point) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, exists := s.points[p.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("acquisition: point %s already exists", p.Name)
	}
	s.points[p.Name] = p
	s.mu.Unlock()

	return s.replanDevice(p.Host, p.Port, p.UnitID)
}

// RemovePoint drops the named point and re-plans its device; the device's
// worker is unregistered once no points remain on it.
func (s *Service) RemovePoint(name string) error {
	s.mu.Lock()
	p, ok := s.points[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("acquisition: point %s not found", name)
	}
	delete(s.points, name)
	s.mu.Unlock()

	return s.replanDevice(p.Host, p.Port, p.UnitID)
}

// UpdatePoint replaces the named point with p, re-planning both the old
// and (if it moved) the new device.
func (s *Service) UpdatePoint(name string, p domain.Point) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	old, ok := s.points[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("acquisition: point %s not found", name)
	}
	delete(s.points, name)
	s.points[p.Name] = p
	s.mu.Unlock()

	if err := s.replanDevice(p.Host, p.Port, p.UnitID); err != nil {
		return err
	}
	if old.DeviceKey() != p.DeviceKey() {
		return s.replanDevice(old.Host, old.Port, old.UnitID)
	}
	return nil
}

// ClearPoints drops every configured point and unregisters every worker.
func (s *Service) ClearPoints() {
	s.mu.Lock()
	s.points = make(map[string]domain.Point)
	reg := s.reg
	s.mu.Unlock()

	if reg == nil {
		return
	}
	for _, key := range reg.List() {
		if err := reg.Unregister(key); err != nil {
			s.log.Warn("unregister worker", zap.String("device_key", key), zap.Error(err))
		}
	}
}

// replanDevice re-runs the block planner over the device's current points
// and pushes the result to its worker, creating one if the device is new.
// A no-op before Start; the startup path plans the whole set itself.
func (s *Service) replanDevice(host string, port int, unitID uint8) error {
	deviceKey := domain.DeviceKey(host, port, unitID)

	s.mu.Lock()
	reg := s.reg
	ctx := s.runCtx
	var devicePoints []domain.Point
	for _, p := range s.points {
		if p.DeviceKey() == deviceKey {
			devicePoints = append(devicePoints, p)
		}
	}
	s.mu.Unlock()

	if reg == nil {
		return nil
	}

	if len(devicePoints) == 0 {
		if _, ok := reg.Get(deviceKey); ok {
			return reg.Unregister(deviceKey)
		}
		return nil
	}

	blocks := planner.Plan(devicePoints)
	w, created, err := reg.GetOrCreate(ctx, deviceKey, func() *worker.DeviceWorker {
		return worker.New(deviceKey, host, port, unitID, s.cfg.WorkerConfig, blocks, s.log)
	})
	if err != nil {
		return fmt.Errorf("acquisition: register device %s: %w", deviceKey, err)
	}
	if created {
		go s.forward(ctx, w)
	} else {
		w.SetPoints(blocks)
	}
	return nil
}

// ListPoints returns a snapshot of every currently configured point.
func (s *Service) ListPoints() []domain.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Point, 0, len(s.points))
	for _, p := range s.points {
		out = append(out, p)
	}
	return out
}

// Stats returns the registry's latest aggregated statistics.
func (s *Service) Stats() domain.GlobalStatistics {
	if s.reg == nil {
		return domain.GlobalStatistics{}
	}
	return s.reg.LatestStatistics()
}

// Stop cancels every worker and the registry's periodic ticks.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s.reg != nil {
		s.reg.Stop()
	}
}
