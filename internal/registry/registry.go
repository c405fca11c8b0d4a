// Package registry implements the Worker Registry: it owns the lifecycle
// of every DeviceWorker, staggers their startup behind a counted admission
// semaphore, and periodically aggregates per-worker statistics into a
// GlobalStatistics snapshot. The periodic ticks run on robfig/cron/v3 with
// cron.WithSeconds() for sub-minute cadences.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/edgeflow/scada-acquisition/internal/domain"
	"github.com/edgeflow/scada-acquisition/internal/worker"
)

// entry is a running worker plus its lifecycle state.
type entry struct {
	w        *worker.DeviceWorker
	cancel   context.CancelFunc
	starting bool
}

// Config tunes the registry's admission control and tick cadence.
type Config struct {
	MaxConcurrentConnects  int
	StatsTickSeconds       int // default 5
	LoadBalanceTickSeconds int // default 10
}

// loadSample is the per-device bookkeeping tickLoadBalance needs to turn
// cumulative counters into a rate between ticks.
type loadSample struct {
	lastTotal uint64
	lastTick  time.Time
}

// stopTimeout bounds how long Stop waits for worker goroutines to drain
// before abandoning them.
const stopTimeout = 5 * time.Second

// Registry owns every DeviceWorker keyed by device_key.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*entry
	sem     chan struct{}
	cfg     Config
	log     *zap.Logger
	wg      sync.WaitGroup

	cron *cron.Cron

	statsMu  sync.Mutex
	latest   domain.GlobalStatistics
	onStats  func(domain.GlobalStatistics)
	prevOK   uint64
	prevTick time.Time

	lbMu    sync.Mutex
	lbState map[string]loadSample
}

// New builds a Registry. onStats, if non-nil, is invoked on every
// statistics tick with the freshly aggregated snapshot (the acquisition
// service wires this to the optional MQTT/Mongo/S3 fan-out).
func New(cfg Config, log *zap.Logger, onStats func(domain.GlobalStatistics)) *Registry {
	if cfg.StatsTickSeconds <= 0 {
		cfg.StatsTickSeconds = 5
	}
	if cfg.LoadBalanceTickSeconds <= 0 {
		cfg.LoadBalanceTickSeconds = 10
	}
	if cfg.MaxConcurrentConnects <= 0 {
		cfg.MaxConcurrentConnects = 16
	}
	return &Registry{
		workers: make(map[string]*entry),
		sem:     make(chan struct{}, cfg.MaxConcurrentConnects),
		cfg:     cfg,
		log:     log,
		cron:    cron.New(cron.WithSeconds()),
		onStats: onStats,
		lbState: make(map[string]loadSample),
	}
}

// Register adds w under deviceKey and starts it in its own goroutine.
// Startup is staggered: the n-th new worker's start is deferred by
// max(200, 100*n) milliseconds, and the admission semaphore additionally
// caps simultaneous connection attempts, so a large device fleet doesn't
// open hundreds of TCP sockets at once.
func (r *Registry) Register(ctx context.Context, deviceKey string, w *worker.DeviceWorker) error {
	r.mu.Lock()
	if _, exists := r.workers[deviceKey]; exists {
		r.mu.Unlock()
		return fmt.Errorf("registry: device %s already registered", deviceKey)
	}
	existing := len(r.workers)
	workerCtx, cancel := context.WithCancel(ctx)
	r.workers[deviceKey] = &entry{w: w, cancel: cancel, starting: true}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		select {
		case <-time.After(staggerDelay(existing)):
		case <-workerCtx.Done():
			return
		}
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-workerCtx.Done():
			return
		}

		r.mu.Lock()
		if e, ok := r.workers[deviceKey]; ok {
			e.starting = false
		}
		r.mu.Unlock()

		w.Run(workerCtx)
	}()

	return nil
}

// GetOrCreate returns the worker registered under deviceKey, or builds one
// via build and registers it. created reports whether a new worker was
// started, so the caller knows to attach its event consumer.
func (r *Registry) GetOrCreate(ctx context.Context, deviceKey string, build func() *worker.DeviceWorker) (w *worker.DeviceWorker, created bool, err error) {
	r.mu.RLock()
	if e, ok := r.workers[deviceKey]; ok {
		r.mu.RUnlock()
		return e.w, false, nil
	}
	r.mu.RUnlock()

	fresh := build()
	if err := r.Register(ctx, deviceKey, fresh); err != nil {
		// Lost a race with a concurrent creator; hand back theirs.
		r.mu.RLock()
		e, ok := r.workers[deviceKey]
		r.mu.RUnlock()
		if ok {
			return e.w, false, nil
		}
		return nil, false, err
	}
	return fresh, true, nil
}

func staggerDelay(existingCount int) time.Duration {
	ms := 100 * existingCount
	if ms < 200 {
		ms = 200
	}
	return time.Duration(ms) * time.Millisecond
}

// Unregister cancels and removes the worker for deviceKey.
func (r *Registry) Unregister(deviceKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[deviceKey]
	if !ok {
		return fmt.Errorf("registry: device %s not found", deviceKey)
	}
	e.cancel()
	delete(r.workers, deviceKey)
	return nil
}

// Get returns the worker for deviceKey, if registered.
func (r *Registry) Get(deviceKey string) (*worker.DeviceWorker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[deviceKey]
	if !ok {
		return nil, false
	}
	return e.w, true
}

// List returns every registered device key.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.workers))
	for k := range r.workers {
		keys = append(keys, k)
	}
	return keys
}

// anyStarting reports whether any worker is still in its staggered-startup
// window; the load-balancing tick defers while this holds so it never
// rebalances against an incomplete fleet.
func (r *Registry) anyStarting() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.workers {
		if e.starting {
			return true
		}
	}
	return false
}

// Start schedules the statistics-aggregation and load-balancing ticks and
// begins running them.
func (r *Registry) Start() error {
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %ds", r.cfg.StatsTickSeconds), r.tickStatistics); err != nil {
		return fmt.Errorf("registry: schedule stats tick: %w", err)
	}
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %ds", r.cfg.LoadBalanceTickSeconds), r.tickLoadBalance); err != nil {
		return fmt.Errorf("registry: schedule load-balance tick: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the cron ticks, cancels every registered worker and waits up
// to stopTimeout for their goroutines to drain; workers that don't reach
// idle in time are abandoned.
func (r *Registry) Stop() {
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()

	r.mu.Lock()
	for _, e := range r.workers {
		e.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		r.log.Warn("workers did not stop within timeout, abandoning")
	}
}

func (r *Registry) tickStatistics() {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.workers))
	for _, e := range r.workers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var agg domain.GlobalStatistics
	agg.DevicesTotal = len(entries)
	var totalResponseMs float64
	var responded int

	for _, e := range entries {
		stats := e.w.Snapshot()
		agg.TotalRequests += stats.Total
		agg.TotalOK += stats.OK
		agg.TotalFailed += stats.Failed
		if stats.Connected {
			agg.DevicesConnected++
		}
		if stats.AvgResponseMs > 0 {
			totalResponseMs += stats.AvgResponseMs
			responded++
		}
	}
	if responded > 0 {
		agg.AvgResponseMs = totalResponseMs / float64(responded)
	}
	now := time.Now()
	agg.GeneratedAtMs = now.UnixMilli()

	r.statsMu.Lock()
	if !r.prevTick.IsZero() && agg.TotalOK >= r.prevOK {
		if elapsed := now.Sub(r.prevTick).Seconds(); elapsed > 0 {
			agg.SamplesPerSec = float64(agg.TotalOK-r.prevOK) / elapsed
		}
	}
	r.prevOK = agg.TotalOK
	r.prevTick = now
	r.latest = agg
	r.statsMu.Unlock()

	if r.onStats != nil {
		r.onStats(agg)
	}
}

// LatestStatistics returns the most recently computed GlobalStatistics
// snapshot, for the observability API.
func (r *Registry) LatestStatistics() domain.GlobalStatistics {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.latest
}

// loadBalanceHighWatermark and loadBalanceLowWatermark bound the load score
// L above/below which a device's poll interval is nudged up/down.
const (
	loadBalanceHighWatermark  = 0.8
	loadBalanceLowWatermark   = 0.3
	loadBalanceSpeedUpFactor  = 0.8
	loadBalanceSlowDownFactor = 1.3
)

// tickLoadBalance redistributes poll load across workers: for each device
// it scores L = 0.4*rate + 0.4*(avg_response_ms/1000) + 0.2*failure_rate
// from the delta against the previous tick, then nudges that device's poll
// interval up when L is high or down when L is low. Deferred while any
// worker is still in its staggered-startup window so it never rebalances
// against a partially-started fleet.
func (r *Registry) tickLoadBalance() {
	if r.anyStarting() {
		return
	}

	r.mu.RLock()
	type target struct {
		key string
		w   *worker.DeviceWorker
	}
	targets := make([]target, 0, len(r.workers))
	for key, e := range r.workers {
		targets = append(targets, target{key: key, w: e.w})
	}
	r.mu.RUnlock()

	now := time.Now()

	r.lbMu.Lock()
	defer r.lbMu.Unlock()

	for _, t := range targets {
		stats := t.w.Snapshot()

		prev, seen := r.lbState[t.key]
		r.lbState[t.key] = loadSample{lastTotal: stats.Total, lastTick: now}
		if !seen {
			continue
		}

		elapsed := now.Sub(prev.lastTick).Seconds()
		if elapsed <= 0 || stats.Total < prev.lastTotal {
			continue
		}

		delta := stats.Total - prev.lastTotal
		rate := float64(delta) / elapsed

		var failureRate float64
		if stats.Total > 0 {
			failureRate = float64(stats.Failed) / float64(stats.Total)
		}

		load := 0.4*rate + 0.4*(stats.AvgResponseMs/1000) + 0.2*failureRate

		switch {
		case load > loadBalanceHighWatermark:
			t.w.AdjustPollInterval(loadBalanceSlowDownFactor)
			r.log.Debug("load-balance slowing device", zap.String("device_key", t.key), zap.Float64("load", load))
		case load < loadBalanceLowWatermark:
			t.w.AdjustPollInterval(loadBalanceSpeedUpFactor)
			r.log.Debug("load-balance speeding up device", zap.String("device_key", t.key), zap.Float64("load", load))
		}
	}
}
