// Package worker implements the Device Worker: one goroutine per device
// that owns a Connection, a priority queue of pending requests, and the
// automatic polling/health/backoff loop that keeps a single Modbus/TCP
// endpoint serviced. Events fan out over one buffered, typed channel:
// statistics updates and the stopped notice are sent with select/default and
// dropped when the channel is full; every other event blocks until read.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflow/scada-acquisition/internal/connection"
	"github.com/edgeflow/scada-acquisition/internal/domain"
	"github.com/edgeflow/scada-acquisition/internal/queue"
	"github.com/edgeflow/scada-acquisition/internal/router"
)

// Config bundles the tuning knobs loaded from ConnectionResilienceConfig
// and AcquisitionConfig that a DeviceWorker needs.
type Config struct {
	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	QueueCapacity        int
}

// cooldownHealthThreshold is the health score below which a worker defers
// reconnection attempts with the full exponential backoff curve instead of
// retrying promptly.
const cooldownHealthThreshold = 0.3

// normalReconnectDelay is the retry delay used outside cooldown: a device
// that hasn't shown a sustained failure pattern gets a quick second try.
const normalReconnectDelay = 1000 * time.Millisecond

// loadBalanceFloorMs is the registry load-balancing tick's own floor on
// AdjustPollInterval, distinct from the adaptive-poll MIN_POLL.
const loadBalanceFloorMs = 500

// DeviceWorker owns one device's connection, request queue and polling
// loop. The run loop drives conn; each request executes on a helper
// goroutine, and waitForCompletion may close conn to preempt it. SetPoints
// and AdjustPollInterval change state from other goroutines under mu.
type DeviceWorker struct {
	deviceKey string
	unitID    uint8
	conn      *connection.Connection
	queue     *queue.PriorityQueue
	cfg       Config
	log       *zap.Logger

	mu                    sync.RWMutex
	points                []domain.Point
	pollInterval          time.Duration
	stats                 domain.WorkerStats
	inFlightPriority      domain.RequestPriority
	inFlightInterruptible bool

	health *healthTracker
	events chan Event

	nextRequestID uint64
}

// New builds a DeviceWorker for deviceKey, addressing host:port/unitID
// through a fresh Connection. points are this device's already-planned
// block/singleton Points.
func New(deviceKey, host string, port int, unitID uint8, cfg Config, points []domain.Point, log *zap.Logger) *DeviceWorker {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &DeviceWorker{
		deviceKey:    deviceKey,
		unitID:       unitID,
		conn:         connection.New(host, port, connection.Config{ConnectTimeout: cfg.ConnectTimeout, RequestTimeout: cfg.RequestTimeout}),
		queue:        queue.New(cfg.QueueCapacity),
		cfg:          cfg,
		log:          log.With(zap.String("device_key", deviceKey)),
		points:       points,
		pollInterval: BasePollIntervalMs * time.Millisecond,
		health:       newHealthTracker(),
		events:       make(chan Event, 256),
	}
}

// Events returns the worker's outbound event stream. The registry and
// acquisition service are the intended consumers.
func (w *DeviceWorker) Events() <-chan Event { return w.events }

// Snapshot returns a copy of the worker's current statistics.
func (w *DeviceWorker) Snapshot() domain.WorkerStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// SetPoints replaces the worker's planned point set; the next poll cycle
// picks up the new set. Used when the acquisition service re-plans a
// device after a point mutation.
func (w *DeviceWorker) SetPoints(points []domain.Point) {
	w.mu.Lock()
	w.points = points
	w.mu.Unlock()
}

// Submit validates and enqueues a request, returning the request id it was
// assigned. Validation failures are rejected synchronously: no frame is
// ever sent for an oversize or malformed request. The caller is
// responsible for marking write requests non-interruptible when needed.
func (w *DeviceWorker) Submit(req domain.Request, priority domain.RequestPriority, interruptible bool) (uint64, error) {
	return w.submit(req, priority, interruptible, nil)
}

// submit is the single enqueue path every request takes — external
// writes, heartbeats and the worker's own automatic polls alike — so the
// priority queue and the preemption machinery see all of them. point, when
// non-nil, is the planned point a poll read was issued for.
func (w *DeviceWorker) submit(req domain.Request, priority domain.RequestPriority, interruptible bool, point *domain.Point) (uint64, error) {
	if err := req.Validate(); err != nil {
		return 0, &connection.ClassifiedError{Kind: domain.ErrConfig, Err: err}
	}

	w.mu.Lock()
	w.nextRequestID++
	id := w.nextRequestID
	w.mu.Unlock()

	err := w.queue.Push(domain.QueuedRequest{
		Request:       req,
		Priority:      priority,
		RequestID:     id,
		EnqueueTimeMs: nowMs(),
		Interruptible: interruptible,
		Point:         point,
	})
	if err != nil {
		return 0, &connection.ClassifiedError{Kind: domain.ErrResourceExhaustion, Err: err}
	}
	return id, nil
}

// Run drives the worker until ctx is canceled: connect, then alternate
// between draining the priority queue and issuing automatic polls for
// points whose interval has elapsed. On cancellation it closes the
// connection and clears the queue, surfacing Interrupted for anything
// still pending.
func (w *DeviceWorker) Run(ctx context.Context) {
	defer close(w.events)

	w.connectWithBackoff(ctx)
	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	lastPoll := make(map[string]int64, len(w.points))
	coarseTick := time.NewTicker(3000 * time.Millisecond)
	defer coarseTick.Stop()

	w.events <- Event{Kind: EventStarted, DeviceKey: w.deviceKey, TimestampMs: nowMs()}

	for {
		select {
		case <-ctx.Done():
			w.conn.Close()
			w.drainQueue("shutdown")
			w.emitStopped()
			return
		case <-heartbeat.C:
			w.maybeEnqueueHeartbeat()
			w.emitStatisticsUpdated()
		case <-coarseTick.C:
			w.pollDuePoints(lastPoll)
		default:
			if req, ok := w.queue.Pop(); ok {
				w.executeQueued(ctx, req)
				w.reconnectIfBroken(ctx)
				continue
			}
			w.pollDuePoints(lastPoll)
			w.reconnectIfBroken(ctx)
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (w *DeviceWorker) emitStopped() {
	select {
	case w.events <- Event{Kind: EventStopped, DeviceKey: w.deviceKey, TimestampMs: nowMs()}:
	default:
	}
}

// connectWithBackoff retries Connect until it succeeds or ctx is canceled.
// A worker whose health score has decayed below cooldownHealthThreshold
// defers each attempt by the full exponential ReconnectBackoff curve; a
// worker that hasn't shown a sustained failure pattern retries promptly.
func (w *DeviceWorker) connectWithBackoff(ctx context.Context) {
	attempt := 0
	for {
		err := w.conn.Connect(ctx)
		if err == nil {
			w.mu.Lock()
			w.stats.Connected = true
			w.mu.Unlock()
			return
		}
		attempt++
		w.emitError(err, classifiedKind(err))

		w.mu.RLock()
		cooldown := w.health.Score() < cooldownHealthThreshold
		w.mu.RUnlock()

		delay := normalReconnectDelay
		if cooldown {
			backoffAttempt := attempt
			if w.cfg.MaxReconnectAttempts > 0 && backoffAttempt > w.cfg.MaxReconnectAttempts {
				backoffAttempt = w.cfg.MaxReconnectAttempts
			}
			delay = ReconnectBackoff(backoffAttempt)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// pollDuePoints enqueues a Normal-priority, interruptible read for every
// point whose interval has elapsed. Polls go through the same queue as
// writes and heartbeats, so a higher-priority arrival can preempt an
// in-flight poll read like any other interruptible request.
func (w *DeviceWorker) pollDuePoints(lastPoll map[string]int64) {
	w.mu.RLock()
	points := w.points
	interval := w.pollInterval
	w.mu.RUnlock()

	now := nowMs()
	for _, p := range points {
		last, seen := lastPoll[p.Name]
		due := p.PollIntervalMs
		if due <= 0 {
			due = interval.Milliseconds()
		}
		if seen && now-last < due {
			continue
		}
		lastPoll[p.Name] = now

		p := p
		if _, err := w.submit(readRequestFor(p), domain.Normal, true, &p); err != nil {
			w.log.Debug("poll enqueue skipped", zap.String("point", p.Name), zap.Error(err))
		}
	}
}

func readRequestFor(p domain.Point) domain.Request {
	count := uint16(p.DataType.Width())
	if p.Block != nil {
		count = p.Block.BlockSize
	}
	kind := domain.ReadHolding
	switch p.DataType.Category() {
	case domain.CategoryInput:
		kind = domain.ReadInput
	case domain.CategoryCoil:
		kind = domain.ReadCoils
	case domain.CategoryDiscrete:
		kind = domain.ReadDiscrete
	}
	return domain.Request{Kind: kind, StartAddress: p.Address, Count: count, UnitID: p.UnitID, DataType: p.DataType}
}

func (w *DeviceWorker) executeQueued(ctx context.Context, qr domain.QueuedRequest) {
	w.mu.Lock()
	w.inFlightPriority = qr.Priority
	w.inFlightInterruptible = qr.Interruptible
	if qr.Priority >= domain.High {
		w.stats.HighPriority++
	}
	w.mu.Unlock()

	point := domain.Point{DataType: qr.Request.DataType, Address: qr.Request.StartAddress}
	if qr.Point != nil {
		point = *qr.Point
	}

	done := make(chan domain.ReadResult, 1)
	go func() { done <- w.execute(ctx, qr.Request) }()
	result := w.waitForCompletion(qr, done)

	if qr.Request.Kind.IsWrite() {
		w.events <- Event{Kind: EventWriteCompleted, DeviceKey: w.deviceKey, Request: qr, Err: result.Err, TimestampMs: result.TimestampMs}
		return
	}

	samples, err := router.Route(point, result, result.TimestampMs)
	if err != nil {
		w.emitError(err, domain.ErrProtocol)
		return
	}
	w.events <- Event{Kind: EventSampleAcquired, DeviceKey: w.deviceKey, Samples: samples, TimestampMs: result.TimestampMs}
}

// waitForCompletion blocks until the in-flight request qr finishes. If qr
// is interruptible, it also watches the queue for an arrival that
// outranks qr's priority; when one shows up it force-closes the socket to
// abandon the in-flight request (the owning goroutine's execute call
// observes the closed connection and returns), surfaces Interrupted, and
// waits for that abandonment to complete before handing control back.
func (w *DeviceWorker) waitForCompletion(qr domain.QueuedRequest, done chan domain.ReadResult) domain.ReadResult {
	if !qr.Interruptible {
		return <-done
	}
	for {
		select {
		case result := <-done:
			return result
		case <-w.queue.Notify():
			if w.HasHigherPriorityQueued() {
				w.conn.Close()
				w.emitInterrupted(qr, "preempted")
				return <-done
			}
		}
	}
}

func (w *DeviceWorker) execute(ctx context.Context, req domain.Request) domain.ReadResult {
	start := time.Now()
	raw, err := w.conn.Execute(ctx, req)
	now := nowMs()
	elapsedMs := float64(time.Since(start).Milliseconds())

	success := err == nil
	w.mu.Lock()
	w.health.Observe(success)
	w.pollInterval = w.health.NextPollInterval(w.pollInterval, success)
	w.stats.Total++
	if success {
		w.stats.OK++
	} else {
		w.stats.Failed++
	}
	if w.stats.AvgResponseMs == 0 {
		w.stats.AvgResponseMs = elapsedMs
	} else {
		w.stats.AvgResponseMs = healthEMAAlpha*elapsedMs + (1-healthEMAAlpha)*w.stats.AvgResponseMs
	}
	w.stats.LastActivityMs = now
	w.mu.Unlock()

	if err != nil {
		w.emitError(err, classifiedKind(err))
		return domain.ReadResult{Success: false, Err: err, TimestampMs: now}
	}
	return domain.ReadResult{Success: true, Raw: raw, Count: uint16(len(raw)), DataType: req.DataType, TimestampMs: now}
}

func (w *DeviceWorker) reconnectIfBroken(ctx context.Context) {
	if w.conn.State() == connection.Disconnected {
		w.mu.Lock()
		w.stats.Connected = false
		w.mu.Unlock()
		w.connectWithBackoff(ctx)
		w.mu.Lock()
		w.stats.Connected = w.conn.State() == connection.Connected
		w.mu.Unlock()
	}
}

func classifiedKind(err error) domain.ErrorKind {
	if ce, ok := err.(*connection.ClassifiedError); ok {
		return ce.Kind
	}
	return domain.ErrUnknown
}

func (w *DeviceWorker) emitError(err error, kind domain.ErrorKind) {
	w.log.Warn("request failed", zap.Error(err), zap.String("kind", kind.String()))
	w.events <- Event{Kind: EventError, DeviceKey: w.deviceKey, Err: err, ErrorKind: kind, TimestampMs: nowMs()}
}

func (w *DeviceWorker) emitStatisticsUpdated() {
	stats := w.Snapshot()
	select {
	case w.events <- Event{Kind: EventStatisticsUpdated, DeviceKey: w.deviceKey, Stats: stats, TimestampMs: nowMs()}:
	default:
		// Channel full: this update is dropped and the events already
		// queued are kept.
	}
}

// HasHigherPriorityQueued reports whether a request outranking the
// in-flight one is waiting, used to decide preemption of interruptible
// in-flight requests.
func (w *DeviceWorker) HasHigherPriorityQueued() bool {
	w.mu.RLock()
	p := w.inFlightPriority
	w.mu.RUnlock()
	return w.queue.HasHigherThan(p)
}

// emitInterrupted records the interruption in WorkerStats and surfaces
// EventInterrupted for qr, used both by preemption and by queue drain on
// shutdown.
func (w *DeviceWorker) emitInterrupted(qr domain.QueuedRequest, reason string) {
	w.mu.Lock()
	w.stats.Interrupted++
	w.mu.Unlock()
	w.log.Info("request interrupted", zap.Uint64("request_id", qr.RequestID), zap.String("reason", reason))
	w.events <- Event{Kind: EventInterrupted, DeviceKey: w.deviceKey, Request: qr, Reason: reason, TimestampMs: nowMs()}
}

// drainQueue empties the pending queue and surfaces Interrupted for every
// discarded entry, used when the worker is stopping.
func (w *DeviceWorker) drainQueue(reason string) {
	for _, qr := range w.queue.Clear() {
		w.emitInterrupted(qr, reason)
	}
}

// maybeEnqueueHeartbeat enqueues a minimal holding-register read at Low
// priority if no other request has completed within the heartbeat
// interval, keeping an otherwise-idle connection's health score and
// adaptive poll interval current.
func (w *DeviceWorker) maybeEnqueueHeartbeat() {
	w.mu.RLock()
	last := w.stats.LastActivityMs
	w.mu.RUnlock()
	if last != 0 && nowMs()-last < w.cfg.HeartbeatInterval.Milliseconds() {
		return
	}
	req := domain.Request{Kind: domain.ReadHolding, StartAddress: 1, Count: 1, UnitID: w.unitID, DataType: domain.Reg16}
	if _, err := w.Submit(req, domain.Low, true); err != nil {
		w.log.Debug("heartbeat enqueue skipped", zap.Error(err))
	}
}

// AdjustPollInterval multiplies the worker's current poll interval by
// factor, used by the registry's load-balancing tick to redistribute poll
// load across workers. Clamped to [loadBalanceFloorMs, MaxPollIntervalMs].
func (w *DeviceWorker) AdjustPollInterval(factor float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ms := float64(w.pollInterval.Milliseconds()) * factor
	if ms < loadBalanceFloorMs {
		ms = loadBalanceFloorMs
	}
	if ms > MaxPollIntervalMs {
		ms = MaxPollIntervalMs
	}
	w.pollInterval = time.Duration(ms) * time.Millisecond
}

func nowMs() int64 { return time.Now().UnixMilli() }
