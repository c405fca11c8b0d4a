package worker

import "github.com/edgeflow/scada-acquisition/internal/domain"

// EventKind is the closed set of events a DeviceWorker emits.
type EventKind int

const (
	EventSampleAcquired EventKind = iota
	EventStarted
	EventStopped
	EventError
	EventStatisticsUpdated
	EventInterrupted
	EventWriteCompleted
)

// Event is the worker's single outbound message type. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind        EventKind
	DeviceKey   string
	Samples     []domain.Sample
	Err         error
	ErrorKind   domain.ErrorKind
	Stats       domain.WorkerStats
	Request     domain.QueuedRequest
	Reason      string
	TimestampMs int64
}
