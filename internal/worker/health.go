package worker

import "time"

// Bounds and tuning constants for adaptive polling and reconnection.
const (
	MinPollIntervalMs  = 1000
	MaxPollIntervalMs  = 10000
	BasePollIntervalMs = 2000

	healthEMAAlpha           = 0.2
	successStreakThreshold   = 3
	pollSpeedupFactor        = 0.9
	pollSlowdownFactor       = 1.5
	maxBackoffPlateauAttempt = 3
	maxBackoffMs             = 60000
)

// healthTracker maintains the EMA health score and success-streak counter
// that drive adaptive poll interval adjustments.
type healthTracker struct {
	score         float64
	successStreak int
}

func newHealthTracker() *healthTracker {
	return &healthTracker{score: 1.0}
}

// Observe folds a single request outcome into the health score: 1.0 on
// success, 0.0 on failure, blended via an exponential moving average.
func (h *healthTracker) Observe(success bool) {
	sample := 0.0
	if success {
		sample = 1.0
		h.successStreak++
	} else {
		h.successStreak = 0
	}
	h.score = healthEMAAlpha*sample + (1-healthEMAAlpha)*h.score
}

func (h *healthTracker) Score() float64 { return h.score }

// NextPollInterval adapts current toward MinPollIntervalMs on a sustained
// success streak and away from it (toward MaxPollIntervalMs) on any
// failure.
func (h *healthTracker) NextPollInterval(current time.Duration, success bool) time.Duration {
	ms := float64(current.Milliseconds())
	if success && h.successStreak >= successStreakThreshold {
		ms *= pollSpeedupFactor
	} else if !success {
		ms *= pollSlowdownFactor
	}
	if ms < MinPollIntervalMs {
		ms = MinPollIntervalMs
	}
	if ms > MaxPollIntervalMs {
		ms = MaxPollIntervalMs
	}
	return time.Duration(ms) * time.Millisecond
}

// ReconnectBackoff computes the delay before reconnection attempt n
// (1-indexed), doubling up to maxBackoffPlateauAttempt attempts and then
// holding steady at the plateau value so a persistently unreachable device
// doesn't back off forever.
func ReconnectBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxBackoffPlateauAttempt {
		attempt = maxBackoffPlateauAttempt
	}
	ms := 1000 * (1 << uint(attempt-1))
	if ms > maxBackoffMs {
		ms = maxBackoffMs
	}
	return time.Duration(ms) * time.Millisecond
}
