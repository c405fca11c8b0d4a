package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthTracker_ScoreDecaysOnFailure(t *testing.T) {
	h := newHealthTracker()
	for i := 0; i < 5; i++ {
		h.Observe(true)
	}
	assert.Greater(t, h.Score(), 0.9)

	h.Observe(false)
	assert.Less(t, h.Score(), 0.9)
}

func TestHealthTracker_SpeedsUpAfterStreak(t *testing.T) {
	h := newHealthTracker()
	current := time.Duration(BasePollIntervalMs) * time.Millisecond
	for i := 0; i < successStreakThreshold; i++ {
		h.Observe(true)
		current = h.NextPollInterval(current, true)
	}
	assert.Less(t, current, time.Duration(BasePollIntervalMs)*time.Millisecond)
}

func TestHealthTracker_SlowsDownOnFailure(t *testing.T) {
	h := newHealthTracker()
	current := 2000 * time.Millisecond
	next := h.NextPollInterval(current, false)
	assert.Greater(t, next, current)
}

func TestHealthTracker_RespectsBounds(t *testing.T) {
	h := newHealthTracker()
	tiny := h.NextPollInterval(500*time.Millisecond, true)
	assert.GreaterOrEqual(t, tiny.Milliseconds(), int64(MinPollIntervalMs))

	huge := h.NextPollInterval(20000*time.Millisecond, false)
	assert.LessOrEqual(t, huge.Milliseconds(), int64(MaxPollIntervalMs))
}

func TestReconnectBackoff_PlateausAfterMaxAttempts(t *testing.T) {
	third := ReconnectBackoff(3)
	fourth := ReconnectBackoff(4)
	tenth := ReconnectBackoff(10)
	assert.Equal(t, third, fourth)
	assert.Equal(t, fourth, tenth)
}

func TestReconnectBackoff_DoublesEachAttempt(t *testing.T) {
	assert.Equal(t, 1000*time.Millisecond, ReconnectBackoff(1))
	assert.Equal(t, 2000*time.Millisecond, ReconnectBackoff(2))
	assert.Equal(t, 4000*time.Millisecond, ReconnectBackoff(3))
}
