package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedule_ClampsToLastEntry(t *testing.T) {
	s := Schedule{60 * time.Second, 300 * time.Second, 900 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 60 * time.Second},
		{2, 300 * time.Second},
		{3, 900 * time.Second},
		{4, 900 * time.Second},
		{10, 900 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestSchedule_Empty(t *testing.T) {
	assert.Equal(t, time.Duration(0), Schedule{}.Delay(1))
}

func TestSchedule_AttemptBelowOne(t *testing.T) {
	s := Schedule{time.Second, 2 * time.Second}
	assert.Equal(t, time.Second, s.Delay(0))
	assert.Equal(t, time.Second, s.Delay(-3))
}

func TestConstant(t *testing.T) {
	c := Constant(5 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		assert.Equal(t, 5*time.Second, c.Delay(attempt))
	}
}

func TestExponential_DoublesAndCaps(t *testing.T) {
	e := Exponential{Initial: time.Second, Max: time.Minute}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{20, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPublishSchedule_Delays(t *testing.T) {
	assert.Equal(t, 60*time.Second, PublishSchedule.Delay(1))
	assert.Equal(t, 300*time.Second, PublishSchedule.Delay(2))
	assert.Equal(t, 900*time.Second, PublishSchedule.Delay(3))
}
