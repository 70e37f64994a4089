package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstant(t *testing.T) {
	c := NewConstant(3 * time.Second)
	assert.Equal(t, 3*time.Second, c.Delay(1))
	assert.Equal(t, 3*time.Second, c.Delay(10))
}

func TestExponential(t *testing.T) {
	e := NewExponential(time.Second, time.Minute)
	assert.Equal(t, time.Second, e.Delay(1))
	assert.Equal(t, 2*time.Second, e.Delay(2))
	assert.Equal(t, 8*time.Second, e.Delay(4))
	// Capped at Max.
	assert.Equal(t, time.Minute, e.Delay(30))
}

func TestExponentialNoCap(t *testing.T) {
	e := NewExponential(time.Second, 0)
	assert.Equal(t, 1024*time.Second, e.Delay(11))
}

func TestExponentialWithJitter(t *testing.T) {
	j := NewExponentialWithJitter(time.Second, 8*time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		d := j.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 8*time.Second)
	}
}

func TestPolicyNextSchedule(t *testing.T) {
	p := Policy{MaxAttempts: 3, Strategy: NewConstant(10 * time.Second)}
	before := time.Now()
	at := p.NextSchedule(1)
	assert.WithinDuration(t, before.Add(10*time.Second), at, time.Second)
}

func TestPolicyDefaultStrategy(t *testing.T) {
	p := Policy{MaxAttempts: 2}
	at := p.NextSchedule(1)
	// Default is jittered over [0, 1s] for attempt 1; just check it is not
	// in the past.
	assert.False(t, at.Before(time.Now().Add(-time.Second)))
}
