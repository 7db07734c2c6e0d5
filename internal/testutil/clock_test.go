package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestFakeClock_FrozenUntilAdvanced verifies the clock does not move on its own.
func TestFakeClock_FrozenUntilAdvanced(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, start, c.Now(), "repeated reads must not advance the clock")
}

// TestFakeClock_Advance verifies relative movement.
func TestFakeClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	c.Advance(90 * time.Minute)
	assert.Equal(t, start.Add(90*time.Minute), c.Now())
}

// TestFakeClock_Set verifies absolute movement.
func TestFakeClock_Set(t *testing.T) {
	c := NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	target := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	c.Set(target)
	assert.Equal(t, target, c.Now())
}
