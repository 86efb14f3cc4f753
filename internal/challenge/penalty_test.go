package challenge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPenaltyBox_DisabledWhenAnyKnobIsZero(t *testing.T) {
	pb := New(0, time.Minute, time.Minute)
	banned, _ := pb.RegisterViolation("1.2.3.4")
	assert.False(t, banned)
	ok, _ := pb.IsBanned("1.2.3.4")
	assert.False(t, ok)
}

func TestPenaltyBox_BansAfterThresholdWithinWindow(t *testing.T) {
	pb := New(3, time.Minute, 30*time.Second)
	fixed := time.Now()
	pb.now = func() time.Time { return fixed }

	banned, _ := pb.RegisterViolation("1.2.3.4")
	assert.False(t, banned)
	banned, _ = pb.RegisterViolation("1.2.3.4")
	assert.False(t, banned)
	banned, until := pb.RegisterViolation("1.2.3.4")
	assert.True(t, banned)
	assert.True(t, until.After(fixed))

	ok, _ := pb.IsBanned("1.2.3.4")
	assert.True(t, ok)
}

func TestPenaltyBox_WindowResetDropsOldViolations(t *testing.T) {
	pb := New(3, time.Minute, 30*time.Second)
	fixed := time.Now()
	pb.now = func() time.Time { return fixed }

	pb.RegisterViolation("1.2.3.4")
	pb.RegisterViolation("1.2.3.4")

	fixed = fixed.Add(2 * time.Minute) // past the window
	banned, _ := pb.RegisterViolation("1.2.3.4")
	assert.False(t, banned, "violation count should have reset with the window")
}

func TestPenaltyBox_BanExpires(t *testing.T) {
	pb := New(1, time.Minute, 10*time.Second)
	fixed := time.Now()
	pb.now = func() time.Time { return fixed }

	banned, _ := pb.RegisterViolation("1.2.3.4")
	assert.True(t, banned)

	fixed = fixed.Add(11 * time.Second)
	ok, _ := pb.IsBanned("1.2.3.4")
	assert.False(t, ok)
}

func TestPenaltyBox_DistinctIPsAreIndependent(t *testing.T) {
	pb := New(1, time.Minute, 10*time.Second)
	fixed := time.Now()
	pb.now = func() time.Time { return fixed }

	banned, _ := pb.RegisterViolation("1.2.3.4")
	assert.True(t, banned)
	ok, _ := pb.IsBanned("5.6.7.8")
	assert.False(t, ok)
}

func TestPenaltyBox_CleanupRemovesStaleEntries(t *testing.T) {
	pb := New(5, time.Minute, 10*time.Second)
	fixed := time.Now()
	pb.now = func() time.Time { return fixed }

	pb.RegisterViolation("1.2.3.4")
	fixed = fixed.Add(3 * time.Minute)
	pb.Cleanup()

	pb.mu.Lock()
	_, present := pb.entries["1.2.3.4"]
	pb.mu.Unlock()
	assert.False(t, present)
}
