package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTriggerSleepElapses(t *testing.T) {
	tr := NewTrigger()
	start := time.Now()
	err := tr.Sleep(context.Background(), 50*time.Millisecond)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTriggerFireWakesSleeper(t *testing.T) {
	tr := NewTrigger()
	done := make(chan error, 1)
	start := time.Now()

	go func() {
		done <- tr.Sleep(context.Background(), time.Minute)
	}()

	// Give the sleeper time to pick up the current channel
	time.Sleep(20 * time.Millisecond)
	tr.Fire()

	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.Less(t, time.Since(start), 5*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("sleeper was not woken by Fire")
	}
}

func TestTriggerRearmsAfterFire(t *testing.T) {
	tr := NewTrigger()
	tr.Fire()

	// A sleep started after the fire must not return early
	start := time.Now()
	assert.NoError(t, tr.Sleep(context.Background(), 40*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestTriggerContextCancel(t *testing.T) {
	tr := NewTrigger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTriggerArmedSeesEarlierFire(t *testing.T) {
	tr := NewTrigger()
	armed := tr.Armed()

	// Fired between taking the channel and starting the wait
	tr.Fire()

	start := time.Now()
	assert.NoError(t, SleepUntil(context.Background(), armed, time.Minute))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleep(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Minute), context.DeadlineExceeded)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
