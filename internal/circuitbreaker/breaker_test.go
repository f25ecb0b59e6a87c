package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(clock.Now), clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("preprod")
	b.RecordFailure("preprod")
	assert.True(t, b.Allow("preprod"), "below threshold")

	b.RecordFailure("preprod")
	assert.False(t, b.Allow("preprod"))
	assert.Equal(t, StateOpen, b.State("preprod"))
	assert.Equal(t, []string{"preprod"}, b.Open())
}

func TestBreaker_ProbeAfterCoolOff(t *testing.T) {
	b, clock := newTestBreaker(2)
	b.RecordFailure("preprod")
	b.RecordFailure("preprod")

	clock.Advance(59 * time.Second)
	require.False(t, b.Allow("preprod"))

	clock.Advance(time.Second)
	require.True(t, b.Allow("preprod"), "one probe after cool-off")
	assert.Equal(t, StateHalfOpen, b.State("preprod"))
	assert.False(t, b.Allow("preprod"), "second call while probing")

	b.RecordSuccess("preprod")
	assert.Equal(t, StateClosed, b.State("preprod"))
	assert.True(t, b.Allow("preprod"))
	assert.Empty(t, b.Open())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(2)
	b.RecordFailure("preprod")
	b.RecordFailure("preprod")
	clock.Advance(time.Minute)
	require.True(t, b.Allow("preprod"))

	b.RecordFailure("preprod")
	assert.Equal(t, StateOpen, b.State("preprod"))

	// The cool-off restarts from the failed probe.
	clock.Advance(30 * time.Second)
	assert.False(t, b.Allow("preprod"))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	b.RecordFailure("preprod")
	b.RecordFailure("preprod")
	b.RecordSuccess("preprod")
	b.RecordFailure("preprod")
	assert.True(t, b.Allow("preprod"))
}

func TestBreaker_SourcesAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("preprod")
	assert.False(t, b.Allow("preprod"))
	assert.True(t, b.Allow("mainnet"))
	assert.Equal(t, StateClosed, b.State("mainnet"))
}

func TestBreaker_OnTransition(t *testing.T) {
	b, _ := newTestBreaker(1)
	got := make(chan [2]State, 1)
	b.OnTransition(func(source string, from, to State) {
		if source == "preprod" {
			got <- [2]State{from, to}
		}
	})

	b.RecordFailure("preprod")
	select {
	case tr := <-got:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, tr)
	case <-time.After(time.Second):
		t.Fatal("transition callback not called")
	}
}

func TestNew_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.openDuration)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestBreaker_AbandonedTrialIsReplaced(t *testing.T) {
	b, clock := newTestBreaker(1)
	b.RecordFailure("preprod")
	clock.Advance(time.Minute)
	require.True(t, b.Allow("preprod"), "first trial")

	// The trial never reports back.
	clock.Advance(30 * time.Second)
	assert.False(t, b.Allow("preprod"))

	clock.Advance(30 * time.Second)
	require.True(t, b.Allow("preprod"), "stale trial replaced")
	assert.Equal(t, StateHalfOpen, b.State("preprod"))
	assert.False(t, b.Allow("preprod"))

	b.RecordSuccess("preprod")
	assert.Equal(t, StateClosed, b.State("preprod"))
}
