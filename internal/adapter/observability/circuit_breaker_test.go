package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker() (*Breaker, *time.Time) {
	now := time.Now()
	b := NewBreaker("thermalRaw.analyse", 3, time.Minute)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := testBreaker()
	pollErr := errors.New("service down")

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Record(pollErr)
	}
	assert.Equal(t, BreakerClosed, b.State())

	require.NoError(t, b.Allow())
	b.Record(pollErr)
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	b, _ := testBreaker()
	pollErr := errors.New("service down")

	b.Record(pollErr)
	b.Record(pollErr)
	b.Record(nil)
	b.Record(pollErr)
	b.Record(pollErr)
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_CooldownAllowsSingleProbe(t *testing.T) {
	b, now := testBreaker()
	pollErr := errors.New("service down")
	for i := 0; i < 3; i++ {
		b.Record(pollErr)
	}
	require.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Allow(), "cooldown elapsed, probe allowed")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen, "only one probe per window")

	b.Record(nil)
	assert.Equal(t, BreakerClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, now := testBreaker()
	pollErr := errors.New("service down")
	for i := 0; i < 3; i++ {
		b.Record(pollErr)
	}

	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Allow())
	b.Record(pollErr)
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	*now = now.Add(61 * time.Second)
	assert.NoError(t, b.Allow(), "a fresh cooldown earns another probe")
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
}
