package jobs

import (
	"testing"
	"time"

	"github.com/duecall/duecall/internal/testutil"
)

func TestRetryDelayDoublesPerAttempt(t *testing.T) {
	testutil.Equal(t, 60*time.Second, RetryDelay(60, 1))
	testutil.Equal(t, 120*time.Second, RetryDelay(60, 2))
	testutil.Equal(t, 240*time.Second, RetryDelay(60, 3))
	testutil.Equal(t, 480*time.Second, RetryDelay(60, 4))
}

func TestRetryDelayClampsAttemptToOne(t *testing.T) {
	testutil.Equal(t, 60*time.Second, RetryDelay(60, 0))
	testutil.Equal(t, 60*time.Second, RetryDelay(60, -3))
}

func TestRetryDelayCapsAtOneHour(t *testing.T) {
	testutil.Equal(t, time.Hour, RetryDelay(60, 7))
	testutil.Equal(t, time.Hour, RetryDelay(60, 99))
	// A base already past the cap comes back clamped.
	testutil.Equal(t, time.Hour, RetryDelay(7200, 1))
}

func TestRetryDelayZeroBase(t *testing.T) {
	testutil.Equal(t, time.Duration(0), RetryDelay(0, 1))
	testutil.Equal(t, time.Duration(0), RetryDelay(-5, 4))
}
