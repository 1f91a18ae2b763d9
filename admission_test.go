package credgate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/credgate"
	"github.com/ineyio/credgate/clock"
)

func newTestAdmission(t *testing.T, locker credgate.Locker, opts ...credgate.AdmissionOption) (*credgate.Admission, *clock.Manual) {
	t.Helper()
	clk := clock.NewAutoManual(testStart)
	opts = append([]credgate.AdmissionOption{credgate.WithAdmissionClock(clk)}, opts...)
	a, err := credgate.NewAdmission(locker, opts...)
	require.NoError(t, err)
	return a, clk
}

func TestAdmission_BusyAfterAllAttempts(t *testing.T) {
	locker := &scriptedLocker{result: credgate.LockResult{Outcome: credgate.LockContended, Target: "tokA"}}
	meter := &recordingMeter{}
	a, clk := newTestAdmission(t, locker, credgate.WithAdmissionMeter(meter))

	called := false
	err := a.Do(context.Background(), "u3", func(context.Context, credgate.Lease) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.True(t, credgate.IsBusy(err))
	assert.False(t, called, "upstream must not be called without a lock")

	var aerr *credgate.AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, credgate.StateBusyRejected, aerr.State)
	assert.Equal(t, credgate.DefaultRetryAttempts, aerr.Attempts)

	acquires, releases := locker.counts()
	assert.Equal(t, credgate.DefaultRetryAttempts, acquires)
	assert.Zero(t, releases, "nothing to release when no lock was taken")

	// Waits happen only between attempts.
	assert.Equal(t, 9*time.Second, clk.Now().Sub(testStart))

	assert.Len(t, meter.acquires, credgate.DefaultRetryAttempts)
	assert.Equal(t, credgate.StateBusyRejected, meter.lastResult().State)
}

func TestAdmission_CustomRetryBudget(t *testing.T) {
	locker := &scriptedLocker{result: credgate.LockResult{Outcome: credgate.LockContended}}
	a, clk := newTestAdmission(t, locker,
		credgate.WithRetryAttempts(3),
		credgate.WithRetryInterval(500*time.Millisecond),
	)

	err := a.Do(context.Background(), "u3", func(context.Context, credgate.Lease) error { return nil })
	assert.ErrorIs(t, err, credgate.ErrBusy)

	acquires, _ := locker.counts()
	assert.Equal(t, 3, acquires)
	assert.Equal(t, time.Second, clk.Now().Sub(testStart))
}

func TestAdmission_SucceedsAfterContention(t *testing.T) {
	s, _ := newTestStore(t)
	m := newTestLockManager(t, s, []string{"tokA"})
	ctx := context.Background()

	r, err := m.Acquire(ctx, "u1")
	require.NoError(t, err)
	require.True(t, r.Acquired())

	// u1 finishes while u2 is waiting.
	clk := clock.NewManual(testStart)
	a, err := credgate.NewAdmission(m, credgate.WithAdmissionClock(clk))
	require.NoError(t, err)

	done := make(chan error, 1)
	var lease credgate.Lease
	go func() {
		done <- a.Do(ctx, "u2", func(_ context.Context, l credgate.Lease) error {
			lease = l
			return nil
		})
	}()

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.Release(ctx, "u1"))
	clk.Advance(time.Second)

	require.NoError(t, <-done)
	assert.Equal(t, "tokA", lease.Credential)
	assert.Equal(t, "u2", lease.CallerID)
	assert.Equal(t, 2, lease.Attempts)
	assert.NotEmpty(t, lease.ID)

	_, ok, _ := s.Get(ctx, credgate.LockKey("tokA"))
	assert.False(t, ok, "lock released after the upstream call")
}

func TestAdmission_ReleasesOnUpstreamError(t *testing.T) {
	s, _ := newTestStore(t)
	m := newTestLockManager(t, s, []string{"tokA"})
	a, _ := newTestAdmission(t, m)
	ctx := context.Background()

	upErr := errors.New("upstream 500")
	err := a.Do(ctx, "u1", func(context.Context, credgate.Lease) error { return upErr })
	assert.ErrorIs(t, err, upErr)

	_, ok, _ := s.Get(ctx, credgate.LockKey("tokA"))
	assert.False(t, ok)
}

func TestAdmission_ReleasesOnPanic(t *testing.T) {
	s, _ := newTestStore(t)
	m := newTestLockManager(t, s, []string{"tokA"})
	a, _ := newTestAdmission(t, m)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = a.Do(ctx, "u1", func(context.Context, credgate.Lease) error { panic("boom") })
	})

	_, ok, _ := s.Get(ctx, credgate.LockKey("tokA"))
	assert.False(t, ok)
}

func TestAdmission_ReleasesWhenContextCanceledDuringCall(t *testing.T) {
	s, _ := newTestStore(t)
	m := newTestLockManager(t, s, []string{"tokA"})
	a, _ := newTestAdmission(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	err := a.Do(ctx, "u1", func(ctx context.Context, _ credgate.Lease) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, ok, _ := s.Get(context.Background(), credgate.LockKey("tokA"))
	assert.False(t, ok)
}

func TestAdmission_StoreErrorFailsImmediately(t *testing.T) {
	boom := errors.New("store down")
	locker := &scriptedLocker{err: boom}
	meter := &recordingMeter{}
	a, _ := newTestAdmission(t, locker, credgate.WithAdmissionMeter(meter))

	err := a.Do(context.Background(), "u1", func(context.Context, credgate.Lease) error { return nil })
	assert.ErrorIs(t, err, boom)
	assert.False(t, credgate.IsBusy(err))

	var aerr *credgate.AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, credgate.StateFailed, aerr.State)

	acquires, _ := locker.counts()
	assert.Equal(t, 1, acquires, "store errors are not retried")
	assert.Equal(t, credgate.StateFailed, meter.lastResult().State)
}

func TestAdmission_CanceledWhileWaiting(t *testing.T) {
	locker := &scriptedLocker{result: credgate.LockResult{Outcome: credgate.LockContended}}
	a, err := credgate.NewAdmission(locker, credgate.WithAdmissionClock(clock.NewManual(testStart)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = a.Do(ctx, "u1", func(context.Context, credgate.Lease) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, credgate.IsBusy(err))
}

func TestAdmission_RecordsCredentialHealth(t *testing.T) {
	s, clk := newTestStore(t)
	health := credgate.NewHealthTracker(clk)
	m := newTestLockManager(t, s, []string{"tokA", "tokB"}, credgate.WithHealthTracker(health))
	a, _ := newTestAdmission(t, m, credgate.WithAdmissionHealth(health))
	ctx := context.Background()

	rejected := func(context.Context, credgate.Lease) error {
		return errors.Join(credgate.ErrCredentialRejected, errors.New("401"))
	}
	for range 3 {
		err := a.Do(ctx, "u1", rejected)
		require.ErrorIs(t, err, credgate.ErrCredentialRejected)
	}
	assert.Equal(t, credgate.HealthUnhealthy, health.GetHealth("tokA"))

	var got string
	require.NoError(t, a.Do(ctx, "u2", func(_ context.Context, l credgate.Lease) error {
		got = l.Credential
		return nil
	}))
	assert.Equal(t, "tokB", got)
	assert.Equal(t, credgate.HealthHealthy, health.GetHealth("tokB"))
}

func TestAdmission_ReleaseFailureIsReported(t *testing.T) {
	boom := errors.New("store down")
	mem, _ := newTestStore(t)
	m := newTestLockManager(t, mem, []string{"tokA"})

	a, _ := newTestAdmission(t, &releaseFailingLocker{Locker: m, err: boom})
	err := a.Do(context.Background(), "u1", func(context.Context, credgate.Lease) error { return nil })
	assert.ErrorIs(t, err, boom)

	var aerr *credgate.AdmissionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "tokA", aerr.Credential)
}

func TestNewAdmission_Validation(t *testing.T) {
	_, err := credgate.NewAdmission(nil)
	assert.Error(t, err)

	locker := &scriptedLocker{}
	_, err = credgate.NewAdmission(locker, credgate.WithRetryAttempts(0))
	assert.Error(t, err)

	_, err = credgate.NewAdmission(locker, credgate.WithRetryInterval(-time.Second))
	assert.Error(t, err)
}

type releaseFailingLocker struct {
	credgate.Locker
	err error
}

func (l *releaseFailingLocker) Release(context.Context, string) error { return l.err }
