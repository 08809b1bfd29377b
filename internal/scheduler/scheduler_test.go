package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	limits []int
	err    error
}

func (f *fakeLedger) ExpireReferralCredits(_ context.Context, limit int) (int, error) {
	f.limits = append(f.limits, limit)
	return 3, f.err
}

type fakeReferrals struct {
	jobIDs []int64
}

func (f *fakeReferrals) RefreshStaleAnalytics(ctx context.Context, _ int) (int, error) {
	id, _ := ctx.Value(ContextJobID{}).(int64)
	f.jobIDs = append(f.jobIDs, id)

	return 1, nil
}

func newScheduler(t *testing.T) (*Scheduler, *fakeLedger, *fakeReferrals) {
	t.Helper()

	logger := zerolog.Nop()
	ledger := &fakeLedger{}
	referrals := &fakeReferrals{}

	s := New(Config{
		Enabled:              true,
		ExpireCreditsSpec:    "*/10 * * * *",
		RefreshAnalyticsSpec: "@every 30m",
		JobTimeout:           time.Second,
	}, &logger)

	require.NoError(t, s.RegisterHandler(NewHandler(ledger, referrals, 50)))

	return s, ledger, referrals
}

func TestScheduler_RunJob(t *testing.T) {
	ctx := context.Background()
	s, ledger, referrals := newScheduler(t)

	require.NoError(t, s.RunJob(ctx, JobExpireReferralCredits))
	require.NoError(t, s.RunJob(ctx, JobRefreshReferralAnalytics))
	require.NoError(t, s.RunJob(ctx, JobRefreshReferralAnalytics))

	assert.Equal(t, []int{50}, ledger.limits)
	assert.Equal(t, []int64{2, 3}, referrals.jobIDs)

	err := s.RunJob(ctx, "rebuild_everything")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestScheduler_Stats(t *testing.T) {
	ctx := context.Background()
	s, ledger, _ := newScheduler(t)

	ledger.err = errors.New("connection reset")
	assert.Error(t, s.RunJob(ctx, JobExpireReferralCredits))

	ledger.err = nil
	assert.NoError(t, s.RunJob(ctx, JobExpireReferralCredits))

	stats := s.Stats()
	require.Len(t, stats, 2)

	expire := stats[0]
	assert.Equal(t, JobExpireReferralCredits, expire.Name)
	assert.Equal(t, int64(2), expire.Runs)
	assert.Equal(t, int64(1), expire.Failures)
	assert.Empty(t, expire.LastError)
	assert.False(t, expire.LastRunAt.IsZero())

	refresh := stats[1]
	assert.Equal(t, JobRefreshReferralAnalytics, refresh.Name)
	assert.Zero(t, refresh.Runs)
}

func TestScheduler_Register(t *testing.T) {
	s, _, _ := newScheduler(t)
	noop := func(context.Context) error { return nil }

	err := s.Register(JobExpireReferralCredits, "@hourly", noop)
	assert.ErrorContains(t, err, "already registered")

	err = s.Register("broken", "every now and then", noop)
	assert.ErrorContains(t, err, "invalid schedule")
	assert.Len(t, s.Stats(), 2)
}

func TestScheduler_StartStop(t *testing.T) {
	s, _, _ := newScheduler(t)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()

	// Stop is idempotent with the ctx watcher
	s.Stop()
	s.Stop()
}

func TestNewHandler_DefaultBatch(t *testing.T) {
	h := NewHandler(&fakeLedger{}, &fakeReferrals{}, 0)
	assert.Equal(t, 200, h.batchSize)
}
