package subscription

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/freelancehub/creditengine/internal/cache"
	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/freelancehub/creditengine/internal/service/catalog"
	"github.com/freelancehub/creditengine/internal/service/discount"
	"github.com/freelancehub/creditengine/internal/service/notification"
	"github.com/freelancehub/creditengine/internal/test/memstore"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (n *recordingNotifier) Publish(msg notification.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
}

type fixture struct {
	service  *Service
	store    *memstore.Store
	notifier *recordingNotifier
	client   repository.Client
}

func setup(t *testing.T) fixture {
	t.Helper()

	ctx := context.Background()
	logger := zerolog.Nop()
	store := memstore.New()

	catalogService := catalog.New(
		store,
		cache.NewMemory[repository.Plan](16, time.Minute),
		cache.NewMemory[repository.CreditValue](16, time.Minute),
		&logger,
	)

	for _, plan := range []repository.Plan{
		{ID: "starter", Name: "Starter", PriceID: "price_starter", Price: decimal.RequireFromString("19.99"), Credits: 50, BillingInterval: catalog.IntervalMonth, IsActive: true},
		{ID: "pro", Name: "Pro", PriceID: "price_pro", Price: decimal.NewFromInt(49), Credits: 200, BillingInterval: catalog.IntervalMonth, IsActive: true},
		{ID: "agency", Name: "Agency", PriceID: "price_agency", Price: decimal.NewFromInt(490), Credits: 3000, BillingInterval: catalog.IntervalYear, IsActive: true},
		{ID: "legacy", Name: "Legacy", Credits: 10, BillingInterval: catalog.IntervalMonth, IsActive: false},
	} {
		_, err := catalogService.UpsertPlan(ctx, plan)
		require.NoError(t, err)
	}

	notifier := &recordingNotifier{}
	service := New(Config{TrialPeriod: 14 * 24 * time.Hour}, store, catalogService, discount.New(store, &logger), notifier, &logger)
	service.now = func() time.Time { return fixedNow }

	client := store.AddClient(repository.Client{Email: "ann@example.com", Name: "Ann"})

	return fixture{service: service, store: store, notifier: notifier, client: client}
}

func (f fixture) create(t *testing.T, params CreateParams) repository.Subscription {
	t.Helper()

	if params.ClientID == 0 {
		params.ClientID = f.client.ID
	}
	if params.PlanID == "" {
		params.PlanID = "pro"
	}

	created, err := f.service.CreateSubscription(context.Background(), params)
	require.NoError(t, err)

	return created.Subscription
}

func TestService_CreateSubscription(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	created, err := f.service.CreateSubscription(ctx, CreateParams{ClientID: f.client.ID, PlanID: "pro"})
	require.NoError(t, err)

	sub := created.Subscription
	assert.Equal(t, repository.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, "price_pro", sub.PriceID)
	assert.Equal(t, fixedNow, sub.CurrentPeriodStart)
	assert.Equal(t, fixedNow.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
	assert.True(t, decimal.NewFromInt(49).Equal(created.AmountDue))
	assert.Nil(t, created.DiscountID)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, notification.EntitySubscription, f.notifier.sent[0].EntityType)

	_, err = f.service.CreateSubscription(ctx, CreateParams{ClientID: f.client.ID, PlanID: "starter"})
	assert.ErrorIs(t, err, ErrDuplicateSubscription)
}

func TestService_CreateSubscription_Errors(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	for _, tt := range []struct {
		name   string
		params CreateParams
		expect error
	}{
		{"unknown client", CreateParams{ClientID: 9999, PlanID: "pro"}, ErrClientNotFound},
		{"unknown plan", CreateParams{ClientID: f.client.ID, PlanID: "platinum"}, ErrPlanNotFound},
		{"inactive plan", CreateParams{ClientID: f.client.ID, PlanID: "legacy"}, ErrPlanNotFound},
		{"discount that does not exist", CreateParams{ClientID: f.client.ID, PlanID: "pro", DiscountID: ptr(int64(9999))}, ErrDiscountNotApplicable},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.CreateSubscription(ctx, tt.params)
			assert.ErrorIs(t, err, tt.expect)
		})
	}

	_, err := f.store.GetSubscriptionByClientID(ctx, f.client.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestService_CreateSubscription_TrialAndCustomCredits(t *testing.T) {
	f := setup(t)

	sub := f.create(t, CreateParams{Trial: true, CustomCredits: ptr(int64(500))})

	assert.Equal(t, repository.SubscriptionStatusTrialing, sub.Status)
	assert.Equal(t, fixedNow.Add(14*24*time.Hour), sub.CurrentPeriodEnd)
	assert.Equal(t, int64(500), sub.CustomCredits.Int64)
}

func TestService_CreateSubscription_Discount(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	d, err := f.store.CreateDiscount(ctx, repository.Discount{
		Type:      repository.DiscountTypePercent,
		Value:     decimal.NewFromInt(15),
		AppliesTo: repository.DiscountTargetPlans,
		PlanIDs:   []string{"starter"},
		MaxUses:   sql.NullInt32{Int32: 1, Valid: true},
		IsActive:  true,
	})
	require.NoError(t, err)

	created, err := f.service.CreateSubscription(ctx, CreateParams{ClientID: f.client.ID, PlanID: "starter", DiscountID: &d.ID})
	require.NoError(t, err)

	require.NotNil(t, created.DiscountID)
	assert.Equal(t, d.ID, *created.DiscountID)
	// 15% of 19.99 truncated to cents
	assert.Equal(t, "2.99", created.Reduction.StringFixed(2))
	assert.Equal(t, "17.00", created.AmountDue.StringFixed(2))

	redemptions := f.store.Redemptions()
	require.Len(t, redemptions, 1)
	assert.Equal(t, created.Subscription.ID, redemptions[0].SubscriptionID.Int64)

	// cap exhausted: the discount is no longer applicable and creation rolls back
	other := f.store.AddClient(repository.Client{Email: "bob@example.com"})
	_, err = f.service.CreateSubscription(ctx, CreateParams{ClientID: other.ID, PlanID: "starter", DiscountID: &d.ID})
	assert.ErrorIs(t, err, ErrDiscountNotApplicable)

	_, err = f.store.GetSubscriptionByClientID(ctx, other.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestService_GetSubscription_LazyExpiry(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	sub := f.create(t, CreateParams{})

	status, err := f.service.CheckStatus(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionStatusActive, status)

	f.service.now = func() time.Time { return sub.CurrentPeriodEnd.Add(time.Second) }

	got, err := f.service.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionStatusExpired, got.Status)

	stored, err := f.store.GetSubscriptionByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionStatusExpired, stored.Status)

	history, err := f.service.ListHistory(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ReasonExpired, history[0].Reason)

	_, err = f.service.GetSubscription(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Cancel_AfterPeriodEnd(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	sub := f.create(t, CreateParams{})

	f.service.now = func() time.Time { return sub.CurrentPeriodEnd.Add(time.Second) }

	canceled, err := f.service.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionStatusCanceled, canceled.Status)
	assert.True(t, canceled.CancelledAt.Valid)

	stored, err := f.store.GetSubscriptionByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionStatusCanceled, stored.Status)

	// the lapsed period is snapshotted once, as expired
	history, err := f.service.ListHistory(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ReasonExpired, history[0].Reason)
}

func TestService_Renew(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	sub := f.create(t, CreateParams{})

	sub.BaseCreditsUsed = 120
	sub.ReferralCreditsUsed = 7
	sub.BrandsUsed = 2
	f.store.PutSubscription(sub)

	later := fixedNow.AddDate(0, 1, 1)
	f.service.now = func() time.Time { return later }

	// period ended, so the renewal reactivates an expired subscription
	renewed, err := f.service.Renew(ctx, sub.ID, Period{})
	require.NoError(t, err)

	assert.Equal(t, repository.SubscriptionStatusActive, renewed.Status)
	assert.Zero(t, renewed.BaseCreditsUsed)
	assert.Zero(t, renewed.BrandsUsed)
	assert.Equal(t, int64(7), renewed.ReferralCreditsUsed)
	assert.Equal(t, later, renewed.CurrentPeriodStart)
	assert.Equal(t, later.AddDate(0, 1, 0), renewed.CurrentPeriodEnd)

	history, err := f.service.ListHistory(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ReasonRenewed, history[0].Reason)
	assert.Equal(t, int64(120), history[0].BaseCreditsUsed)
	assert.Equal(t, ReasonExpired, history[1].Reason)

	start := later.Add(time.Hour)
	renewed, err = f.service.Renew(ctx, sub.ID, Period{Start: start, End: start.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, start.Add(24*time.Hour), renewed.CurrentPeriodEnd)
}

func TestService_ChangePlan(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	sub := f.create(t, CreateParams{PlanID: "starter"})

	sub.BaseCreditsUsed = 40
	f.store.PutSubscription(sub)

	changed, err := f.service.ChangePlan(ctx, sub.ID, "agency", "")
	require.NoError(t, err)

	assert.Equal(t, "agency", changed.PlanID)
	assert.Equal(t, "price_agency", changed.PriceID)
	assert.Zero(t, changed.BaseCreditsUsed)
	assert.Equal(t, fixedNow.AddDate(1, 0, 0), changed.CurrentPeriodEnd)

	history, err := f.service.ListHistory(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "starter", history[0].PlanID)
	assert.Equal(t, ReasonPlanChange, history[0].Reason)

	_, err = f.service.ChangePlan(ctx, sub.ID, "legacy", "")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestService_StatusTransitions(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	sub := f.create(t, CreateParams{})

	paused, err := f.service.Pause(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionStatusPaused, paused.Status)

	_, err = f.service.Pause(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	resumed, err := f.service.Resume(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionStatusActive, resumed.Status)

	_, err = f.service.Resume(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	canceled, err := f.service.Cancel(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionStatusCanceled, canceled.Status)
	assert.Equal(t, fixedNow, canceled.CancelledAt.Time)

	for name, op := range map[string]func() error{
		"renew":  func() error { _, err := f.service.Renew(ctx, sub.ID, Period{}); return err },
		"cancel": func() error { _, err := f.service.Cancel(ctx, sub.ID); return err },
		"pause":  func() error { _, err := f.service.Pause(ctx, sub.ID); return err },
		"change": func() error { _, err := f.service.ChangePlan(ctx, sub.ID, "pro", ""); return err },
	} {
		assert.ErrorIs(t, op(), ErrInvalidTransition, name)
	}
}

func TestTransition(t *testing.T) {
	const (
		trialing = repository.SubscriptionStatusTrialing
		active   = repository.SubscriptionStatusActive
		paused   = repository.SubscriptionStatusPaused
		expired  = repository.SubscriptionStatusExpired
		canceled = repository.SubscriptionStatusCanceled
	)

	for _, tt := range []struct {
		from, to repository.SubscriptionStatus
		ok       bool
	}{
		{trialing, active, true},
		{trialing, canceled, true},
		{trialing, paused, false},
		{active, active, true},
		{active, expired, true},
		{active, paused, true},
		{active, trialing, false},
		{paused, active, true},
		{paused, expired, false},
		{expired, active, true},
		{expired, canceled, true},
		{canceled, active, false},
	} {
		err := Transition(tt.from, tt.to)
		if tt.ok {
			assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tt.from, tt.to)
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}
