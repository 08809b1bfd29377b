package ledger

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
	"github.com/pkg/errors"
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
	sub      repository.Subscription
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

	_, err := catalogService.UpsertPlan(ctx, repository.Plan{
		ID:              "pro",
		Name:            "Pro",
		Credits:         100,
		BillingInterval: catalog.IntervalMonth,
		IsActive:        true,
	})
	require.NoError(t, err)

	_, err = catalogService.UpsertCreditValue(ctx, repository.CreditValue{
		ServiceType:    "copywriting",
		CreditsPerUnit: decimal.NewFromInt(1),
		BaseUnit:       "page",
		MinUnits:       1,
		IsActive:       true,
	})
	require.NoError(t, err)

	client := store.AddClient(repository.Client{Email: "ann@example.com", Name: "Ann"})
	sub := store.PutSubscription(repository.Subscription{
		ClientID:           client.ID,
		PlanID:             "pro",
		Status:             repository.SubscriptionStatusActive,
		CurrentPeriodStart: fixedNow.Add(-24 * time.Hour),
		CurrentPeriodEnd:   fixedNow.Add(29 * 24 * time.Hour),
	})

	notifier := &recordingNotifier{}
	service := New(
		Config{CreditTTL: 90 * 24 * time.Hour, LowBalanceThreshold: 10},
		store,
		catalogService,
		discount.New(store, &logger),
		notifier,
		nil,
		&logger,
	)
	service.now = func() time.Time { return fixedNow }

	return fixture{service: service, store: store, notifier: notifier, client: client, sub: sub}
}

func (f fixture) grant(t *testing.T, amount int64, ttl time.Duration) repository.ReferralCredit {
	t.Helper()

	rc, err := f.store.CreateReferralCredit(context.Background(), repository.ReferralCredit{
		SubscriptionID: f.sub.ID,
		CreditAmount:   amount,
		ReferralDate:   fixedNow.Add(-time.Hour),
		ExpiresAt:      fixedNow.Add(ttl),
		Status:         repository.ReferralCreditStatusActive,
	})
	require.NoError(t, err)

	return rc
}

func TestService_ConsumeCredits_ReferralFirst(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	rc := f.grant(t, 5, time.Hour)

	result, err := f.service.ConsumeCredits(ctx, ConsumeRequest{
		SubscriptionID: f.sub.ID,
		ServiceType:    "copywriting",
		Units:          8,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(8), result.TotalCredits)
	assert.Equal(t, int64(5), result.ReferralCreditsUsed)
	assert.Equal(t, int64(3), result.BaseCreditsUsed)
	assert.Equal(t, repository.CreditTypeReferral, result.CreditType)
	assert.Equal(t, int64(97), result.Balance.AvailableCredits)

	sub, err := f.store.GetSubscriptionByID(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sub.BaseCreditsUsed)
	assert.Equal(t, int64(5), sub.ReferralCreditsUsed)

	consumptions := f.store.Consumptions()
	require.Len(t, consumptions, 1)
	assert.Equal(t, repository.CreditTypeReferral, consumptions[0].CreditType)
	assert.Equal(t, sql.NullInt64{Int64: rc.ID, Valid: true}, consumptions[0].ReferralCreditID)

	balance, err := f.service.GetCreditBalance(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, Balance{
		SubscriptionID:      f.sub.ID,
		BaseCredits:         100,
		BaseCreditsUsed:     3,
		ReferralCredits:     5,
		ReferralCreditsUsed: 5,
		AvailableCredits:    97,
	}, balance)
}

func TestService_ConsumeCredits_BaseOnly(t *testing.T) {
	f := setup(t)

	result, err := f.service.ConsumeCredits(context.Background(), ConsumeRequest{
		SubscriptionID: f.sub.ID,
		ServiceType:    "copywriting",
		Units:          4,
	})
	require.NoError(t, err)

	assert.Equal(t, repository.CreditTypeBase, result.CreditType)
	assert.Equal(t, int64(4), result.BaseCreditsUsed)
	assert.False(t, f.store.Consumptions()[0].ReferralCreditID.Valid)
}

func TestService_ConsumeCredits_InsufficientRollsBack(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.grant(t, 5, time.Hour)

	_, err := f.service.ConsumeCredits(ctx, ConsumeRequest{
		SubscriptionID: f.sub.ID,
		ServiceType:    "copywriting",
		Units:          106,
	})
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	sub, err := f.store.GetSubscriptionByID(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Zero(t, sub.BaseCreditsUsed)
	assert.Zero(t, sub.ReferralCreditsUsed)
	assert.Empty(t, f.store.Consumptions())

	// the exact balance still goes through
	result, err := f.service.ConsumeCredits(ctx, ConsumeRequest{
		SubscriptionID: f.sub.ID,
		ServiceType:    "copywriting",
		Units:          105,
	})
	require.NoError(t, err)
	assert.Zero(t, result.Balance.AvailableCredits)
}

func TestService_ConsumeCredits_Errors(t *testing.T) {
	ctx := context.Background()

	for _, tt := range []struct {
		name   string
		mutate func(f fixture) ConsumeRequest
		expect error
	}{
		{
			name: "unknown subscription",
			mutate: func(f fixture) ConsumeRequest {
				return ConsumeRequest{SubscriptionID: 9999, ServiceType: "copywriting", Units: 1}
			},
			expect: ErrSubscriptionNotFound,
		},
		{
			name: "canceled subscription",
			mutate: func(f fixture) ConsumeRequest {
				sub := f.sub
				sub.Status = repository.SubscriptionStatusCanceled
				f.store.PutSubscription(sub)
				return ConsumeRequest{SubscriptionID: sub.ID, ServiceType: "copywriting", Units: 1}
			},
			expect: ErrSubscriptionInactive,
		},
		{
			name: "period ended",
			mutate: func(f fixture) ConsumeRequest {
				sub := f.sub
				sub.CurrentPeriodEnd = fixedNow
				f.store.PutSubscription(sub)
				return ConsumeRequest{SubscriptionID: sub.ID, ServiceType: "copywriting", Units: 1}
			},
			expect: ErrSubscriptionInactive,
		},
		{
			name: "unknown service",
			mutate: func(f fixture) ConsumeRequest {
				return ConsumeRequest{SubscriptionID: f.sub.ID, ServiceType: "video", Units: 1}
			},
			expect: catalog.ErrNotFound,
		},
		{
			name: "zero units",
			mutate: func(f fixture) ConsumeRequest {
				return ConsumeRequest{SubscriptionID: f.sub.ID, ServiceType: "copywriting", Units: 0}
			},
			expect: catalog.ErrInvalidUnits,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)

			_, err := f.service.ConsumeCredits(ctx, tt.mutate(f))
			assert.ErrorIs(t, err, tt.expect)
			assert.Empty(t, f.store.Consumptions())
		})
	}
}

func TestService_ConsumeCredits_ExpiredCreditIgnored(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	// still ACTIVE in storage but past its expiry
	stale := f.grant(t, 50, -time.Minute)

	balance, err := f.service.GetCreditBalance(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.AvailableCredits)
	assert.Zero(t, balance.ReferralCredits)

	_, err = f.service.ConsumeCredits(ctx, ConsumeRequest{
		SubscriptionID: f.sub.ID,
		ServiceType:    "copywriting",
		Units:          120,
	})
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	result, err := f.service.ConsumeCredits(ctx, ConsumeRequest{
		SubscriptionID: f.sub.ID,
		ServiceType:    "copywriting",
		Units:          10,
	})
	require.NoError(t, err)
	assert.Zero(t, result.ReferralCreditsUsed)

	rc, ok := f.store.ReferralCredit(stale.ID)
	require.True(t, ok)
	assert.Equal(t, repository.ReferralCreditStatusExpired, rc.Status)
}

func TestService_ConsumeCredits_Discount(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	d, err := f.store.CreateDiscount(ctx, repository.Discount{
		Type:         repository.DiscountTypePercent,
		Value:        decimal.NewFromInt(25),
		AppliesTo:    repository.DiscountTargetServices,
		ServiceTypes: []string{"copywriting"},
		MaxUses:      sql.NullInt32{Int32: 1, Valid: true},
		IsActive:     true,
	})
	require.NoError(t, err)

	result, err := f.service.ConsumeCredits(ctx, ConsumeRequest{
		SubscriptionID: f.sub.ID,
		ServiceType:    "copywriting",
		Units:          10,
	})
	require.NoError(t, err)

	require.NotNil(t, result.DiscountID)
	assert.Equal(t, d.ID, *result.DiscountID)
	assert.Equal(t, int64(8), result.TotalCredits)
	assert.Equal(t, int64(2), f.store.Consumptions()[0].DiscountApplied)

	redemptions := f.store.Redemptions()
	require.Len(t, redemptions, 1)
	assert.True(t, redemptions[0].SubscriptionID.Valid)
	assert.True(t, redemptions[0].CreditValueID.Valid)

	// cap reached, full price
	result, err = f.service.ConsumeCredits(ctx, ConsumeRequest{
		SubscriptionID: f.sub.ID,
		ServiceType:    "copywriting",
		Units:          10,
	})
	require.NoError(t, err)
	assert.Nil(t, result.DiscountID)
	assert.Equal(t, int64(10), result.TotalCredits)
}

func TestService_ConsumeCredits_LowBalanceNotification(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.service.ConsumeCredits(ctx, ConsumeRequest{SubscriptionID: f.sub.ID, ServiceType: "copywriting", Units: 85})
	require.NoError(t, err)
	assert.Empty(t, f.notifier.sent)

	_, err = f.service.ConsumeCredits(ctx, ConsumeRequest{SubscriptionID: f.sub.ID, ServiceType: "copywriting", Units: 6})
	require.NoError(t, err)
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, f.client.ID, f.notifier.sent[0].RecipientID)
	assert.Equal(t, notification.EntityBalance, f.notifier.sent[0].EntityType)

	// already below, no repeat
	_, err = f.service.ConsumeCredits(ctx, ConsumeRequest{SubscriptionID: f.sub.ID, ServiceType: "copywriting", Units: 1})
	require.NoError(t, err)
	assert.Len(t, f.notifier.sent, 1)
}

func TestService_ConsumeCredits_Concurrent(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)

	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.ConsumeCredits(ctx, ConsumeRequest{SubscriptionID: f.sub.ID, ServiceType: "copywriting", Units: 7})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 14, accepted)

	sub, err := f.store.GetSubscriptionByID(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(98), sub.BaseCreditsUsed)
}

func TestService_ConsumeCredits_StoreFailure(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.grant(t, 5, time.Hour)

	f.store.FailOn("CreateCreditConsumption", errors.New("connection reset"))

	_, err := f.service.ConsumeCredits(ctx, ConsumeRequest{SubscriptionID: f.sub.ID, ServiceType: "copywriting", Units: 3})
	require.Error(t, err)

	sub, err := f.store.GetSubscriptionByID(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Zero(t, sub.ReferralCreditsUsed)
}

func TestService_ConsumeReferralCredit(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	first := f.grant(t, 5, time.Hour)
	second := f.grant(t, 10, 2*time.Hour)

	// partial redemption still uses up the credit
	c, err := f.service.ConsumeReferralCredit(ctx, f.sub.ID, second.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, "referral_credit", c.ServiceType)
	assert.Equal(t, int64(4), c.TotalCredits)
	assert.Equal(t, second.ID, c.ReferralCreditID.Int64)

	rc, _ := f.store.ReferralCredit(second.ID)
	assert.Equal(t, repository.ReferralCreditStatusUsed, rc.Status)

	rc, _ = f.store.ReferralCredit(first.ID)
	assert.Equal(t, repository.ReferralCreditStatusActive, rc.Status)

	balance, err := f.service.GetCreditBalance(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance.ReferralCredits)
	assert.Zero(t, balance.ReferralCreditsUsed)
	assert.Equal(t, int64(105), balance.AvailableCredits)

	// the untouched credit is still fully redeemable
	_, err = f.service.ConsumeReferralCredit(ctx, f.sub.ID, first.ID, 2)
	require.NoError(t, err)

	balance, err = f.service.GetCreditBalance(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Zero(t, balance.ReferralCredits)
	assert.Equal(t, int64(100), balance.AvailableCredits)

	for _, id := range []int64{first.ID, second.ID} {
		_, err = f.service.ConsumeReferralCredit(ctx, f.sub.ID, id, 1)
		assert.ErrorIs(t, err, ErrInvalidOrExpiredCredit)
	}

	assert.Len(t, f.store.Consumptions(), 2)
}

func TestService_ConsumeReferralCredit_ReleasesPooledDraw(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	first := f.grant(t, 5, time.Hour)
	second := f.grant(t, 10, 2*time.Hour)

	// pooled draw of 7 lands on first (5) and second (2)
	_, err := f.service.ConsumeCredits(ctx, ConsumeRequest{SubscriptionID: f.sub.ID, ServiceType: "copywriting", Units: 7})
	require.NoError(t, err)

	_, err = f.service.ConsumeReferralCredit(ctx, f.sub.ID, second.ID, 9)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	_, err = f.service.ConsumeReferralCredit(ctx, f.sub.ID, second.ID, 8)
	require.NoError(t, err)

	balance, err := f.service.GetCreditBalance(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance.ReferralCredits)
	assert.Equal(t, int64(5), balance.ReferralCreditsUsed)
	assert.Equal(t, int64(100), balance.AvailableCredits)

	// first was fully drawn by pooled consumption
	_, err = f.service.ConsumeReferralCredit(ctx, f.sub.ID, first.ID, 1)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	rc, _ := f.store.ReferralCredit(first.ID)
	assert.Equal(t, repository.ReferralCreditStatusActive, rc.Status)
}

func TestService_ConsumeReferralCredit_Errors(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	live := f.grant(t, 5, time.Hour)
	expired := f.grant(t, 5, -time.Hour)

	other := f.store.PutSubscription(repository.Subscription{
		ClientID:         f.client.ID + 100,
		PlanID:           "pro",
		Status:           repository.SubscriptionStatusActive,
		CurrentPeriodEnd: fixedNow.Add(time.Hour),
	})

	for _, tt := range []struct {
		name   string
		subID  int64
		credit int64
		amount int64
		expect error
	}{
		{"zero amount", f.sub.ID, live.ID, 0, ErrInvalidAmount},
		{"unknown credit", f.sub.ID, 9999, 1, ErrInvalidOrExpiredCredit},
		{"expired credit", f.sub.ID, expired.ID, 1, ErrInvalidOrExpiredCredit},
		{"other subscription", other.ID, live.ID, 1, ErrInvalidOrExpiredCredit},
		{"above remaining", f.sub.ID, live.ID, 6, ErrInsufficientCredits},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.ConsumeReferralCredit(ctx, tt.subID, tt.credit, tt.amount)
			assert.ErrorIs(t, err, tt.expect)
		})
	}

	assert.Empty(t, f.store.Consumptions())
}

func TestService_GrantReferralCredit(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	rc, err := f.service.GrantReferralCredit(ctx, GrantRequest{SubscriptionID: f.sub.ID, Amount: 20, ReferredUserEmail: "bob@example.com"})
	require.NoError(t, err)

	assert.Equal(t, repository.ReferralCreditStatusActive, rc.Status)
	assert.Equal(t, fixedNow.Add(90*24*time.Hour), rc.ExpiresAt)
	assert.Equal(t, fixedNow, rc.ReferralDate)

	_, err = f.service.GrantReferralCredit(ctx, GrantRequest{SubscriptionID: f.sub.ID, Amount: 0})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestService_ExpireReferralCredits(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	soon := f.grant(t, 5, time.Hour)
	later := f.grant(t, 10, 48*time.Hour)

	_, err := f.service.ConsumeCredits(ctx, ConsumeRequest{SubscriptionID: f.sub.ID, ServiceType: "copywriting", Units: 8})
	require.NoError(t, err)

	f.service.now = func() time.Time { return fixedNow.Add(2 * time.Hour) }

	n, err := f.service.ExpireReferralCredits(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rc, _ := f.store.ReferralCredit(soon.ID)
	assert.Equal(t, repository.ReferralCreditStatusExpired, rc.Status)
	rc, _ = f.store.ReferralCredit(later.ID)
	assert.Equal(t, repository.ReferralCreditStatusActive, rc.Status)

	balance, err := f.service.GetCreditBalance(ctx, f.sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.ReferralCredits)
	assert.Equal(t, int64(3), balance.ReferralCreditsUsed)
	assert.Equal(t, int64(100+7), balance.AvailableCredits)

	n, err = f.service.ExpireReferralCredits(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestService_ListConsumptions(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	for units := int64(1); units <= 3; units++ {
		_, err := f.service.ConsumeCredits(ctx, ConsumeRequest{SubscriptionID: f.sub.ID, ServiceType: "copywriting", Units: units})
		require.NoError(t, err)
	}

	list, err := f.service.ListConsumptions(ctx, f.sub.ID, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(3), list[0].Units)
}

func TestUsable(t *testing.T) {
	for _, tt := range []struct {
		status repository.SubscriptionStatus
		end    time.Time
		expect bool
	}{
		{repository.SubscriptionStatusActive, fixedNow.Add(time.Second), true},
		{repository.SubscriptionStatusTrialing, fixedNow.Add(time.Second), true},
		{repository.SubscriptionStatusActive, fixedNow, false},
		{repository.SubscriptionStatusPaused, fixedNow.Add(time.Hour), false},
		{repository.SubscriptionStatusExpired, fixedNow.Add(time.Hour), false},
	} {
		sub := repository.Subscription{Status: tt.status, CurrentPeriodEnd: tt.end}
		assert.Equal(t, tt.expect, Usable(sub, fixedNow), string(tt.status))
	}
}
