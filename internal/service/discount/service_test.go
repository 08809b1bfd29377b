package discount

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/freelancehub/creditengine/internal/test/memstore"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 12, 25, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Service, *memstore.Store) {
	t.Helper()

	logger := zerolog.Nop()
	store := memstore.New()

	service := New(store, &logger)
	service.now = func() time.Time { return fixedNow }

	return service, store
}

func percent(v int64) repository.Discount {
	return repository.Discount{
		Type:      repository.DiscountTypePercent,
		Value:     decimal.NewFromInt(v),
		AppliesTo: repository.DiscountTargetServices,
		IsActive:  true,
	}
}

func TestService_GetApplicableDiscounts_Filters(t *testing.T) {
	ctx := context.Background()
	service, _ := setup(t)

	create := func(mutate func(d *repository.Discount)) int64 {
		d := percent(10)
		mutate(&d)
		created, err := service.CreateDiscount(ctx, d)
		require.NoError(t, err)
		return created.ID
	}

	open := create(func(*repository.Discount) {})
	scoped := create(func(d *repository.Discount) { d.ServiceTypes = []string{"logo_design"} })
	create(func(d *repository.Discount) { d.ServiceTypes = []string{"video_edit"} })
	create(func(d *repository.Discount) { d.IsActive = false })
	create(func(d *repository.Discount) { d.AppliesTo = repository.DiscountTargetPlans })
	create(func(d *repository.Discount) { d.ValidFrom = sql.NullTime{Time: fixedNow.Add(time.Hour), Valid: true} })
	create(func(d *repository.Discount) { d.ValidUntil = sql.NullTime{Time: fixedNow.Add(-time.Hour), Valid: true} })
	windowed := create(func(d *repository.Discount) {
		d.ValidFrom = sql.NullTime{Time: fixedNow.Add(-time.Hour), Valid: true}
		d.ValidUntil = sql.NullTime{Time: fixedNow.Add(time.Hour), Valid: true}
	})
	coded := create(func(d *repository.Discount) { d.Code = sql.NullString{String: "XMAS", Valid: true} })

	ids := func(list []Applicable) []int64 {
		var out []int64
		for _, a := range list {
			out = append(out, a.Discount.ID)
		}
		return out
	}

	list, err := service.GetApplicableDiscounts(ctx, Context{
		ClientID:    1,
		TargetType:  repository.DiscountTargetServices,
		ServiceType: "logo_design",
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{open, scoped, windowed}, ids(list))

	list, err = service.GetApplicableDiscounts(ctx, Context{
		ClientID:    1,
		TargetType:  repository.DiscountTargetServices,
		ServiceType: "logo_design",
		Code:        "XMAS",
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{open, scoped, windowed, coded}, ids(list))
}

func TestService_UserCapExclusion(t *testing.T) {
	ctx := context.Background()
	service, _ := setup(t)

	d := percent(10)
	d.UserMaxUses = sql.NullInt32{Int32: 1, Valid: true}
	created, err := service.CreateDiscount(ctx, d)
	require.NoError(t, err)

	dctx := Context{ClientID: 7, TargetType: repository.DiscountTargetServices}

	list, err := service.GetApplicableDiscounts(ctx, dctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = service.Redeem(ctx, Redemption{DiscountID: created.ID, ClientID: 7, AppliedAmount: decimal.NewFromInt(1)})
	require.NoError(t, err)

	list, err = service.GetApplicableDiscounts(ctx, dctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	// another client is unaffected
	list, err = service.GetApplicableDiscounts(ctx, Context{ClientID: 8, TargetType: repository.DiscountTargetServices})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = service.Redeem(ctx, Redemption{DiscountID: created.ID, ClientID: 7})
	assert.ErrorIs(t, err, ErrUsageCapReached)
}

func TestService_GlobalCap(t *testing.T) {
	ctx := context.Background()
	service, store := setup(t)

	d := percent(10)
	d.MaxUses = sql.NullInt32{Int32: 2, Valid: true}
	created, err := service.CreateDiscount(ctx, d)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		capped  int
	)
	for client := int64(1); client <= 5; client++ {
		wg.Add(1)
		go func(client int64) {
			defer wg.Done()
			_, err := service.Redeem(ctx, Redemption{DiscountID: created.ID, ClientID: client})

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
			} else if assert.ErrorIs(t, err, ErrUsageCapReached) {
				capped++
			}
		}(client)
	}
	wg.Wait()

	assert.Equal(t, 2, success)
	assert.Equal(t, 3, capped)
	assert.Len(t, store.Redemptions(), 2)

	list, err := service.GetApplicableDiscounts(ctx, Context{ClientID: 9, TargetType: repository.DiscountTargetServices})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestService_Redeem_NotFound(t *testing.T) {
	service, _ := setup(t)

	_, err := service.Redeem(context.Background(), Redemption{DiscountID: 404, ClientID: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHolidayMultiplier(t *testing.T) {
	rules := []repository.HolidayRule{
		{Date: "2020-12-25", Recurring: true, Multiplier: decimal.NewFromInt(2)},
		{Date: "2026-07-04", Recurring: false, Multiplier: decimal.RequireFromString("1.5")},
		{Date: "2026-12-25", Recurring: false, Multiplier: decimal.NewFromInt(3)},
	}

	for _, tt := range []struct {
		name    string
		at      time.Time
		value   string
		matched bool
	}{
		{name: "recurring and exact, strongest wins", at: fixedNow, value: "3", matched: true},
		{name: "recurring only", at: time.Date(2027, 12, 25, 0, 0, 0, 0, time.UTC), value: "2", matched: true},
		{name: "exact date", at: time.Date(2026, 7, 4, 8, 0, 0, 0, time.UTC), value: "1.5", matched: true},
		{name: "non-recurring wrong year", at: time.Date(2027, 7, 4, 8, 0, 0, 0, time.UTC), value: "1", matched: false},
		{name: "ordinary day", at: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), value: "1", matched: false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := HolidayMultiplier(rules, tt.at)
			assert.Equal(t, tt.matched, ok)
			assert.Equal(t, tt.value, m.String())
		})
	}
}

func TestService_HolidayDoesNotMutateDiscount(t *testing.T) {
	ctx := context.Background()
	service, store := setup(t)

	d := percent(10)
	d.HolidayRules = []repository.HolidayRule{{Date: "2026-12-25", Multiplier: decimal.NewFromInt(2)}}
	created, err := service.CreateDiscount(ctx, d)
	require.NoError(t, err)

	list, err := service.GetApplicableDiscounts(ctx, Context{ClientID: 1, TargetType: repository.DiscountTargetServices})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].HolidayApplied)
	assert.Equal(t, "20", list[0].EffectiveValue.String())

	stored, err := store.GetDiscountByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "10", stored.Value.String())
}

func TestPrice(t *testing.T) {
	for _, tt := range []struct {
		name      string
		discount  repository.Discount
		effective string
		amount    string
		places    int32
		reduction string
		final     string
	}{
		{
			name:      "percent floors reduction",
			discount:  repository.Discount{Type: repository.DiscountTypePercent},
			effective: "15",
			amount:    "7",
			reduction: "1",
			final:     "6",
		},
		{
			name:      "percent capped by max discount",
			discount:  repository.Discount{Type: repository.DiscountTypePercent, MaxDiscount: decimal.NewNullDecimal(decimal.NewFromInt(5))},
			effective: "50",
			amount:    "40",
			reduction: "5",
			final:     "35",
		},
		{
			name:      "fixed capped by amount",
			discount:  repository.Discount{Type: repository.DiscountTypeFixed},
			effective: "30",
			amount:    "12",
			reduction: "12",
			final:     "0",
		},
		{
			name:      "plan price keeps cents",
			discount:  repository.Discount{Type: repository.DiscountTypePercent},
			effective: "12.5",
			amount:    "49.99",
			places:    2,
			reduction: "6.24",
			final:     "43.75",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			q := Price(Applicable{
				Discount:       tt.discount,
				EffectiveValue: decimal.RequireFromString(tt.effective),
			}, decimal.RequireFromString(tt.amount), tt.places)

			assert.Equal(t, tt.reduction, q.Reduction.String())
			assert.Equal(t, tt.final, q.Final.String())
		})
	}
}

func TestService_Best(t *testing.T) {
	ctx := context.Background()
	service, _ := setup(t)

	_, err := service.CreateDiscount(ctx, percent(10))
	require.NoError(t, err)

	fixed := percent(0)
	fixed.Type = repository.DiscountTypeFixed
	fixed.Value = decimal.NewFromInt(4)
	best, err := service.CreateDiscount(ctx, fixed)
	require.NoError(t, err)

	q, ok, err := service.Best(ctx, Context{ClientID: 1, TargetType: repository.DiscountTargetServices}, decimal.NewFromInt(20))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, best.ID, q.DiscountID)
	assert.Equal(t, "4", q.Reduction.String())

	_, ok, err = service.Best(ctx, Context{ClientID: 1, TargetType: repository.DiscountTargetPlans}, decimal.NewFromInt(20))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	bad := []repository.Discount{
		{Type: "BOGUS", AppliesTo: repository.DiscountTargetPlans},
		{Type: repository.DiscountTypePercent, AppliesTo: "ALL"},
		{Type: repository.DiscountTypePercent, AppliesTo: repository.DiscountTargetPlans, Value: decimal.NewFromInt(101)},
		{Type: repository.DiscountTypeFixed, AppliesTo: repository.DiscountTargetPlans, Value: decimal.NewFromInt(-1)},
		{
			Type: repository.DiscountTypeFixed, AppliesTo: repository.DiscountTargetPlans,
			HolidayRules: []repository.HolidayRule{{Date: "12/25", Multiplier: decimal.NewFromInt(2)}},
		},
		{
			Type: repository.DiscountTypeFixed, AppliesTo: repository.DiscountTargetPlans,
			HolidayRules: []repository.HolidayRule{{Date: "2026-12-25", Multiplier: decimal.Zero}},
		},
	}

	for i, d := range bad {
		assert.ErrorIs(t, Validate(d), ErrInvalidDiscount, i)
	}

	assert.NoError(t, Validate(percent(100)))
}
