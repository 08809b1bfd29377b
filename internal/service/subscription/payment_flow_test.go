package subscription

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_HandlePaymentEvent_Checkout(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	payload := fmt.Sprintf(`{
		"id": "evt_checkout",
		"type": "checkout.completed",
		"data": {"object": {"metadata": {"client_id": %d, "plan_id": "starter"}}}
	}`, f.client.ID)

	outcome, err := f.service.HandlePaymentEvent(ctx, []byte(payload))
	require.NoError(t, err)

	assert.Equal(t, "evt_checkout", outcome.EventID)
	assert.Equal(t, ActionCreated, outcome.Action)

	sub, err := f.store.GetSubscriptionByID(ctx, outcome.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, "starter", sub.PlanID)

	// redelivery is a no-op
	outcome, err = f.service.HandlePaymentEvent(ctx, []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, ActionIgnored, outcome.Action)
	assert.Zero(t, outcome.SubscriptionID)
}

func TestService_HandlePaymentEvent_InvoicePaid(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	sub := f.create(t, CreateParams{})

	sub.BaseCreditsUsed = 80
	f.store.PutSubscription(sub)

	start := fixedNow.Add(24 * time.Hour)
	end := start.AddDate(0, 1, 0)
	payload := fmt.Sprintf(`{
		"id": "evt_invoice",
		"type": "invoice.paid",
		"data": {"object": {"period_start": %d, "period_end": %d, "metadata": {"subscription_id": %q}}}
	}`, start.Unix(), end.Unix(), sub.UUID)

	outcome, err := f.service.HandlePaymentEvent(ctx, []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, ActionRenewed, outcome.Action)
	assert.Equal(t, sub.ID, outcome.SubscriptionID)

	renewed, err := f.store.GetSubscriptionByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Zero(t, renewed.BaseCreditsUsed)
	assert.True(t, start.Equal(renewed.CurrentPeriodStart))
	assert.True(t, end.Equal(renewed.CurrentPeriodEnd))
}

func TestService_HandlePaymentEvent_Canceled(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	sub := f.create(t, CreateParams{})

	payload := fmt.Sprintf(`{"id":"evt_cancel","type":"subscription.canceled","data":{"object":{"metadata":{"subscription_id":%q}}}}`, sub.UUID)

	outcome, err := f.service.HandlePaymentEvent(ctx, []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, ActionCanceled, outcome.Action)

	canceled, err := f.store.GetSubscriptionByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.SubscriptionStatusCanceled, canceled.Status)

	// a second cancellation is not a valid transition
	_, err = f.service.HandlePaymentEvent(ctx, []byte(payload))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestService_HandlePaymentEvent_Rejects(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	for _, tt := range []struct {
		name    string
		payload string
		expect  error
		action  string
	}{
		{
			name:    "malformed json",
			payload: `{"id":`,
			expect:  ErrInvalidPaymentEvent,
		},
		{
			name:    "checkout without metadata",
			payload: `{"id":"evt","type":"checkout.completed","data":{"object":{}}}`,
			expect:  ErrInvalidPaymentEvent,
			action:  ActionIgnored,
		},
		{
			name:    "checkout for unknown plan",
			payload: fmt.Sprintf(`{"type":"checkout.completed","data":{"object":{"metadata":{"client_id":%d,"plan_id":"gold"}}}}`, f.client.ID),
			expect:  ErrPlanNotFound,
			action:  ActionIgnored,
		},
		{
			name:    "invoice for unknown subscription",
			payload: `{"type":"invoice.paid","data":{"object":{"metadata":{"subscription_id":"3f0b3a51-0f7e-4c39-9a8e-1c8c1d2f0c11"}}}}`,
			expect:  ErrNotFound,
			action:  ActionIgnored,
		},
		{
			name:    "unhandled type",
			payload: `{"id":"evt","type":"customer.updated","data":{"object":{}}}`,
			action:  ActionIgnored,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := f.service.HandlePaymentEvent(ctx, []byte(tt.payload))
			if tt.expect != nil {
				assert.ErrorIs(t, err, tt.expect)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.action, outcome.Action)
		})
	}
}
