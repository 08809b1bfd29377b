package memstore

import (
	"context"
	"sort"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/google/uuid"
)

// PutSubscription stores sub as-is, assigning an id when it has none.
func (s *Store) PutSubscription(sub repository.Subscription) repository.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == 0 {
		sub.ID = s.nextID()
	}
	if sub.UUID == uuid.Nil {
		sub.UUID = uuid.New()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now()
	}
	sub.UpdatedAt = now()
	s.data.subscriptions[sub.ID] = sub

	return sub
}

func (s *Store) GetSubscriptionByID(_ context.Context, id int64) (repository.Subscription, error) {
	if err := s.lock("GetSubscriptionByID"); err != nil {
		return repository.Subscription{}, err
	}
	defer s.mu.Unlock()

	sub, ok := s.data.subscriptions[id]
	if !ok {
		return repository.Subscription{}, repository.ErrNotFound
	}

	return sub, nil
}

// GetSubscriptionForUpdate relies on transactions being serialized.
func (s *Store) GetSubscriptionForUpdate(ctx context.Context, id int64) (repository.Subscription, error) {
	return s.GetSubscriptionByID(ctx, id)
}

func (s *Store) GetSubscriptionByUUID(_ context.Context, id uuid.UUID) (repository.Subscription, error) {
	if err := s.lock("GetSubscriptionByUUID"); err != nil {
		return repository.Subscription{}, err
	}
	defer s.mu.Unlock()

	for _, sub := range s.data.subscriptions {
		if sub.UUID == id {
			return sub, nil
		}
	}

	return repository.Subscription{}, repository.ErrNotFound
}

func (s *Store) GetSubscriptionByClientID(_ context.Context, clientID int64) (repository.Subscription, error) {
	if err := s.lock("GetSubscriptionByClientID"); err != nil {
		return repository.Subscription{}, err
	}
	defer s.mu.Unlock()

	var (
		found repository.Subscription
		ok    bool
	)
	for _, sub := range s.data.subscriptions {
		if sub.ClientID == clientID && sub.ID > found.ID {
			found, ok = sub, true
		}
	}

	if !ok {
		return repository.Subscription{}, repository.ErrNotFound
	}

	return found, nil
}

func (s *Store) CreateSubscription(_ context.Context, params repository.CreateSubscriptionParams) (repository.Subscription, error) {
	if err := s.lock("CreateSubscription"); err != nil {
		return repository.Subscription{}, err
	}
	defer s.mu.Unlock()

	for _, sub := range s.data.subscriptions {
		if sub.ClientID == params.ClientID {
			return repository.Subscription{}, alreadyExists("subscriptions_client_id_key")
		}
	}

	t := now()
	sub := repository.Subscription{
		ID:                 s.nextID(),
		UUID:               uuid.New(),
		ClientID:           params.ClientID,
		PlanID:             params.PlanID,
		PriceID:            params.PriceID,
		CustomCredits:      params.CustomCredits,
		Status:             params.Status,
		CurrentPeriodStart: params.CurrentPeriodStart,
		CurrentPeriodEnd:   params.CurrentPeriodEnd,
		CreatedAt:          t,
		UpdatedAt:          t,
	}
	s.data.subscriptions[sub.ID] = sub

	return sub, nil
}

func (s *Store) UpdateSubscription(_ context.Context, sub repository.Subscription) (repository.Subscription, error) {
	if err := s.lock("UpdateSubscription"); err != nil {
		return repository.Subscription{}, err
	}
	defer s.mu.Unlock()

	existing, ok := s.data.subscriptions[sub.ID]
	if !ok {
		return repository.Subscription{}, repository.ErrNotFound
	}

	if sub.BaseCreditsUsed < 0 || sub.ReferralCreditsUsed < 0 {
		return repository.Subscription{}, errCheckViolation
	}

	sub.UUID = existing.UUID
	sub.ClientID = existing.ClientID
	sub.CreatedAt = existing.CreatedAt
	sub.UpdatedAt = now()
	s.data.subscriptions[sub.ID] = sub

	return sub, nil
}

func (s *Store) IncrementSubscriptionUsage(_ context.Context, id, baseDelta, referralDelta int64) (repository.Subscription, error) {
	if err := s.lock("IncrementSubscriptionUsage"); err != nil {
		return repository.Subscription{}, err
	}
	defer s.mu.Unlock()

	sub, ok := s.data.subscriptions[id]
	if !ok {
		return repository.Subscription{}, repository.ErrNotFound
	}

	sub.BaseCreditsUsed += baseDelta
	sub.ReferralCreditsUsed += referralDelta
	if sub.BaseCreditsUsed < 0 || sub.ReferralCreditsUsed < 0 {
		return repository.Subscription{}, errCheckViolation
	}

	sub.UpdatedAt = now()
	s.data.subscriptions[id] = sub

	return sub, nil
}

func (s *Store) CreateSubscriptionHistory(_ context.Context, h repository.SubscriptionHistory) (repository.SubscriptionHistory, error) {
	if err := s.lock("CreateSubscriptionHistory"); err != nil {
		return repository.SubscriptionHistory{}, err
	}
	defer s.mu.Unlock()

	h.ID = s.nextID()
	h.CreatedAt = now()
	s.data.history = append(s.data.history, h)

	return h, nil
}

func (s *Store) ListSubscriptionHistory(_ context.Context, subscriptionID int64) ([]repository.SubscriptionHistory, error) {
	if err := s.lock("ListSubscriptionHistory"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var history []repository.SubscriptionHistory
	for _, h := range s.data.history {
		if h.SubscriptionID == subscriptionID {
			history = append(history, h)
		}
	}

	sort.Slice(history, func(i, j int) bool { return history[i].ID > history[j].ID })

	return history, nil
}
