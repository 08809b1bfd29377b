package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
)

func (s *Store) CreateReferralCredit(_ context.Context, rc repository.ReferralCredit) (repository.ReferralCredit, error) {
	if err := s.lock("CreateReferralCredit"); err != nil {
		return repository.ReferralCredit{}, err
	}
	defer s.mu.Unlock()

	t := now()
	rc.ID = s.nextID()
	rc.CreatedAt = t
	rc.UpdatedAt = t
	s.data.referralCredits[rc.ID] = rc

	return rc, nil
}

func (s *Store) GetReferralCreditForUpdate(_ context.Context, id int64) (repository.ReferralCredit, error) {
	if err := s.lock("GetReferralCreditForUpdate"); err != nil {
		return repository.ReferralCredit{}, err
	}
	defer s.mu.Unlock()

	rc, ok := s.data.referralCredits[id]
	if !ok {
		return repository.ReferralCredit{}, repository.ErrNotFound
	}

	return rc, nil
}

func (s *Store) ListActiveReferralCredits(_ context.Context, subscriptionID int64) ([]repository.ReferralCredit, error) {
	if err := s.lock("ListActiveReferralCredits"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var credits []repository.ReferralCredit
	for _, rc := range s.data.referralCredits {
		if rc.SubscriptionID == subscriptionID && rc.Status == repository.ReferralCreditStatusActive {
			credits = append(credits, rc)
		}
	}

	sort.Slice(credits, func(i, j int) bool {
		if credits[i].ExpiresAt.Equal(credits[j].ExpiresAt) {
			return credits[i].ID < credits[j].ID
		}
		return credits[i].ExpiresAt.Before(credits[j].ExpiresAt)
	})

	return credits, nil
}

func (s *Store) ListSubscriptionsWithExpiredCredits(_ context.Context, at time.Time, limit int) ([]int64, error) {
	if err := s.lock("ListSubscriptionsWithExpiredCredits"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	seen := map[int64]bool{}
	var ids []int64
	for _, rc := range s.data.referralCredits {
		if rc.Status != repository.ReferralCreditStatusActive || rc.ExpiresAt.After(at) || seen[rc.SubscriptionID] {
			continue
		}
		seen[rc.SubscriptionID] = true
		ids = append(ids, rc.SubscriptionID)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	return ids, nil
}

func (s *Store) UpdateReferralCreditStatus(_ context.Context, id int64, status repository.ReferralCreditStatus) error {
	if err := s.lock("UpdateReferralCreditStatus"); err != nil {
		return err
	}
	defer s.mu.Unlock()

	rc, ok := s.data.referralCredits[id]
	if !ok {
		return repository.ErrNotFound
	}

	rc.Status = status
	rc.UpdatedAt = now()
	s.data.referralCredits[id] = rc

	return nil
}

func (s *Store) CreateCreditConsumption(_ context.Context, c repository.CreditConsumption) (repository.CreditConsumption, error) {
	if err := s.lock("CreateCreditConsumption"); err != nil {
		return repository.CreditConsumption{}, err
	}
	defer s.mu.Unlock()

	c.ID = s.nextID()
	c.CreatedAt = now()
	s.data.consumptions = append(s.data.consumptions, c)

	return c, nil
}

func (s *Store) ListCreditConsumptions(_ context.Context, subscriptionID int64, limit int) ([]repository.CreditConsumption, error) {
	if err := s.lock("ListCreditConsumptions"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var results []repository.CreditConsumption
	for i := len(s.data.consumptions) - 1; i >= 0 && len(results) < limit; i-- {
		if c := s.data.consumptions[i]; c.SubscriptionID == subscriptionID {
			results = append(results, c)
		}
	}

	return results, nil
}

// ReferralCredit returns the stored credit regardless of status.
func (s *Store) ReferralCredit(id int64) (repository.ReferralCredit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rc, ok := s.data.referralCredits[id]
	return rc, ok
}

func (s *Store) Consumptions() []repository.CreditConsumption {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]repository.CreditConsumption(nil), s.data.consumptions...)
}
