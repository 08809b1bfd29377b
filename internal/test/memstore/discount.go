package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
)

func (s *Store) ListCandidateDiscounts(_ context.Context, target repository.DiscountTarget, at time.Time) ([]repository.Discount, error) {
	if err := s.lock("ListCandidateDiscounts"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var discounts []repository.Discount
	for _, d := range s.data.discounts {
		switch {
		case !d.IsActive, d.AppliesTo != target:
			continue
		case d.ValidFrom.Valid && d.ValidFrom.Time.After(at):
			continue
		case d.ValidUntil.Valid && d.ValidUntil.Time.Before(at):
			continue
		}
		discounts = append(discounts, d)
	}

	sort.Slice(discounts, func(i, j int) bool { return discounts[i].ID < discounts[j].ID })

	return discounts, nil
}

func (s *Store) GetDiscountByID(_ context.Context, id int64) (repository.Discount, error) {
	if err := s.lock("GetDiscountByID"); err != nil {
		return repository.Discount{}, err
	}
	defer s.mu.Unlock()

	d, ok := s.data.discounts[id]
	if !ok {
		return repository.Discount{}, repository.ErrNotFound
	}

	return d, nil
}

func (s *Store) GetDiscountForUpdate(ctx context.Context, id int64) (repository.Discount, error) {
	return s.GetDiscountByID(ctx, id)
}

func (s *Store) CreateDiscount(_ context.Context, d repository.Discount) (repository.Discount, error) {
	if err := s.lock("CreateDiscount"); err != nil {
		return repository.Discount{}, err
	}
	defer s.mu.Unlock()

	if d.Code.Valid {
		for _, existing := range s.data.discounts {
			if existing.Code.Valid && existing.Code.String == d.Code.String {
				return repository.Discount{}, alreadyExists("discounts_code_key")
			}
		}
	}

	t := now()
	d.ID = s.nextID()
	d.CreatedAt = t
	d.UpdatedAt = t
	s.data.discounts[d.ID] = d

	return d, nil
}

func (s *Store) CountDiscountRedemptions(_ context.Context, discountID int64) (int64, error) {
	if err := s.lock("CountDiscountRedemptions"); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	var count int64
	for _, r := range s.data.redemptions {
		if r.DiscountID == discountID {
			count++
		}
	}

	return count, nil
}

func (s *Store) CountClientDiscountRedemptions(_ context.Context, discountID, clientID int64) (int64, error) {
	if err := s.lock("CountClientDiscountRedemptions"); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	var count int64
	for _, r := range s.data.redemptions {
		if r.DiscountID == discountID && r.ClientID == clientID {
			count++
		}
	}

	return count, nil
}

func (s *Store) CreateDiscountRedemption(_ context.Context, r repository.DiscountRedemption) (repository.DiscountRedemption, error) {
	if err := s.lock("CreateDiscountRedemption"); err != nil {
		return repository.DiscountRedemption{}, err
	}
	defer s.mu.Unlock()

	r.ID = s.nextID()
	r.CreatedAt = now()
	s.data.redemptions = append(s.data.redemptions, r)

	return r, nil
}

func (s *Store) Redemptions() []repository.DiscountRedemption {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]repository.DiscountRedemption(nil), s.data.redemptions...)
}
