package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/google/uuid"
)

func (s *Store) CreateReferral(_ context.Context, r repository.Referral) (repository.Referral, error) {
	if err := s.lock("CreateReferral"); err != nil {
		return repository.Referral{}, err
	}
	defer s.mu.Unlock()

	for _, existing := range s.data.referrals {
		if r.IPAddress == "" && existing.IPAddress == "" && existing.ReferralCode == r.ReferralCode {
			return repository.Referral{}, alreadyExists("referrals_link_code_key")
		}
		if r.IPAddress != "" && existing.IPAddress == r.IPAddress && existing.ReferringClientID == r.ReferringClientID {
			return repository.Referral{}, alreadyExists("referrals_client_ip_key")
		}
	}

	t := now()
	r.ID = s.nextID()
	r.UUID = uuid.New()
	r.CreatedAt = t
	r.UpdatedAt = t
	s.data.referrals[r.ID] = r

	return r, nil
}

func (s *Store) GetReferralLinkByCode(_ context.Context, code string) (repository.Referral, error) {
	if err := s.lock("GetReferralLinkByCode"); err != nil {
		return repository.Referral{}, err
	}
	defer s.mu.Unlock()

	for _, r := range s.data.referrals {
		if r.ReferralCode == code && r.IPAddress == "" {
			return r, nil
		}
	}

	return repository.Referral{}, repository.ErrNotFound
}

func (s *Store) GetReferralByClientAndIP(_ context.Context, clientID int64, ip string) (repository.Referral, error) {
	if err := s.lock("GetReferralByClientAndIP"); err != nil {
		return repository.Referral{}, err
	}
	defer s.mu.Unlock()

	for _, r := range s.data.referrals {
		if r.ReferringClientID == clientID && r.IPAddress == ip {
			return r, nil
		}
	}

	return repository.Referral{}, repository.ErrNotFound
}

func (s *Store) HasCompletedReferral(_ context.Context, referringClientID, referredClientID int64) (bool, error) {
	if err := s.lock("HasCompletedReferral"); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	return s.completedPairExists(0, referringClientID, referredClientID), nil
}

func (s *Store) completedPairExists(exceptID, referringClientID, referredClientID int64) bool {
	for _, r := range s.data.referrals {
		if r.ID != exceptID && r.IsCompleted && r.ReferringClientID == referringClientID &&
			r.ReferredClientID.Valid && r.ReferredClientID.Int64 == referredClientID {
			return true
		}
	}

	return false
}

func (s *Store) GetReferralByID(_ context.Context, id int64) (repository.Referral, error) {
	if err := s.lock("GetReferralByID"); err != nil {
		return repository.Referral{}, err
	}
	defer s.mu.Unlock()

	r, ok := s.data.referrals[id]
	if !ok {
		return repository.Referral{}, repository.ErrNotFound
	}

	return r, nil
}

func (s *Store) GetReferralForUpdate(ctx context.Context, id int64) (repository.Referral, error) {
	return s.GetReferralByID(ctx, id)
}

func (s *Store) ListReferralsByClient(_ context.Context, clientID int64) ([]repository.Referral, error) {
	if err := s.lock("ListReferralsByClient"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var referrals []repository.Referral
	for _, r := range s.data.referrals {
		if r.ReferringClientID == clientID {
			referrals = append(referrals, r)
		}
	}

	sort.Slice(referrals, func(i, j int) bool { return referrals[i].ID > referrals[j].ID })

	return referrals, nil
}

func (s *Store) UpdateReferral(_ context.Context, r repository.Referral) (repository.Referral, error) {
	if err := s.lock("UpdateReferral"); err != nil {
		return repository.Referral{}, err
	}
	defer s.mu.Unlock()

	existing, ok := s.data.referrals[r.ID]
	if !ok {
		return repository.Referral{}, repository.ErrNotFound
	}

	if r.IsCompleted && r.ReferredClientID.Valid &&
		s.completedPairExists(r.ID, existing.ReferringClientID, r.ReferredClientID.Int64) {
		return repository.Referral{}, alreadyExists("referrals_completed_pair_key")
	}

	existing.ReferredClientID = r.ReferredClientID
	existing.Status = r.Status
	existing.IsCompleted = r.IsCompleted
	existing.DiscountApplied = r.DiscountApplied
	existing.RewardsEarned = r.RewardsEarned
	existing.LinkClicks = r.LinkClicks
	existing.Signups = r.Signups
	existing.LastClickedAt = r.LastClickedAt
	existing.CompletedAt = r.CompletedAt
	existing.UpdatedAt = now()
	s.data.referrals[r.ID] = existing

	return existing, nil
}

func (s *Store) CreateReferralClick(_ context.Context, c repository.ReferralClick) (repository.ReferralClick, error) {
	if err := s.lock("CreateReferralClick"); err != nil {
		return repository.ReferralClick{}, err
	}
	defer s.mu.Unlock()

	c.ID = s.nextID()
	s.data.clicks = append(s.data.clicks, c)

	return c, nil
}

func (s *Store) CountClicksSince(_ context.Context, referringClientID int64, since time.Time) (int64, error) {
	if err := s.lock("CountClicksSince"); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	var count int64
	for _, c := range s.data.clicks {
		if c.ReferringClientID == referringClientID && !c.ClickedAt.Before(since) {
			count++
		}
	}

	return count, nil
}

func (s *Store) ListClickCountriesSince(_ context.Context, referringClientID int64, since time.Time) ([]string, error) {
	if err := s.lock("ListClickCountriesSince"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	seen := map[string]bool{}
	var countries []string
	for _, c := range s.data.clicks {
		if c.ReferringClientID != referringClientID || c.ClickedAt.Before(since) || c.Country == "" || seen[c.Country] {
			continue
		}
		seen[c.Country] = true
		countries = append(countries, c.Country)
	}

	return countries, nil
}

func (s *Store) GetLatestUnconvertedClick(_ context.Context, referralID int64) (repository.ReferralClick, error) {
	if err := s.lock("GetLatestUnconvertedClick"); err != nil {
		return repository.ReferralClick{}, err
	}
	defer s.mu.Unlock()

	var (
		latest repository.ReferralClick
		found  bool
	)
	for _, c := range s.data.clicks {
		if c.ReferralID != referralID || c.Converted {
			continue
		}
		if !found || c.ClickedAt.After(latest.ClickedAt) || (c.ClickedAt.Equal(latest.ClickedAt) && c.ID > latest.ID) {
			latest, found = c, true
		}
	}

	if !found {
		return repository.ReferralClick{}, repository.ErrNotFound
	}

	return latest, nil
}

func (s *Store) MarkClickConverted(_ context.Context, clickID int64) error {
	if err := s.lock("MarkClickConverted"); err != nil {
		return err
	}
	defer s.mu.Unlock()

	for i := range s.data.clicks {
		if s.data.clicks[i].ID == clickID {
			s.data.clicks[i].Converted = true
		}
	}

	return nil
}

func (s *Store) UpsertReferralAnalytics(_ context.Context, a repository.ReferralAnalytics) (repository.ReferralAnalytics, error) {
	if err := s.lock("UpsertReferralAnalytics"); err != nil {
		return repository.ReferralAnalytics{}, err
	}
	defer s.mu.Unlock()

	a.UpdatedAt = now()
	s.data.analytics[a.ReferralID] = a

	return a, nil
}

func (s *Store) GetReferralAnalytics(_ context.Context, referralID int64) (repository.ReferralAnalytics, error) {
	if err := s.lock("GetReferralAnalytics"); err != nil {
		return repository.ReferralAnalytics{}, err
	}
	defer s.mu.Unlock()

	a, ok := s.data.analytics[referralID]
	if !ok {
		return repository.ReferralAnalytics{}, repository.ErrNotFound
	}

	return a, nil
}

func (s *Store) ListStaleReferralIDs(_ context.Context, limit int) ([]int64, error) {
	if err := s.lock("ListStaleReferralIDs"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var ids []int64
	for id, r := range s.data.referrals {
		a, ok := s.data.analytics[id]
		if !ok || a.UpdatedAt.Before(r.UpdatedAt) {
			ids = append(ids, id)
		}
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	return ids, nil
}

func (s *Store) CreateCreditTransaction(_ context.Context, t repository.CreditTransaction) (repository.CreditTransaction, error) {
	if err := s.lock("CreateCreditTransaction"); err != nil {
		return repository.CreditTransaction{}, err
	}
	defer s.mu.Unlock()

	t.ID = s.nextID()
	t.CreatedAt = now()
	s.data.creditTxs = append(s.data.creditTxs, t)

	return t, nil
}

func (s *Store) Clicks() []repository.ReferralClick {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]repository.ReferralClick(nil), s.data.clicks...)
}

func (s *Store) CreditTransactions() []repository.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]repository.CreditTransaction(nil), s.data.creditTxs...)
}
