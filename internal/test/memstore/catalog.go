package memstore

import (
	"context"
	"sort"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/google/uuid"
)

// AddClient registers an external client row and returns it with an id.
func (s *Store) AddClient(c repository.Client) repository.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == 0 {
		c.ID = s.nextID()
	}
	if c.UUID == uuid.Nil {
		c.UUID = uuid.New()
	}
	c.CreatedAt = now()
	s.data.clients[c.ID] = c

	return c
}

func (s *Store) GetClientByID(_ context.Context, id int64) (repository.Client, error) {
	if err := s.lock("GetClientByID"); err != nil {
		return repository.Client{}, err
	}
	defer s.mu.Unlock()

	c, ok := s.data.clients[id]
	if !ok {
		return repository.Client{}, repository.ErrNotFound
	}

	return c, nil
}

func (s *Store) GetPlanByID(_ context.Context, id string) (repository.Plan, error) {
	if err := s.lock("GetPlanByID"); err != nil {
		return repository.Plan{}, err
	}
	defer s.mu.Unlock()

	p, ok := s.data.plans[id]
	if !ok {
		return repository.Plan{}, repository.ErrNotFound
	}

	return p, nil
}

func (s *Store) ListPlans(_ context.Context, activeOnly bool) ([]repository.Plan, error) {
	if err := s.lock("ListPlans"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var plans []repository.Plan
	for _, p := range s.data.plans {
		if activeOnly && !p.IsActive {
			continue
		}
		plans = append(plans, p)
	}

	sort.Slice(plans, func(i, j int) bool { return plans[i].Credits < plans[j].Credits })

	return plans, nil
}

func (s *Store) UpsertPlan(_ context.Context, plan repository.Plan) (repository.Plan, error) {
	if err := s.lock("UpsertPlan"); err != nil {
		return repository.Plan{}, err
	}
	defer s.mu.Unlock()

	t := now()
	if existing, ok := s.data.plans[plan.ID]; ok {
		plan.CreatedAt = existing.CreatedAt
	} else {
		plan.CreatedAt = t
	}
	plan.UpdatedAt = t
	s.data.plans[plan.ID] = plan

	return plan, nil
}

func (s *Store) GetCreditValueByServiceType(_ context.Context, serviceType string) (repository.CreditValue, error) {
	if err := s.lock("GetCreditValueByServiceType"); err != nil {
		return repository.CreditValue{}, err
	}
	defer s.mu.Unlock()

	cv, ok := s.data.creditValues[serviceType]
	if !ok {
		return repository.CreditValue{}, repository.ErrNotFound
	}

	return cv, nil
}

func (s *Store) ListCreditValues(_ context.Context, activeOnly bool) ([]repository.CreditValue, error) {
	if err := s.lock("ListCreditValues"); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var values []repository.CreditValue
	for _, cv := range s.data.creditValues {
		if activeOnly && !cv.IsActive {
			continue
		}
		values = append(values, cv)
	}

	sort.Slice(values, func(i, j int) bool { return values[i].ServiceType < values[j].ServiceType })

	return values, nil
}

func (s *Store) UpsertCreditValue(_ context.Context, cv repository.CreditValue) (repository.CreditValue, error) {
	if err := s.lock("UpsertCreditValue"); err != nil {
		return repository.CreditValue{}, err
	}
	defer s.mu.Unlock()

	t := now()
	if existing, ok := s.data.creditValues[cv.ServiceType]; ok {
		cv.ID = existing.ID
		cv.CreatedAt = existing.CreatedAt
	} else {
		cv.ID = s.nextID()
		cv.CreatedAt = t
	}
	cv.UpdatedAt = t
	s.data.creditValues[cv.ServiceType] = cv

	return cv, nil
}
