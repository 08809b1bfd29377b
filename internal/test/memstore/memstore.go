// Package memstore is an in-memory stand-in for repository.Store used by
// service tests. Transactions are serialized and roll back every write made
// inside them when fn returns an error.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/pkg/errors"
)

type txKey struct{}

var errCheckViolation = errors.New("check constraint violated: usage must not be negative")

type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex

	data   data
	failOn map[string]error
}

type data struct {
	seq int64

	clients         map[int64]repository.Client
	plans           map[string]repository.Plan
	creditValues    map[string]repository.CreditValue
	subscriptions   map[int64]repository.Subscription
	history         []repository.SubscriptionHistory
	referralCredits map[int64]repository.ReferralCredit
	consumptions    []repository.CreditConsumption
	discounts       map[int64]repository.Discount
	redemptions     []repository.DiscountRedemption
	referrals       map[int64]repository.Referral
	clicks          []repository.ReferralClick
	analytics       map[int64]repository.ReferralAnalytics
	creditTxs       []repository.CreditTransaction
}

func New() *Store {
	return &Store{
		data: data{
			clients:         map[int64]repository.Client{},
			plans:           map[string]repository.Plan{},
			creditValues:    map[string]repository.CreditValue{},
			subscriptions:   map[int64]repository.Subscription{},
			referralCredits: map[int64]repository.ReferralCredit{},
			discounts:       map[int64]repository.Discount{},
			referrals:       map[int64]repository.Referral{},
			analytics:       map[int64]repository.ReferralAnalytics{},
		},
		failOn: map[string]error{},
	}
}

// FailOn makes every subsequent call of the named method return err.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn[method] = err
}

func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()

		return err
	}

	return nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

// lock acquires the data mutex and reports an injected failure for method.
func (s *Store) lock(method string) error {
	s.mu.Lock()
	if err := s.failOn[method]; err != nil {
		s.mu.Unlock()
		return err
	}

	return nil
}

func (s *Store) nextID() int64 {
	s.data.seq++
	return s.data.seq
}

func (d data) clone() data {
	c := data{
		seq:             d.seq,
		clients:         make(map[int64]repository.Client, len(d.clients)),
		plans:           make(map[string]repository.Plan, len(d.plans)),
		creditValues:    make(map[string]repository.CreditValue, len(d.creditValues)),
		subscriptions:   make(map[int64]repository.Subscription, len(d.subscriptions)),
		history:         append([]repository.SubscriptionHistory(nil), d.history...),
		referralCredits: make(map[int64]repository.ReferralCredit, len(d.referralCredits)),
		consumptions:    append([]repository.CreditConsumption(nil), d.consumptions...),
		discounts:       make(map[int64]repository.Discount, len(d.discounts)),
		redemptions:     append([]repository.DiscountRedemption(nil), d.redemptions...),
		referrals:       make(map[int64]repository.Referral, len(d.referrals)),
		clicks:          append([]repository.ReferralClick(nil), d.clicks...),
		analytics:       make(map[int64]repository.ReferralAnalytics, len(d.analytics)),
		creditTxs:       append([]repository.CreditTransaction(nil), d.creditTxs...),
	}

	for k, v := range d.clients {
		c.clients[k] = v
	}
	for k, v := range d.plans {
		c.plans[k] = v
	}
	for k, v := range d.creditValues {
		c.creditValues[k] = v
	}
	for k, v := range d.subscriptions {
		c.subscriptions[k] = v
	}
	for k, v := range d.referralCredits {
		c.referralCredits[k] = v
	}
	for k, v := range d.discounts {
		c.discounts[k] = v
	}
	for k, v := range d.referrals {
		c.referrals[k] = v
	}
	for k, v := range d.analytics {
		c.analytics[k] = v
	}

	return c
}

func alreadyExists(constraint string) error {
	return errors.Wrap(repository.ErrAlreadyExists, constraint)
}

func now() time.Time {
	return time.Now()
}
