package referral

import (
	"fmt"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/samber/lo"
)

var transitions = map[repository.ReferralStatus][]repository.ReferralStatus{
	repository.ReferralStatusPending:   {repository.ReferralStatusCompleted},
	repository.ReferralStatusCompleted: {},
}

// Transition validates moving a referral from one status to another.
func Transition(from, to repository.ReferralStatus) error {
	if !lo.Contains(transitions[from], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}
