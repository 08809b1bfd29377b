package ledger

import (
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
)

// The referral pool is the set of ACTIVE referral credits of a subscription.
// referral_credits_used is the draw against that pool. The draw is attributed
// to credits soonest-to-expire first; when a credit leaves the pool its
// attributed draw leaves the counter with it.

// attribute splits used over credits, which must be sorted soonest-to-expire
// first. Any excess beyond the pool total is not attributed.
func attribute(credits []repository.ReferralCredit, used int64) map[int64]int64 {
	draws := make(map[int64]int64, len(credits))

	for _, rc := range credits {
		if used <= 0 {
			break
		}

		take := min(rc.CreditAmount, used)
		draws[rc.ID] = take
		used -= take
	}

	return draws
}

// poolView is the settled state of a referral pool at a given instant.
type poolView struct {
	live     []repository.ReferralCredit
	expired  []repository.ReferralCredit
	draws    map[int64]int64
	released int64
	total    int64
	used     int64
}

func settle(credits []repository.ReferralCredit, used int64, at time.Time) poolView {
	view := poolView{draws: attribute(credits, used), used: used}

	for _, rc := range credits {
		if rc.ExpiresAt.After(at) {
			view.live = append(view.live, rc)
			view.total += rc.CreditAmount
			continue
		}

		view.expired = append(view.expired, rc)
		view.released += view.draws[rc.ID]
	}

	view.used -= view.released

	return view
}

func (v poolView) available() int64 {
	return max(v.total-v.used, 0)
}

// firstDrawn returns the live credit that absorbs the first credit of a new
// draw of amount on top of the current one.
func (v poolView) firstDrawn(amount int64) (int64, bool) {
	if amount <= 0 {
		return 0, false
	}

	before := attribute(v.live, v.used)
	after := attribute(v.live, v.used+amount)

	for _, rc := range v.live {
		if after[rc.ID] > before[rc.ID] {
			return rc.ID, true
		}
	}

	return 0, false
}
