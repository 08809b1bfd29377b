package discount

import (
	"time"

	"github.com/freelancehub/creditengine/internal/db/repository"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

var hundred = decimal.NewFromInt(100)

// HolidayMultiplier returns the multiplier of the strongest rule matching
// at, or 1 when none does. Recurring rules match on month and day only.
func HolidayMultiplier(rules []repository.HolidayRule, at time.Time) (decimal.Decimal, bool) {
	day := at.Format(dateLayout)
	multiplier := decimal.NewFromInt(1)
	matched := false

	for _, rule := range rules {
		hit := rule.Date == day
		if rule.Recurring && len(rule.Date) == len(dateLayout) {
			hit = rule.Date[5:] == day[5:]
		}

		if hit && (!matched || rule.Multiplier.GreaterThan(multiplier)) {
			multiplier = rule.Multiplier
			matched = true
		}
	}

	return multiplier, matched
}

// Price applies a to amount. The reduction is capped by MaxDiscount and by
// amount, then truncated to the given decimal places so the provider never
// gives away a fraction.
func Price(a Applicable, amount decimal.Decimal, places int32) Quote {
	var reduction decimal.Decimal

	switch a.Discount.Type {
	case repository.DiscountTypePercent:
		reduction = amount.Mul(a.EffectiveValue).Div(hundred)
	case repository.DiscountTypeFixed:
		reduction = a.EffectiveValue
	}

	if a.Discount.MaxDiscount.Valid && reduction.GreaterThan(a.Discount.MaxDiscount.Decimal) {
		reduction = a.Discount.MaxDiscount.Decimal
	}

	if reduction.GreaterThan(amount) {
		reduction = amount
	}

	if reduction.IsNegative() {
		reduction = decimal.Zero
	}

	reduction = reduction.Truncate(places)

	return Quote{
		DiscountID: a.Discount.ID,
		Amount:     amount,
		Reduction:  reduction,
		Final:      amount.Sub(reduction),
	}
}
