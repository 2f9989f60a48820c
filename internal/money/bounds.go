package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// QuantityPlaces is the number of fractional digits stored on quantities.
const QuantityPlaces int32 = 4

// MaxMagnitude is the exclusive bound on stored quantities and prices. It is
// the range of NUMERIC(18,4), the narrowest column either value reaches once
// it is booked as stock at a unit cost.
var MaxMagnitude = decimal.New(1, 14)

// CheckQuantity returns an error describing why q cannot be stored as a
// quantity, or nil.
func CheckQuantity(q decimal.Decimal) error {
	return check(q, QuantityPlaces)
}

// CheckAmount returns an error describing why a cannot be stored as a price
// or amount, or nil. VND amounts are whole numbers.
func CheckAmount(a decimal.Decimal) error {
	return check(a, CurrencyPlaces)
}

func check(d decimal.Decimal, places int32) error {
	if !d.Equal(d.Truncate(places)) {
		if places == 0 {
			return errors.New("must be a whole number")
		}
		return fmt.Errorf("must have at most %d decimal places", places)
	}
	if d.Abs().GreaterThanOrEqual(MaxMagnitude) {
		return fmt.Errorf("must be less than %s", MaxMagnitude)
	}
	return nil
}
