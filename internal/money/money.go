// Package money holds the derived-total rules shared by purchase orders,
// purchase returns and stock transfers.
//
// Amounts are VND, which has no minor unit, so currency precision is zero
// decimal places. Quantities keep their own precision.
package money

import "github.com/shopspring/decimal"

// CurrencyPlaces is the number of fractional digits kept on monetary values.
const CurrencyPlaces int32 = 0

// Line is a single product/quantity/price entry of any document.
type Line interface {
	LineQuantity() decimal.Decimal
	LineUnitPrice() decimal.Decimal
}

// ReceivedLine is a Line that also tracks a confirmed received quantity.
type ReceivedLine interface {
	Line
	LineReceived() decimal.Decimal
}

// LineTotal returns quantity × unit price at currency precision.
func LineTotal(l Line) decimal.Decimal {
	return l.LineQuantity().Mul(l.LineUnitPrice()).Round(CurrencyPlaces)
}

// TotalAmount sums LineTotal over every line.
func TotalAmount[L Line](lines []L) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(LineTotal(l))
	}
	return total
}

// FinalAmount applies a discount and floors the result at zero.
func FinalAmount(total, discount decimal.Decimal) decimal.Decimal {
	final := total.Sub(discount)
	if final.IsNegative() {
		return decimal.Zero
	}
	return final
}

// DebtAmount is what remains payable. Negative values mean overpayment.
func DebtAmount(final, paid decimal.Decimal) decimal.Decimal {
	return final.Sub(paid)
}

// TotalQuantity sums the ordered quantity of every line.
func TotalQuantity[L Line](lines []L) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.LineQuantity())
	}
	return total
}

// TotalReceived sums the received quantity of every line.
func TotalReceived[L ReceivedLine](lines []L) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.LineReceived())
	}
	return total
}

// Summary bundles the derived monetary fields of a document.
type Summary struct {
	TotalAmount decimal.Decimal `json:"total_amount"`
	Discount    decimal.Decimal `json:"discount"`
	FinalAmount decimal.Decimal `json:"final_amount"`
	PaidAmount  decimal.Decimal `json:"paid_amount"`
	DebtAmount  decimal.Decimal `json:"debt_amount"`
}

// Summarize computes every derived field for a set of lines.
func Summarize[L Line](lines []L, discount, paid decimal.Decimal) Summary {
	total := TotalAmount(lines)
	final := FinalAmount(total, discount)
	return Summary{
		TotalAmount: total,
		Discount:    discount,
		FinalAmount: final,
		PaidAmount:  paid,
		DebtAmount:  DebtAmount(final, paid),
	}
}
