package domain

import "github.com/shopspring/decimal"

const (
	PaymentCash         = "cash"
	PaymentCreditCard   = "credit_card"
	PaymentBankTransfer = "bank_transfer"
	PaymentOnAccount    = "on_account"

	// PaymentMultiple is stored in Sale.PaymentMethod when the total is split.
	PaymentMultiple = "multiple"
)

var paymentLabels = map[string]string{
	PaymentCash:         "Cash",
	PaymentCreditCard:   "Credit card",
	PaymentBankTransfer: "Bank transfer",
	PaymentOnAccount:    "On account",
	PaymentMultiple:     "Multiple",
}

// PaymentMethodLabel returns the display label for a method token.
func PaymentMethodLabel(method string) string {
	if label, ok := paymentLabels[method]; ok {
		return label
	}
	return method
}

func IsPaymentMethod(method string) bool {
	switch method {
	case PaymentCash, PaymentCreditCard, PaymentBankTransfer, PaymentOnAccount:
		return true
	default:
		return false
	}
}

// Scales the datastore keeps: money in cents, quantities in thousandths.
const (
	MoneyPlaces    int32 = 2
	QuantityPlaces int32 = 3
)

// FitsPlaces reports whether d needs no more than places decimals.
func FitsPlaces(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Round(places))
}

type Allocation struct {
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
}

// Payment is either a single method settling the whole total or an ordered
// split of the total across several methods.
type Payment struct {
	method string
	splits []Allocation
}

func SinglePayment(method string) Payment {
	return Payment{method: method}
}

func SplitPayment(splits []Allocation) Payment {
	copied := make([]Allocation, len(splits))
	copy(copied, splits)
	return Payment{method: PaymentMultiple, splits: copied}
}

func (p Payment) IsSplit() bool {
	return len(p.splits) > 0
}

// Method is the value persisted in Sale.PaymentMethod.
func (p Payment) Method() string {
	return p.method
}

// Splits returns nil for a single-method payment.
func (p Payment) Splits() []Allocation {
	if !p.IsSplit() {
		return nil
	}
	copied := make([]Allocation, len(p.splits))
	copy(copied, p.splits)
	return copied
}

// Allocations expands the payment into one entry per method used, so a
// single-method payment yields one allocation carrying the full total.
// Zero-amount entries are dropped.
func (p Payment) Allocations(total decimal.Decimal) []Allocation {
	if !p.IsSplit() {
		return []Allocation{{Method: p.method, Amount: total}}
	}
	out := make([]Allocation, 0, len(p.splits))
	for _, split := range p.splits {
		if split.Amount.IsPositive() {
			out = append(out, split)
		}
	}
	return out
}

func (p Payment) Uses(method string) bool {
	if !p.IsSplit() {
		return p.method == method
	}
	for _, split := range p.splits {
		if split.Method == method {
			return true
		}
	}
	return false
}

// AmountFor sums the portion of total allocated to method.
func (p Payment) AmountFor(method string, total decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, alloc := range p.Allocations(total) {
		if alloc.Method == method {
			sum = sum.Add(alloc.Amount)
		}
	}
	return sum
}
