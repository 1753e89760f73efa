// Package payment validates how a sale total is settled.
package payment

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"possale/backend/internal/apperror"
	"possale/backend/internal/domain"
)

// Tolerance is the absolute rounding slack accepted when comparing amounts.
var Tolerance = decimal.NewFromFloat(0.01)

// Validate checks a single method or a split against total and returns the
// resulting payment variant. A split with at most one entry is treated as a
// single-method payment.
func Validate(total decimal.Decimal, method string, splits []domain.Allocation) (domain.Payment, error) {
	if len(splits) > 1 {
		return validateSplit(total, splits)
	}

	method = normalizeMethod(method)
	if method == "" && len(splits) == 1 {
		method = normalizeMethod(splits[0].Method)
	}
	if !domain.IsPaymentMethod(method) {
		return domain.Payment{}, apperror.Validation(apperror.CodeInvalidPaymentMethod, fmt.Sprintf("invalid payment method %q", method))
	}
	return domain.SinglePayment(method), nil
}

func validateSplit(total decimal.Decimal, splits []domain.Allocation) (domain.Payment, error) {
	normalized := make([]domain.Allocation, 0, len(splits))
	sum := decimal.Zero
	for _, split := range splits {
		method := normalizeMethod(split.Method)
		if !domain.IsPaymentMethod(method) {
			return domain.Payment{}, apperror.Validation(apperror.CodeInvalidPaymentMethod, fmt.Sprintf("invalid payment method %q", split.Method))
		}
		if !split.Amount.IsPositive() {
			return domain.Payment{}, apperror.Validation(apperror.CodeInvalidPaymentAmount, fmt.Sprintf("amount for %s must be greater than zero", method))
		}
		if !domain.FitsPlaces(split.Amount, domain.MoneyPlaces) {
			return domain.Payment{}, apperror.Validation(apperror.CodeInvalidPaymentAmount, fmt.Sprintf("amount for %s allows at most 2 decimals", method))
		}
		sum = sum.Add(split.Amount)
		normalized = append(normalized, domain.Allocation{Method: method, Amount: split.Amount})
	}

	if !WithinTolerance(sum, total) {
		return domain.Payment{}, apperror.Conflict(
			apperror.CodePaymentAmountMismatch,
			fmt.Sprintf("payment methods add up to %s but the total is %s", sum.StringFixed(2), total.StringFixed(2)),
		).WithStatus(http.StatusBadRequest)
	}
	return domain.SplitPayment(normalized), nil
}

// WithinTolerance reports whether |a-b| <= Tolerance.
func WithinTolerance(a decimal.Decimal, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

func normalizeMethod(method string) string {
	return strings.ToLower(strings.TrimSpace(method))
}
