package payment

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possale/backend/internal/apperror"
	"possale/backend/internal/domain"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestValidateSingleMethod(t *testing.T) {
	p, err := Validate(dec("121.00"), " Cash ", nil)
	require.NoError(t, err)
	assert.False(t, p.IsSplit())
	assert.Equal(t, domain.PaymentCash, p.Method())

	allocs := p.Allocations(dec("121.00"))
	require.Len(t, allocs, 1)
	assert.True(t, allocs[0].Amount.Equal(dec("121")))
}

func TestValidateRejectsUnknownMethod(t *testing.T) {
	for _, method := range []string{"", "bitcoin", "multiple"} {
		_, err := Validate(dec("10"), method, nil)
		require.Error(t, err, method)
		assert.Equal(t, apperror.CodeInvalidPaymentMethod, apperror.CodeOf(err), method)
	}
}

func TestValidateSingleEntrySplitIsSingle(t *testing.T) {
	p, err := Validate(dec("50"), "", []domain.Allocation{{Method: "bank_transfer", Amount: dec("50")}})
	require.NoError(t, err)
	assert.False(t, p.IsSplit())
	assert.Equal(t, domain.PaymentBankTransfer, p.Method())

	// the explicit method field wins over a lone allocation
	p, err = Validate(dec("50"), "credit_card", []domain.Allocation{{Method: "cash", Amount: dec("10")}})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentCreditCard, p.Method())
}

func TestValidateSplit(t *testing.T) {
	p, err := Validate(dec("150.00"), "ignored", []domain.Allocation{
		{Method: "cash", Amount: dec("50.00")},
		{Method: "on_account", Amount: dec("100.00")},
	})
	require.NoError(t, err)
	assert.True(t, p.IsSplit())
	assert.Equal(t, domain.PaymentMultiple, p.Method())
	assert.True(t, p.Uses(domain.PaymentOnAccount))
	assert.True(t, p.AmountFor(domain.PaymentOnAccount, dec("150")).Equal(dec("100")))
	assert.Len(t, p.Splits(), 2)
}

func TestValidateSplitTolerance(t *testing.T) {
	splits := []domain.Allocation{
		{Method: "cash", Amount: dec("33.33")},
		{Method: "credit_card", Amount: dec("66.66")},
	}
	_, err := Validate(dec("100.00"), "", splits)
	require.NoError(t, err, "0.01 difference is within tolerance")

	_, err = Validate(dec("100.02"), "", splits)
	require.Error(t, err)
	assert.Equal(t, apperror.CodePaymentAmountMismatch, apperror.CodeOf(err))
	appErr, _ := apperror.From(err)
	assert.Equal(t, apperror.KindConflict, appErr.Kind)
	assert.Equal(t, 400, appErr.HTTPStatus())
}

func TestValidateSplitRejectsBadEntries(t *testing.T) {
	_, err := Validate(dec("20"), "", []domain.Allocation{
		{Method: "cash", Amount: dec("10")},
		{Method: "voucher", Amount: dec("10")},
	})
	assert.Equal(t, apperror.CodeInvalidPaymentMethod, apperror.CodeOf(err))

	_, err = Validate(dec("20"), "", []domain.Allocation{
		{Method: "cash", Amount: dec("20")},
		{Method: "credit_card", Amount: dec("0")},
	})
	assert.Equal(t, apperror.CodeInvalidPaymentAmount, apperror.CodeOf(err))

	_, err = Validate(dec("20"), "", []domain.Allocation{
		{Method: "cash", Amount: dec("25")},
		{Method: "credit_card", Amount: dec("-5")},
	})
	assert.Equal(t, apperror.CodeInvalidPaymentAmount, apperror.CodeOf(err))
}

func TestWithinTolerance(t *testing.T) {
	assert.True(t, WithinTolerance(dec("121.00"), dec("121.01")))
	assert.True(t, WithinTolerance(dec("121.01"), dec("121.00")))
	assert.False(t, WithinTolerance(dec("121.00"), dec("121.011")))
}

func TestValidateSplitRejectsSubCentAmounts(t *testing.T) {
	_, err := Validate(dec("10"), "", []domain.Allocation{
		{Method: "cash", Amount: dec("4.995")},
		{Method: "credit_card", Amount: dec("5.005")},
	})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeInvalidPaymentAmount, apperror.CodeOf(err))

	_, err = Validate(dec("10"), "", []domain.Allocation{
		{Method: "cash", Amount: dec("4.500")},
		{Method: "credit_card", Amount: dec("5.50")},
	})
	require.NoError(t, err, "trailing zeros are not extra precision")
}
