package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryTypeHasASpec(t *testing.T) {
	for _, typ := range []TransactionType{
		TypeDeposit, TypeWithdrawal, TypeInvestment, TypeInvestmentReturn,
		TypeInvestmentCompletion, TypeCopyTradingReturn,
		TypeWithdrawalReversal, TypeCopyPrincipalReturn,
	} {
		spec, ok := typ.Spec()
		require.True(t, ok, "type %s", typ)
		if spec.Aggregate != AggregateNone {
			assert.NotZero(t, spec.AggregateSign, "type %s", typ)
		}
	}

	_, ok := TransactionType("made_up").Spec()
	assert.False(t, ok)
}

func TestSignedAmountFollowsDirection(t *testing.T) {
	amount := decimal.RequireFromString("42")

	assert.True(t, TypeDeposit.SignedAmount(amount).Equal(amount))
	assert.True(t, TypeWithdrawal.SignedAmount(amount).Equal(amount.Neg()))
	assert.True(t, TypeInvestment.SignedAmount(amount).Equal(amount.Neg()))
	assert.True(t, TypeWithdrawalReversal.SignedAmount(amount).Equal(amount))
	assert.True(t, TransactionType("made_up").SignedAmount(amount).IsZero())
}

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestWithdrawalReversalUndoesSpentAggregate(t *testing.T) {
	withdrawal, _ := TypeWithdrawal.Spec()
	reversal, _ := TypeWithdrawalReversal.Spec()

	assert.Equal(t, withdrawal.Aggregate, reversal.Aggregate)
	assert.Equal(t, -withdrawal.AggregateSign, reversal.AggregateSign)
}
