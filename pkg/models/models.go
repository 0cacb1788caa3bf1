package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account represents a user's single-currency ledger account.
// Balance and the running aggregates are mutated only by the ledger
// service, inside the same database transaction as the transaction-log
// insert. Version backs the optimistic concurrency check on every mutation.
type Account struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID        uuid.UUID       `json:"user_id" gorm:"type:uuid;uniqueIndex"`
	Balance       decimal.Decimal `json:"balance" gorm:"type:decimal(32,18);not null;default:0"`
	TotalIncome   decimal.Decimal `json:"total_income" gorm:"type:decimal(32,18);not null;default:0"`
	TotalSpent    decimal.Decimal `json:"total_spent" gorm:"type:decimal(32,18);not null;default:0"`
	TotalInvested decimal.Decimal `json:"total_invested" gorm:"type:decimal(32,18);not null;default:0"`
	TotalProfit   decimal.Decimal `json:"total_profit" gorm:"type:decimal(32,18);not null;default:0"`
	Version       int64           `json:"-" gorm:"not null;default:0"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Transaction is the append-only record of a balance-affecting event.
// Rows are immutable once they reach a terminal status; only pending
// rows (deposit/withdrawal submissions awaiting review) transition, and
// they transition exactly once.
type Transaction struct {
	ID            uuid.UUID         `json:"id" gorm:"primaryKey;type:uuid"`
	AccountID     uuid.UUID         `json:"account_id" gorm:"type:uuid;index"`
	Type          TransactionType   `json:"type" gorm:"type:varchar(32);index;not null"`
	Amount        decimal.Decimal   `json:"amount" gorm:"type:decimal(32,18);not null"`
	Status        TransactionStatus `json:"status" gorm:"type:varchar(16);index;not null"`
	Description   string            `json:"description" gorm:"type:varchar(500)"`
	BalanceBefore decimal.Decimal   `json:"balance_before" gorm:"type:decimal(32,18);not null"`
	BalanceAfter  decimal.Decimal   `json:"balance_after" gorm:"type:decimal(32,18);not null"`
	// Payload carries type-specific details (wallet address, bank details,
	// proof reference, position/allocation reference) as JSON text.
	Payload string `json:"payload,omitempty" gorm:"type:text"`
	// HoldKey holds the account id while an escrow debit is pending and is
	// cleared on resolution; its unique index guarantees at most one
	// unresolved withdrawal per account, even under concurrent submissions.
	HoldKey      *string    `json:"-" gorm:"type:varchar(64);uniqueIndex"`
	RejectReason string     `json:"reject_reason,omitempty" gorm:"type:varchar(500)"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// TransactionStatus is the lifecycle state of a Transaction.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusRejected  TransactionStatus = "rejected"
	StatusFailed    TransactionStatus = "failed"
)

// Terminal reports whether the status admits no further transition.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusFailed
}

// TransactionType is the closed set of balance-affecting event kinds.
type TransactionType string

const (
	TypeDeposit              TransactionType = "deposit"
	TypeWithdrawal           TransactionType = "withdrawal"
	TypeInvestment           TransactionType = "investment"
	TypeInvestmentReturn     TransactionType = "investment_return"
	TypeInvestmentCompletion TransactionType = "investment_completion"
	TypeCopyTradingReturn    TransactionType = "copy_trading_return"
	// TypeWithdrawalReversal books the credit that undoes a rejected
	// withdrawal's escrow debit.
	TypeWithdrawalReversal TransactionType = "withdrawal_reversal"
	// TypeCopyPrincipalReturn books the principal handed back when an
	// allocation stops; earnings use TypeCopyTradingReturn.
	TypeCopyPrincipalReturn TransactionType = "copy_principal_return"
)

// Direction is the sign a transaction type applies to the balance.
type Direction int

const (
	DirectionCredit Direction = 1
	DirectionDebit  Direction = -1
)

// Aggregate names the running total on Account a transaction type feeds.
type Aggregate string

const (
	AggregateNone     Aggregate = ""
	AggregateIncome   Aggregate = "total_income"
	AggregateSpent    Aggregate = "total_spent"
	AggregateInvested Aggregate = "total_invested"
	AggregateProfit   Aggregate = "total_profit"
)

// TypeSpec describes how the ledger books a transaction type: which way
// the balance moves, which aggregate the amount feeds and with what sign,
// and whether the type goes through the pending-approval flow.
type TypeSpec struct {
	Direction        Direction
	Aggregate        Aggregate
	AggregateSign    int
	RequiresApproval bool
	// EscrowOnSubmit: balance is debited at submission time, before the
	// transaction resolves (withdrawals lock funds up front).
	EscrowOnSubmit bool
}

// typeSpecs is the single place a transaction kind is defined. Adding a
// kind is one entry here, not a search through the services.
var typeSpecs = map[TransactionType]TypeSpec{
	TypeDeposit:              {Direction: DirectionCredit, Aggregate: AggregateIncome, AggregateSign: 1, RequiresApproval: true},
	TypeWithdrawal:           {Direction: DirectionDebit, Aggregate: AggregateSpent, AggregateSign: 1, RequiresApproval: true, EscrowOnSubmit: true},
	TypeInvestment:           {Direction: DirectionDebit, Aggregate: AggregateInvested, AggregateSign: 1},
	TypeInvestmentReturn:     {Direction: DirectionCredit, Aggregate: AggregateProfit, AggregateSign: 1},
	TypeInvestmentCompletion: {Direction: DirectionCredit, Aggregate: AggregateNone},
	TypeCopyTradingReturn:    {Direction: DirectionCredit, Aggregate: AggregateProfit, AggregateSign: 1},
	TypeWithdrawalReversal:   {Direction: DirectionCredit, Aggregate: AggregateSpent, AggregateSign: -1},
	TypeCopyPrincipalReturn:  {Direction: DirectionCredit, Aggregate: AggregateNone},
}

// Spec returns the booking rules for a transaction type.
func (t TransactionType) Spec() (TypeSpec, bool) {
	spec, ok := typeSpecs[t]
	return spec, ok
}

// SignedAmount returns amount with the sign the type applies to balance.
func (t TransactionType) SignedAmount(amount decimal.Decimal) decimal.Decimal {
	spec, ok := typeSpecs[t]
	if !ok {
		return decimal.Zero
	}
	if spec.Direction == DirectionDebit {
		return amount.Neg()
	}
	return amount
}

// InvestmentPlan is an offer template. Positions snapshot the plan at
// creation time, so edits here never change running positions.
type InvestmentPlan struct {
	ID               uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Name             string          `json:"name" gorm:"type:varchar(100);not null"`
	MinimumAmount    decimal.Decimal `json:"minimum_amount" gorm:"type:decimal(32,18);not null"`
	MaximumAmount    decimal.Decimal `json:"maximum_amount" gorm:"type:decimal(32,18);not null"`
	DurationDays     int             `json:"duration_days" gorm:"not null"`
	PercentageReturn decimal.Decimal `json:"percentage_return" gorm:"type:decimal(10,4);not null"`
	DailyReturn      decimal.Decimal `json:"daily_return" gorm:"type:decimal(10,6);not null"`
	Active           bool            `json:"active" gorm:"not null;default:true"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// PositionStatus is the lifecycle state of an InvestmentPosition.
type PositionStatus string

const (
	PositionActive    PositionStatus = "active"
	PositionCompleted PositionStatus = "completed"
)

// InvestmentPosition is one invest action: principal debited up front,
// profit accrued daily, principal plus any profit shortfall credited back
// at completion.
type InvestmentPosition struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	AccountID uuid.UUID `json:"account_id" gorm:"type:uuid;index"`
	PlanID    uuid.UUID `json:"plan_id" gorm:"type:uuid;index"`

	// Plan snapshot, copied at creation.
	PlanName         string          `json:"plan_name" gorm:"type:varchar(100)"`
	MinimumAmount    decimal.Decimal `json:"minimum_amount" gorm:"type:decimal(32,18);not null"`
	MaximumAmount    decimal.Decimal `json:"maximum_amount" gorm:"type:decimal(32,18);not null"`
	DurationDays     int             `json:"duration_days" gorm:"not null"`
	PercentageReturn decimal.Decimal `json:"percentage_return" gorm:"type:decimal(10,4);not null"`
	DailyReturn      decimal.Decimal `json:"daily_return" gorm:"type:decimal(10,6);not null"`

	Amount         decimal.Decimal `json:"amount" gorm:"type:decimal(32,18);not null"`
	ExpectedReturn decimal.Decimal `json:"expected_return" gorm:"type:decimal(32,18);not null"`
	TotalProfit    decimal.Decimal `json:"total_profit" gorm:"type:decimal(32,18);not null;default:0"`
	Status         PositionStatus  `json:"status" gorm:"type:varchar(16);index;not null"`
	StartDate      time.Time       `json:"start_date"`
	EndDate        time.Time       `json:"end_date"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// InvestmentAccrual is the idempotency record for one (position, day)
// profit credit. The unique index is what makes a retried daily job a
// no-op rather than a double payment.
type InvestmentAccrual struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	PositionID  uuid.UUID       `json:"position_id" gorm:"type:uuid;uniqueIndex:idx_position_day"`
	AccrualDate string          `json:"accrual_date" gorm:"type:varchar(10);uniqueIndex:idx_position_day"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:decimal(32,18);not null"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AllocationStatus is the lifecycle state of a CopyAllocation.
type AllocationStatus string

const (
	AllocationActive  AllocationStatus = "active"
	AllocationStopped AllocationStatus = "stopped"
)

// CopyAllocation is a user's commitment of funds to a copied trader.
// ActiveKey holds the account id while the allocation is active and is
// cleared on stop; its unique index is the storage-level guarantee that
// an account never holds two active allocations, even under concurrent
// Start calls.
type CopyAllocation struct {
	ID              uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid"`
	AccountID       uuid.UUID        `json:"account_id" gorm:"type:uuid;index"`
	TraderID        string           `json:"trader_id" gorm:"type:varchar(64);not null"`
	TraderName      string           `json:"trader_name" gorm:"type:varchar(100)"`
	AllocatedAmount decimal.Decimal  `json:"allocated_amount" gorm:"type:decimal(32,18);not null"`
	TotalEarned     decimal.Decimal  `json:"total_earned" gorm:"type:decimal(32,18);not null;default:0"`
	Status          AllocationStatus `json:"status" gorm:"type:varchar(16);index;not null"`
	ActiveKey       *string          `json:"-" gorm:"type:varchar(64);uniqueIndex"`
	StartDate       time.Time        `json:"start_date"`
	StoppedDate     *time.Time       `json:"stopped_date,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// CopyAccrual is the idempotency record for one (allocation, period)
// earnings credit.
type CopyAccrual struct {
	ID           uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	AllocationID uuid.UUID       `json:"allocation_id" gorm:"type:uuid;uniqueIndex:idx_allocation_period"`
	Period       string          `json:"period" gorm:"type:varchar(20);uniqueIndex:idx_allocation_period"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:decimal(32,18);not null"`
	CreatedAt    time.Time       `json:"created_at"`
}
