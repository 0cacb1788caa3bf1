// Package ledger owns account balances and the append-only transaction
// log. Every balance mutation in the system goes through this package;
// the balance row update and the transaction-log insert always share one
// database transaction, serialized per account.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/altavest/ledgercore/internal/events"
	pkgerrors "github.com/altavest/ledgercore/pkg/errors"
	"github.com/altavest/ledgercore/pkg/metrics"
	"github.com/altavest/ledgercore/pkg/models"
)

// Service implements the account ledger and transaction log.
type Service struct {
	logger    *zap.Logger
	db        *gorm.DB
	publisher events.Publisher

	muMap     map[uuid.UUID]*sync.Mutex
	muMapLock sync.Mutex

	maxRetries   int
	retryBackoff time.Duration
}

// NewService creates a ledger service. publisher may be nil.
func NewService(logger *zap.Logger, db *gorm.DB, publisher events.Publisher) (*Service, error) {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Service{
		logger:       logger,
		db:           db,
		publisher:    publisher,
		muMap:        make(map[uuid.UUID]*sync.Mutex),
		maxRetries:   3,
		retryBackoff: 100 * time.Millisecond,
	}, nil
}

// accountMutex returns the serialization mutex for an account, creating
// it on first use.
func (s *Service) accountMutex(accountID uuid.UUID) *sync.Mutex {
	s.muMapLock.Lock()
	defer s.muMapLock.Unlock()
	mu, ok := s.muMap[accountID]
	if !ok {
		mu = &sync.Mutex{}
		s.muMap[accountID] = mu
	}
	return mu
}

// CreateAccount creates the ledger account for a user. Each user holds
// exactly one account; a second call for the same user fails.
func (s *Service) CreateAccount(ctx context.Context, userID string) (*models.Account, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return nil, pkgerrors.ErrNotFound.WithMessage("invalid user id %q", userID)
	}

	now := time.Now()
	account := &models.Account{
		ID:            uuid.New(),
		UserID:        uid,
		Balance:       decimal.Zero,
		TotalIncome:   decimal.Zero,
		TotalSpent:    decimal.Zero,
		TotalInvested: decimal.Zero,
		TotalProfit:   decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, pkgerrors.ErrAccountExists.WithMessage("account already exists for user %s", userID)
		}
		return nil, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	return account, nil
}

// GetAccount returns the account by id.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	aid, err := uuid.Parse(accountID)
	if err != nil {
		return nil, pkgerrors.ErrNotFound.WithMessage("unknown account %q", accountID)
	}
	var account models.Account
	if err := s.db.WithContext(ctx).Where("id = ?", aid).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound.WithMessage("unknown account %s", accountID)
		}
		return nil, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	return &account, nil
}

// GetAccountByUser returns the account owned by a user.
func (s *Service) GetAccountByUser(ctx context.Context, userID string) (*models.Account, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return nil, pkgerrors.ErrNotFound.WithMessage("invalid user id %q", userID)
	}
	var account models.Account
	if err := s.db.WithContext(ctx).Where("user_id = ?", uid).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound.WithMessage("no account for user %s", userID)
		}
		return nil, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	return &account, nil
}

// SnapshotBalance returns the latest committed balance. Mutations in
// flight are invisible: the read sees either the state before or after a
// booking, never a partially-applied one.
func (s *Service) SnapshotBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// GetTransactions lists the account's transaction history, newest first.
// Pending and rejected rows are included with their status visible.
func (s *Service) GetTransactions(ctx context.Context, accountID string, limit, offset int) ([]*models.Transaction, int64, error) {
	aid, err := uuid.Parse(accountID)
	if err != nil {
		return nil, 0, pkgerrors.ErrNotFound.WithMessage("unknown account %q", accountID)
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Transaction{}).Where("account_id = ?", aid).Count(&count).Error; err != nil {
		return nil, 0, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	var transactions []*models.Transaction
	if err := s.db.WithContext(ctx).Where("account_id = ?", aid).Order("created_at DESC").Limit(limit).Offset(offset).Find(&transactions).Error; err != nil {
		return nil, 0, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	return transactions, count, nil
}

// TxLedger is a booking handle scoped to one account's serialization
// lock and one database transaction. Engines use it to book ledger
// entries and their own rows in a single atomic unit.
type TxLedger struct {
	tx      *gorm.DB
	account *models.Account
	booked  []*models.Transaction
}

// DB exposes the enclosing database transaction.
func (l *TxLedger) DB() *gorm.DB { return l.tx }

// Account returns the account as loaded at the start of the atomic unit,
// kept current with bookings made through this handle.
func (l *TxLedger) Account() *models.Account { return l.account }

// Debit books a completed debit. Fails with InsufficientFunds when
// amount exceeds the balance, leaving no mutation behind.
func (l *TxLedger) Debit(amount decimal.Decimal, typ models.TransactionType, description string) (*models.Transaction, error) {
	spec, ok := typ.Spec()
	if !ok || spec.Direction != models.DirectionDebit {
		return nil, fmt.Errorf("transaction type %q is not a debit", typ)
	}
	return l.book(typ, amount, models.StatusCompleted, true, description, "")
}

// Credit books a completed credit.
func (l *TxLedger) Credit(amount decimal.Decimal, typ models.TransactionType, description string) (*models.Transaction, error) {
	spec, ok := typ.Spec()
	if !ok || spec.Direction != models.DirectionCredit {
		return nil, fmt.Errorf("transaction type %q is not a credit", typ)
	}
	return l.book(typ, amount, models.StatusCompleted, true, description, "")
}

// DebitHold books an escrow debit: the balance drops immediately but the
// transaction stays pending until resolved (withdrawal submissions). At
// most one escrow hold may be unresolved per account; the HoldKey unique
// index backs the check against writers outside this process.
func (l *TxLedger) DebitHold(amount decimal.Decimal, typ models.TransactionType, description, payload string) (*models.Transaction, error) {
	spec, ok := typ.Spec()
	if !ok || !spec.EscrowOnSubmit {
		return nil, fmt.Errorf("transaction type %q does not escrow on submit", typ)
	}

	var pending int64
	if err := l.tx.Model(&models.Transaction{}).
		Where("account_id = ? AND type = ? AND status = ?", l.account.ID, typ, models.StatusPending).
		Count(&pending).Error; err != nil {
		return nil, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	if pending > 0 {
		return nil, pkgerrors.ErrWithdrawalAlreadyPending
	}

	return l.book(typ, amount, models.StatusPending, true, description, payload)
}

// RecordPending appends a pending transaction without touching the
// balance (deposit submissions).
func (l *TxLedger) RecordPending(amount decimal.Decimal, typ models.TransactionType, description, payload string) (*models.Transaction, error) {
	spec, ok := typ.Spec()
	if !ok || !spec.RequiresApproval {
		return nil, fmt.Errorf("transaction type %q does not support pending submission", typ)
	}
	return l.book(typ, amount, models.StatusPending, false, description, payload)
}

// book validates the amount, applies the balance mutation when requested
// and appends the transaction row, all against the enclosing database
// transaction.
func (l *TxLedger) book(typ models.TransactionType, amount decimal.Decimal, status models.TransactionStatus, applyToBalance bool, description, payload string) (*models.Transaction, error) {
	if !amount.IsPositive() {
		return nil, pkgerrors.ErrInvalidAmount.WithMessage("amount must be positive, got %s", amount)
	}

	before := l.account.Balance
	after := before
	if applyToBalance {
		var err error
		before, after, err = l.applyBalance(typ, amount)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now()
	txn := &models.Transaction{
		ID:            uuid.New(),
		AccountID:     l.account.ID,
		Type:          typ,
		Amount:        amount,
		Status:        status,
		Description:   description,
		BalanceBefore: before,
		BalanceAfter:  after,
		Payload:       payload,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if status == models.StatusCompleted {
		txn.CompletedAt = &now
	}
	if spec, ok := typ.Spec(); ok && spec.EscrowOnSubmit && status == models.StatusPending {
		holdKey := l.account.ID.String()
		txn.HoldKey = &holdKey
	}
	if err := l.tx.Create(txn).Error; err != nil {
		return nil, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	l.booked = append(l.booked, txn)
	return txn, nil
}

// applyBalance moves the balance and the type's aggregate in one update,
// guarded by the optimistic version check. RowsAffected == 0 means a
// concurrent writer won the row; the caller's atomic unit is retried.
func (l *TxLedger) applyBalance(typ models.TransactionType, amount decimal.Decimal) (before, after decimal.Decimal, err error) {
	spec, ok := typ.Spec()
	if !ok {
		return before, after, fmt.Errorf("unknown transaction type %q", typ)
	}

	before = l.account.Balance
	after = before.Add(typ.SignedAmount(amount))
	if after.IsNegative() {
		return before, before, pkgerrors.ErrInsufficientFunds.WithMessage(
			"balance %s is less than %s", before, amount)
	}

	updates := map[string]interface{}{
		"balance":    after,
		"version":    l.account.Version + 1,
		"updated_at": time.Now(),
	}
	var newAggregate decimal.Decimal
	if spec.Aggregate != models.AggregateNone {
		current := aggregateValue(l.account, spec.Aggregate)
		newAggregate = current.Add(amount.Mul(decimal.NewFromInt(int64(spec.AggregateSign))))
		updates[string(spec.Aggregate)] = newAggregate
	}

	res := l.tx.Model(&models.Account{}).
		Where("id = ? AND version = ?", l.account.ID, l.account.Version).
		Updates(updates)
	if res.Error != nil {
		return before, after, pkgerrors.ErrStorageUnavailable.WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return before, after, pkgerrors.ErrConcurrencyConflict
	}

	l.account.Balance = after
	l.account.Version++
	if spec.Aggregate != models.AggregateNone {
		setAggregateValue(l.account, spec.Aggregate, newAggregate)
	}
	return before, after, nil
}

func aggregateValue(a *models.Account, agg models.Aggregate) decimal.Decimal {
	switch agg {
	case models.AggregateIncome:
		return a.TotalIncome
	case models.AggregateSpent:
		return a.TotalSpent
	case models.AggregateInvested:
		return a.TotalInvested
	case models.AggregateProfit:
		return a.TotalProfit
	}
	return decimal.Zero
}

func setAggregateValue(a *models.Account, agg models.Aggregate, v decimal.Decimal) {
	switch agg {
	case models.AggregateIncome:
		a.TotalIncome = v
	case models.AggregateSpent:
		a.TotalSpent = v
	case models.AggregateInvested:
		a.TotalInvested = v
	case models.AggregateProfit:
		a.TotalProfit = v
	}
}

// WithinAccount runs fn inside the account's serialization lock and a
// database transaction, retrying the whole unit a bounded number of
// times on version conflicts. Events for completed bookings are
// published after commit.
func (s *Service) WithinAccount(ctx context.Context, accountID string, fn func(l *TxLedger) error) error {
	aid, err := uuid.Parse(accountID)
	if err != nil {
		return pkgerrors.ErrNotFound.WithMessage("unknown account %q", accountID)
	}

	mu := s.accountMutex(aid)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.LedgerMutationLatency.Observe(time.Since(start).Seconds())
	}()

	var booked []*models.Transaction
	for attempt := 0; ; attempt++ {
		booked = nil
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var account models.Account
			if err := tx.Where("id = ?", aid).First(&account).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return pkgerrors.ErrNotFound.WithMessage("unknown account %s", accountID)
				}
				return pkgerrors.ErrStorageUnavailable.WithCause(err)
			}
			l := &TxLedger{tx: tx, account: &account}
			if err := fn(l); err != nil {
				return err
			}
			booked = l.booked
			return nil
		})
		if err == nil {
			break
		}
		// Conflicts and transient storage failures both roll the unit
		// back, so re-running it is safe.
		retryable := pkgerrors.Is(err, pkgerrors.ErrConcurrencyConflict) ||
			pkgerrors.Is(err, pkgerrors.ErrStorageUnavailable)
		if retryable && attempt < s.maxRetries {
			if pkgerrors.Is(err, pkgerrors.ErrConcurrencyConflict) {
				metrics.ConcurrencyRetries.Inc()
			}
			s.logger.Debug("ledger unit failed, retrying",
				zap.String("account_id", accountID), zap.Int("attempt", attempt+1), zap.Error(err))
			time.Sleep(s.retryBackoff * time.Duration(attempt+1))
			continue
		}
		return err
	}

	for _, txn := range booked {
		metrics.LedgerMutations.WithLabelValues(string(txn.Type), "ok").Inc()
		if txn.Status == models.StatusCompleted {
			if perr := s.publisher.PublishTransaction(ctx, txn); perr != nil {
				s.logger.Warn("transaction event not published",
					zap.String("transaction_id", txn.ID.String()), zap.Error(perr))
			}
		}
	}
	return nil
}

// Debit atomically decrements the balance and appends a completed
// transaction.
func (s *Service) Debit(ctx context.Context, accountID string, amount decimal.Decimal, typ models.TransactionType, description string) (*models.Transaction, error) {
	var txn *models.Transaction
	err := s.WithinAccount(ctx, accountID, func(l *TxLedger) error {
		var bookErr error
		txn, bookErr = l.Debit(amount, typ, description)
		return bookErr
	})
	if err != nil {
		metrics.LedgerMutations.WithLabelValues(string(typ), "error").Inc()
		return nil, err
	}
	return txn, nil
}

// Credit atomically increments the balance and appends a completed
// transaction.
func (s *Service) Credit(ctx context.Context, accountID string, amount decimal.Decimal, typ models.TransactionType, description string) (*models.Transaction, error) {
	var txn *models.Transaction
	err := s.WithinAccount(ctx, accountID, func(l *TxLedger) error {
		var bookErr error
		txn, bookErr = l.Credit(amount, typ, description)
		return bookErr
	})
	if err != nil {
		metrics.LedgerMutations.WithLabelValues(string(typ), "error").Inc()
		return nil, err
	}
	return txn, nil
}

// ResolvePending transitions a pending transaction to completed or
// rejected, applying the balance effect the type defines for resolution:
// deposits credit on approval, withdrawals reverse their escrow debit on
// rejection. The status flip and the balance effect share one atomic
// unit.
func (s *Service) ResolvePending(ctx context.Context, transactionID string, approve bool, reason string) (*models.Transaction, error) {
	tid, err := uuid.Parse(transactionID)
	if err != nil {
		return nil, pkgerrors.ErrNotFound.WithMessage("unknown transaction %q", transactionID)
	}

	// Locate the owning account first; the authoritative status check
	// happens again inside the account's atomic unit.
	var located models.Transaction
	if err := s.db.WithContext(ctx).Where("id = ?", tid).First(&located).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound.WithMessage("unknown transaction %s", transactionID)
		}
		return nil, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}

	var resolved *models.Transaction
	err = s.WithinAccount(ctx, located.AccountID.String(), func(l *TxLedger) error {
		var txn models.Transaction
		if err := l.tx.Where("id = ?", tid).First(&txn).Error; err != nil {
			return pkgerrors.ErrStorageUnavailable.WithCause(err)
		}
		if txn.Status != models.StatusPending {
			return pkgerrors.ErrAlreadyResolved.WithMessage("transaction %s is %s", txn.ID, txn.Status)
		}
		spec, ok := txn.Type.Spec()
		if !ok || !spec.RequiresApproval {
			return pkgerrors.ErrAlreadyResolved.WithMessage("transaction %s does not await approval", txn.ID)
		}

		now := time.Now()
		updates := map[string]interface{}{"updated_at": now, "hold_key": nil}
		if approve {
			if !spec.EscrowOnSubmit {
				// Deposit: the credit lands only on approval.
				before, after, err := l.applyBalance(txn.Type, txn.Amount)
				if err != nil {
					return err
				}
				updates["balance_before"] = before
				updates["balance_after"] = after
			}
			updates["status"] = models.StatusCompleted
			updates["completed_at"] = now
		} else {
			if spec.EscrowOnSubmit {
				// Withdrawal: hand the escrowed funds back.
				if _, err := l.book(models.TypeWithdrawalReversal, txn.Amount, models.StatusCompleted, true,
					fmt.Sprintf("reversal of withdrawal %s", txn.ID), ""); err != nil {
					return err
				}
			}
			updates["status"] = models.StatusRejected
			updates["reject_reason"] = reason
		}

		res := l.tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", txn.ID, models.StatusPending).
			Updates(updates)
		if res.Error != nil {
			return pkgerrors.ErrStorageUnavailable.WithCause(res.Error)
		}
		if res.RowsAffected == 0 {
			return pkgerrors.ErrAlreadyResolved.WithMessage("transaction %s resolved concurrently", txn.ID)
		}

		if err := l.tx.Where("id = ?", tid).First(&txn).Error; err != nil {
			return pkgerrors.ErrStorageUnavailable.WithCause(err)
		}
		resolved = &txn
		if txn.Status == models.StatusCompleted {
			l.booked = append(l.booked, &txn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// ReconcileBalance recomputes the balance from the sum of signed amounts
// of all completed transactions and compares it with the stored value.
// Used by the audit endpoint; the two must always match.
func (s *Service) ReconcileBalance(ctx context.Context, accountID string) (stored, computed decimal.Decimal, err error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var transactions []*models.Transaction
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", account.ID).
		Find(&transactions).Error; err != nil {
		return decimal.Zero, decimal.Zero, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}

	// A transaction moved the balance if it completed, or if it escrows
	// at submission (pending holds, and rejected withdrawals whose hold
	// is undone by a separate reversal credit).
	sum := decimal.Zero
	for _, txn := range transactions {
		spec, ok := txn.Type.Spec()
		if !ok {
			continue
		}
		switch txn.Status {
		case models.StatusCompleted:
			sum = sum.Add(txn.Type.SignedAmount(txn.Amount))
		case models.StatusPending, models.StatusRejected:
			if spec.EscrowOnSubmit {
				sum = sum.Add(txn.Type.SignedAmount(txn.Amount))
			}
		}
	}

	return account.Balance, sum, nil
}
