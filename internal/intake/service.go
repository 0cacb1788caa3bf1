// Package intake implements the deposit/withdrawal submission and
// review flow. Withdrawals lock funds at submission; deposits touch no
// balance until a reviewer approves them.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/altavest/ledgercore/internal/ledger"
	pkgerrors "github.com/altavest/ledgercore/pkg/errors"
	"github.com/altavest/ledgercore/pkg/models"
)

// Service implements deposit and withdrawal intake.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	ledger *ledger.Service
}

// NewService creates a new intake service.
func NewService(logger *zap.Logger, db *gorm.DB, ledgerSvc *ledger.Service) (*Service, error) {
	return &Service{logger: logger, db: db, ledger: ledgerSvc}, nil
}

type depositPayload struct {
	ProofRef string `json:"proof_ref,omitempty"`
	TxHash   string `json:"tx_hash,omitempty"`
}

type withdrawalPayload struct {
	Destination string `json:"destination"`
}

// SubmitDeposit records a pending deposit. The balance is untouched
// until approval.
func (s *Service) SubmitDeposit(ctx context.Context, accountID string, amount decimal.Decimal, proofRef, txHash string) (*models.Transaction, error) {
	payload, err := json.Marshal(depositPayload{ProofRef: proofRef, TxHash: txHash})
	if err != nil {
		return nil, fmt.Errorf("failed to encode deposit payload: %w", err)
	}

	var txn *models.Transaction
	err = s.ledger.WithinAccount(ctx, accountID, func(l *ledger.TxLedger) error {
		var bookErr error
		txn, bookErr = l.RecordPending(amount, models.TypeDeposit, "deposit pending review", string(payload))
		return bookErr
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("deposit submitted",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("account_id", accountID),
		zap.String("amount", amount.String()))
	return txn, nil
}

// SubmitWithdrawal records a pending withdrawal and locks the funds
// immediately. Insufficient balance rejects the submission with no
// transaction recorded.
func (s *Service) SubmitWithdrawal(ctx context.Context, accountID string, amount decimal.Decimal, destination string) (*models.Transaction, error) {
	if destination == "" {
		return nil, pkgerrors.ErrInvalidAmount.WithMessage("withdrawal destination is required")
	}
	payload, err := json.Marshal(withdrawalPayload{Destination: destination})
	if err != nil {
		return nil, fmt.Errorf("failed to encode withdrawal payload: %w", err)
	}

	var txn *models.Transaction
	err = s.ledger.WithinAccount(ctx, accountID, func(l *ledger.TxLedger) error {
		var bookErr error
		txn, bookErr = l.DebitHold(amount, models.TypeWithdrawal, "withdrawal pending review", string(payload))
		return bookErr
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("withdrawal submitted",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("account_id", accountID),
		zap.String("amount", amount.String()))
	return txn, nil
}

// ApproveDeposit credits the deposited amount and completes the
// transaction.
func (s *Service) ApproveDeposit(ctx context.Context, transactionID string) (*models.Transaction, error) {
	if err := s.checkType(ctx, transactionID, models.TypeDeposit); err != nil {
		return nil, err
	}
	return s.ledger.ResolvePending(ctx, transactionID, true, "")
}

// RejectDeposit marks the deposit rejected. No balance ever moved, so
// nothing is reversed.
func (s *Service) RejectDeposit(ctx context.Context, transactionID, reason string) (*models.Transaction, error) {
	if err := s.checkType(ctx, transactionID, models.TypeDeposit); err != nil {
		return nil, err
	}
	return s.ledger.ResolvePending(ctx, transactionID, false, reason)
}

// ApproveWithdrawal completes the withdrawal. The funds already left
// the balance at submission, so approval only flips the status.
func (s *Service) ApproveWithdrawal(ctx context.Context, transactionID string) (*models.Transaction, error) {
	if err := s.checkType(ctx, transactionID, models.TypeWithdrawal); err != nil {
		return nil, err
	}
	return s.ledger.ResolvePending(ctx, transactionID, true, "")
}

// RejectWithdrawal rejects the withdrawal and books a reversal credit
// restoring the held funds.
func (s *Service) RejectWithdrawal(ctx context.Context, transactionID, reason string) (*models.Transaction, error) {
	if err := s.checkType(ctx, transactionID, models.TypeWithdrawal); err != nil {
		return nil, err
	}
	return s.ledger.ResolvePending(ctx, transactionID, false, reason)
}

// checkType guards the review endpoints against resolving a transaction
// of the wrong kind.
func (s *Service) checkType(ctx context.Context, transactionID string, want models.TransactionType) error {
	tid, err := uuid.Parse(transactionID)
	if err != nil {
		return pkgerrors.ErrNotFound.WithMessage("unknown transaction %q", transactionID)
	}
	var txn models.Transaction
	if err := s.db.WithContext(ctx).Select("id", "type").Where("id = ?", tid).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pkgerrors.ErrNotFound.WithMessage("unknown transaction %s", transactionID)
		}
		return pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	if txn.Type != want {
		return pkgerrors.ErrNotFound.WithMessage("transaction %s is not a %s", transactionID, want)
	}
	return nil
}

// ListPending lists pending transactions of one type for review, oldest
// first.
func (s *Service) ListPending(ctx context.Context, typ models.TransactionType, limit, offset int) ([]*models.Transaction, int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("type = ? AND status = ?", typ, models.StatusPending).
		Count(&count).Error; err != nil {
		return nil, 0, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	var txns []*models.Transaction
	if err := s.db.WithContext(ctx).
		Where("type = ? AND status = ?", typ, models.StatusPending).
		Order("created_at ASC").Limit(limit).Offset(offset).
		Find(&txns).Error; err != nil {
		return nil, 0, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	return txns, count, nil
}
