// Package copytrading implements the copy-trading allocation engine:
// one active allocation per account, principal locked while copying,
// periodic earnings credits, principal returned on stop.
package copytrading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/altavest/ledgercore/internal/ledger"
	pkgerrors "github.com/altavest/ledgercore/pkg/errors"
	"github.com/altavest/ledgercore/pkg/metrics"
	"github.com/altavest/ledgercore/pkg/models"
)

// Service implements the copy-trading allocation engine.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	ledger *ledger.Service
}

// NewService creates a new copy-trading service.
func NewService(logger *zap.Logger, db *gorm.DB, ledgerSvc *ledger.Service) (*Service, error) {
	return &Service{logger: logger, db: db, ledger: ledgerSvc}, nil
}

// Start opens a copy-trading allocation. The principal is debited and
// the allocation row created in one atomic unit; an account with an
// allocation already active gets ErrAllocationAlreadyActive. ActiveKey's
// unique index backs the check against writers outside this process.
func (s *Service) Start(ctx context.Context, accountID, traderID, traderName string, amount decimal.Decimal) (*models.CopyAllocation, error) {
	if traderID == "" {
		return nil, pkgerrors.ErrInvalidAmount.WithMessage("trader id is required")
	}

	var allocation *models.CopyAllocation
	err := s.ledger.WithinAccount(ctx, accountID, func(l *ledger.TxLedger) error {
		var active int64
		if err := l.DB().Model(&models.CopyAllocation{}).
			Where("account_id = ? AND status = ?", l.Account().ID, models.AllocationActive).
			Count(&active).Error; err != nil {
			return pkgerrors.ErrStorageUnavailable.WithCause(err)
		}
		if active > 0 {
			return pkgerrors.ErrAllocationAlreadyActive
		}

		if _, err := l.Debit(amount, models.TypeInvestment, fmt.Sprintf("copy-trading allocation to %s", traderName)); err != nil {
			return err
		}

		now := time.Now()
		activeKey := l.Account().ID.String()
		allocation = &models.CopyAllocation{
			ID:              uuid.New(),
			AccountID:       l.Account().ID,
			TraderID:        traderID,
			TraderName:      traderName,
			AllocatedAmount: amount,
			TotalEarned:     decimal.Zero,
			Status:          models.AllocationActive,
			ActiveKey:       &activeKey,
			StartDate:       now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := l.DB().Create(allocation).Error; err != nil {
			return pkgerrors.ErrStorageUnavailable.WithCause(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return allocation, nil
}

// Stop closes the account's active allocation and credits back exactly
// the allocated principal. Earnings were already credited as they
// accrued and are not paid again here.
func (s *Service) Stop(ctx context.Context, accountID string) (*models.CopyAllocation, error) {
	var allocation models.CopyAllocation
	err := s.ledger.WithinAccount(ctx, accountID, func(l *ledger.TxLedger) error {
		err := l.DB().Where("account_id = ? AND status = ?", l.Account().ID, models.AllocationActive).
			First(&allocation).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.ErrNoActiveAllocation
			}
			return pkgerrors.ErrStorageUnavailable.WithCause(err)
		}

		if _, err := l.Credit(allocation.AllocatedAmount, models.TypeCopyPrincipalReturn,
			fmt.Sprintf("principal returned from copying %s", allocation.TraderName)); err != nil {
			return err
		}

		now := time.Now()
		if err := l.DB().Model(&models.CopyAllocation{}).Where("id = ?", allocation.ID).
			Updates(map[string]interface{}{
				"status":       models.AllocationStopped,
				"active_key":   nil,
				"stopped_date": now,
				"updated_at":   now,
			}).Error; err != nil {
			return pkgerrors.ErrStorageUnavailable.WithCause(err)
		}
		allocation.Status = models.AllocationStopped
		allocation.ActiveKey = nil
		allocation.StoppedDate = &now
		allocation.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &allocation, nil
}

// GetActive returns the account's active allocation, if any.
func (s *Service) GetActive(ctx context.Context, accountID string) (*models.CopyAllocation, error) {
	aid, err := uuid.Parse(accountID)
	if err != nil {
		return nil, pkgerrors.ErrNotFound.WithMessage("unknown account %q", accountID)
	}
	var allocation models.CopyAllocation
	err = s.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", aid, models.AllocationActive).
		First(&allocation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNoActiveAllocation
		}
		return nil, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	return &allocation, nil
}

// ListAllocations lists an account's allocations, newest first.
func (s *Service) ListAllocations(ctx context.Context, accountID string, limit, offset int) ([]*models.CopyAllocation, int64, error) {
	aid, err := uuid.Parse(accountID)
	if err != nil {
		return nil, 0, pkgerrors.ErrNotFound.WithMessage("unknown account %q", accountID)
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.CopyAllocation{}).Where("account_id = ?", aid).Count(&count).Error; err != nil {
		return nil, 0, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	var allocations []*models.CopyAllocation
	if err := s.db.WithContext(ctx).Where("account_id = ?", aid).
		Order("created_at DESC").Limit(limit).Offset(offset).Find(&allocations).Error; err != nil {
		return nil, 0, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	return allocations, count, nil
}

// ApplyEarnings credits one period's earnings to every active
// allocation: allocated amount times rate, where rate is a fraction
// (0.001 credits 0.1%). Accrual rows keyed by (allocation, period) make
// a re-run for the same period a no-op.
func (s *Service) ApplyEarnings(ctx context.Context, period string, rate decimal.Decimal) error {
	if rate.IsNegative() {
		return pkgerrors.ErrInvalidAmount.WithMessage("earnings rate %s is negative", rate)
	}

	var allocations []*models.CopyAllocation
	if err := s.db.WithContext(ctx).Where("status = ?", models.AllocationActive).Find(&allocations).Error; err != nil {
		metrics.AccrualRuns.WithLabelValues("copytrading", "error").Inc()
		return pkgerrors.ErrStorageUnavailable.WithCause(err)
	}

	var failed int
	for _, allocation := range allocations {
		if err := s.applyAllocationEarnings(ctx, allocation.AccountID, allocation.ID, period, rate); err != nil {
			failed++
			s.logger.Error("copy-trading earnings credit failed",
				zap.String("allocation_id", allocation.ID.String()),
				zap.String("period", period),
				zap.Error(err))
		}
	}

	if failed > 0 {
		metrics.AccrualRuns.WithLabelValues("copytrading", "partial").Inc()
		return fmt.Errorf("earnings failed for %d of %d allocations", failed, len(allocations))
	}
	metrics.AccrualRuns.WithLabelValues("copytrading", "ok").Inc()
	return nil
}

func (s *Service) applyAllocationEarnings(ctx context.Context, accountID, allocationID uuid.UUID, period string, rate decimal.Decimal) error {
	return s.ledger.WithinAccount(ctx, accountID.String(), func(l *ledger.TxLedger) error {
		var allocation models.CopyAllocation
		if err := l.DB().Where("id = ?", allocationID).First(&allocation).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.ErrNotFound.WithMessage("unknown allocation %s", allocationID)
			}
			return pkgerrors.ErrStorageUnavailable.WithCause(err)
		}
		if allocation.Status != models.AllocationActive {
			metrics.AccrualCredits.WithLabelValues("copytrading", "skipped").Inc()
			return nil
		}

		var count int64
		if err := l.DB().Model(&models.CopyAccrual{}).
			Where("allocation_id = ? AND period = ?", allocation.ID, period).
			Count(&count).Error; err != nil {
			return pkgerrors.ErrStorageUnavailable.WithCause(err)
		}
		if count > 0 {
			metrics.AccrualCredits.WithLabelValues("copytrading", "skipped").Inc()
			return nil
		}

		earnings := allocation.AllocatedAmount.Mul(rate)
		if !earnings.IsPositive() {
			metrics.AccrualCredits.WithLabelValues("copytrading", "skipped").Inc()
			return nil
		}

		accrual := &models.CopyAccrual{
			ID:           uuid.New(),
			AllocationID: allocation.ID,
			Period:       period,
			Amount:       earnings,
			CreatedAt:    time.Now(),
		}
		if err := l.DB().Create(accrual).Error; err != nil {
			return pkgerrors.ErrStorageUnavailable.WithCause(err)
		}

		if _, err := l.Credit(earnings, models.TypeCopyTradingReturn,
			fmt.Sprintf("earnings from copying %s", allocation.TraderName)); err != nil {
			return err
		}

		if err := l.DB().Model(&models.CopyAllocation{}).Where("id = ?", allocation.ID).
			Updates(map[string]interface{}{
				"total_earned": allocation.TotalEarned.Add(earnings),
				"updated_at":   time.Now(),
			}).Error; err != nil {
			return pkgerrors.ErrStorageUnavailable.WithCause(err)
		}

		metrics.AccrualCredits.WithLabelValues("copytrading", "applied").Inc()
		return nil
	})
}
