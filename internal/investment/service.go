// Package investment implements fixed-term investment plans and the
// daily profit accrual over them.
package investment

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

var hundred = decimal.NewFromInt(100)

// Service implements the investment accrual engine.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	ledger *ledger.Service
}

// NewService creates a new investment service.
func NewService(logger *zap.Logger, db *gorm.DB, ledgerSvc *ledger.Service) (*Service, error) {
	return &Service{logger: logger, db: db, ledger: ledgerSvc}, nil
}

// CreatePlan creates an investment plan offer.
func (s *Service) CreatePlan(ctx context.Context, name string, minimum, maximum decimal.Decimal, durationDays int, percentageReturn, dailyReturn decimal.Decimal) (*models.InvestmentPlan, error) {
	if !minimum.IsPositive() || maximum.LessThan(minimum) {
		return nil, pkgerrors.ErrInvalidAmount.WithMessage("plan bounds %s..%s are invalid", minimum, maximum)
	}
	if durationDays <= 0 {
		return nil, pkgerrors.ErrInvalidAmount.WithMessage("duration must be positive, got %d days", durationDays)
	}
	if !percentageReturn.IsPositive() || !dailyReturn.IsPositive() {
		return nil, pkgerrors.ErrInvalidAmount.WithMessage("plan returns must be positive")
	}

	now := time.Now()
	plan := &models.InvestmentPlan{
		ID:               uuid.New(),
		Name:             name,
		MinimumAmount:    minimum,
		MaximumAmount:    maximum,
		DurationDays:     durationDays,
		PercentageReturn: percentageReturn,
		DailyReturn:      dailyReturn,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.db.WithContext(ctx).Create(plan).Error; err != nil {
		return nil, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	return plan, nil
}

// GetPlan returns a plan by id.
func (s *Service) GetPlan(ctx context.Context, planID string) (*models.InvestmentPlan, error) {
	pid, err := uuid.Parse(planID)
	if err != nil {
		return nil, pkgerrors.ErrNotFound.WithMessage("unknown plan %q", planID)
	}
	var plan models.InvestmentPlan
	if err := s.db.WithContext(ctx).Where("id = ?", pid).First(&plan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound.WithMessage("unknown plan %s", planID)
		}
		return nil, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	return &plan, nil
}

// ListPlans lists plans, optionally only the active ones.
func (s *Service) ListPlans(ctx context.Context, activeOnly bool) ([]*models.InvestmentPlan, error) {
	query := s.db.WithContext(ctx).Model(&models.InvestmentPlan{})
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	var plans []*models.InvestmentPlan
	if err := query.Order("minimum_amount ASC").Find(&plans).Error; err != nil {
		return nil, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	return plans, nil
}

// Invest opens a position: the plan is snapshotted onto the position so
// later plan edits cannot change it, the principal is debited and the
// position row is created in the same atomic unit as the debit.
func (s *Service) Invest(ctx context.Context, accountID, planID string, amount decimal.Decimal) (*models.InvestmentPosition, error) {
	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, pkgerrors.ErrNotFound.WithMessage("plan %s is no longer offered", planID)
	}
	if amount.LessThan(plan.MinimumAmount) || amount.GreaterThan(plan.MaximumAmount) {
		return nil, pkgerrors.ErrInvalidAmount.WithMessage(
			"amount %s is outside plan bounds %s..%s", amount, plan.MinimumAmount, plan.MaximumAmount)
	}

	var position *models.InvestmentPosition
	err = s.ledger.WithinAccount(ctx, accountID, func(l *ledger.TxLedger) error {
		if _, err := l.Debit(amount, models.TypeInvestment, fmt.Sprintf("investment in plan %s", plan.Name)); err != nil {
			return err
		}

		now := time.Now()
		position = &models.InvestmentPosition{
			ID:               uuid.New(),
			AccountID:        l.Account().ID,
			PlanID:           plan.ID,
			PlanName:         plan.Name,
			MinimumAmount:    plan.MinimumAmount,
			MaximumAmount:    plan.MaximumAmount,
			DurationDays:     plan.DurationDays,
			PercentageReturn: plan.PercentageReturn,
			DailyReturn:      plan.DailyReturn,
			Amount:           amount,
			ExpectedReturn:   amount.Mul(plan.PercentageReturn).Div(hundred),
			TotalProfit:      decimal.Zero,
			Status:           models.PositionActive,
			StartDate:        now,
			EndDate:          now.AddDate(0, 0, plan.DurationDays),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := l.DB().Create(position).Error; err != nil {
			return pkgerrors.ErrStorageUnavailable.WithCause(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return position, nil
}

// GetPositions lists an account's positions, newest first.
func (s *Service) GetPositions(ctx context.Context, accountID string, limit, offset int) ([]*models.InvestmentPosition, int64, error) {
	aid, err := uuid.Parse(accountID)
	if err != nil {
		return nil, 0, pkgerrors.ErrNotFound.WithMessage("unknown account %q", accountID)
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.InvestmentPosition{}).Where("account_id = ?", aid).Count(&count).Error; err != nil {
		return nil, 0, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	var positions []*models.InvestmentPosition
	if err := s.db.WithContext(ctx).Where("account_id = ?", aid).Order("created_at DESC").Limit(limit).Offset(offset).Find(&positions).Error; err != nil {
		return nil, 0, pkgerrors.ErrStorageUnavailable.WithCause(err)
	}
	return positions, count, nil
}

// RunDailyAccrual applies one day's profit to every active position and
// closes positions whose term has ended. Safe to re-run for the same
// day: accrual rows keyed by (position, day) make retries no-ops, and
// completed positions never accrue again.
func (s *Service) RunDailyAccrual(ctx context.Context, day time.Time) error {
	var positions []*models.InvestmentPosition
	if err := s.db.WithContext(ctx).Where("status = ?", models.PositionActive).Find(&positions).Error; err != nil {
		metrics.AccrualRuns.WithLabelValues("investment", "error").Inc()
		return pkgerrors.ErrStorageUnavailable.WithCause(err)
	}

	var failed int
	for _, position := range positions {
		if err := s.accruePosition(ctx, position.AccountID, position.ID, day); err != nil {
			failed++
			s.logger.Error("investment accrual failed for position",
				zap.String("position_id", position.ID.String()),
				zap.String("day", day.Format("2006-01-02")),
				zap.Error(err))
		}
	}

	if failed > 0 {
		metrics.AccrualRuns.WithLabelValues("investment", "partial").Inc()
		return fmt.Errorf("accrual failed for %d of %d positions", failed, len(positions))
	}
	metrics.AccrualRuns.WithLabelValues("investment", "ok").Inc()
	return nil
}

// accruePosition books one day's profit, or the terminal payout when the
// position's term has ended, inside the owning account's atomic unit.
func (s *Service) accruePosition(ctx context.Context, accountID, positionID uuid.UUID, day time.Time) error {
	dateKey := day.Format("2006-01-02")

	return s.ledger.WithinAccount(ctx, accountID.String(), func(l *ledger.TxLedger) error {
		var position models.InvestmentPosition
		if err := l.DB().Where("id = ?", positionID).First(&position).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.ErrNotFound.WithMessage("unknown position %s", positionID)
			}
			return pkgerrors.ErrStorageUnavailable.WithCause(err)
		}
		if position.Status != models.PositionActive {
			metrics.AccrualCredits.WithLabelValues("investment", "skipped").Inc()
			return nil
		}

		if !day.Before(position.EndDate) {
			return s.completePosition(l, &position)
		}

		var count int64
		if err := l.DB().Model(&models.InvestmentAccrual{}).
			Where("position_id = ? AND accrual_date = ?", position.ID, dateKey).
			Count(&count).Error; err != nil {
			return pkgerrors.ErrStorageUnavailable.WithCause(err)
		}
		if count > 0 {
			metrics.AccrualCredits.WithLabelValues("investment", "skipped").Inc()
			return nil
		}

		dailyProfit := position.Amount.Mul(position.DailyReturn).Div(hundred)
		remaining := position.ExpectedReturn.Sub(position.TotalProfit)
		if dailyProfit.GreaterThan(remaining) {
			dailyProfit = remaining
		}
		if !dailyProfit.IsPositive() {
			metrics.AccrualCredits.WithLabelValues("investment", "skipped").Inc()
			return nil
		}

		accrual := &models.InvestmentAccrual{
			ID:          uuid.New(),
			PositionID:  position.ID,
			AccrualDate: dateKey,
			Amount:      dailyProfit,
			CreatedAt:   time.Now(),
		}
		if err := l.DB().Create(accrual).Error; err != nil {
			return pkgerrors.ErrStorageUnavailable.WithCause(err)
		}

		if _, err := l.Credit(dailyProfit, models.TypeInvestmentReturn,
			fmt.Sprintf("daily return on %s position", position.PlanName)); err != nil {
			return err
		}

		newProfit := position.TotalProfit.Add(dailyProfit)
		if err := l.DB().Model(&models.InvestmentPosition{}).Where("id = ?", position.ID).
			Updates(map[string]interface{}{
				"total_profit": newProfit,
				"updated_at":   time.Now(),
			}).Error; err != nil {
			return pkgerrors.ErrStorageUnavailable.WithCause(err)
		}

		metrics.AccrualCredits.WithLabelValues("investment", "applied").Inc()
		return nil
	})
}

// completePosition books the terminal payout: any profit shortfall left
// by daily rounding, then the principal, then the status flip, all in
// the caller's atomic unit. Cumulative credited profit ends exactly at
// the expected return.
func (s *Service) completePosition(l *ledger.TxLedger, position *models.InvestmentPosition) error {
	shortfall := position.ExpectedReturn.Sub(position.TotalProfit)
	if shortfall.IsPositive() {
		if _, err := l.Credit(shortfall, models.TypeInvestmentReturn,
			fmt.Sprintf("final return on %s position", position.PlanName)); err != nil {
			return err
		}
	}

	if _, err := l.Credit(position.Amount, models.TypeInvestmentCompletion,
		fmt.Sprintf("principal returned from %s position", position.PlanName)); err != nil {
		return err
	}

	if err := l.DB().Model(&models.InvestmentPosition{}).Where("id = ?", position.ID).
		Updates(map[string]interface{}{
			"status":       models.PositionCompleted,
			"total_profit": position.ExpectedReturn,
			"updated_at":   time.Now(),
		}).Error; err != nil {
		return pkgerrors.ErrStorageUnavailable.WithCause(err)
	}

	metrics.AccrualCredits.WithLabelValues("investment", "completed").Inc()
	return nil
}
