package investment

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/altavest/ledgercore/internal/database"
	"github.com/altavest/ledgercore/internal/ledger"
	pkgerrors "github.com/altavest/ledgercore/pkg/errors"
	"github.com/altavest/ledgercore/pkg/models"
)

func newTestEnv(t *testing.T) (*Service, *ledger.Service) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	ledgerSvc, err := ledger.NewService(zap.NewNop(), db, nil)
	require.NoError(t, err)
	svc, err := NewService(zap.NewNop(), db, ledgerSvc)
	require.NoError(t, err)
	return svc, ledgerSvc
}

func newFundedAccount(t *testing.T, ledgerSvc *ledger.Service, amount string) *models.Account {
	t.Helper()
	account, err := ledgerSvc.CreateAccount(context.Background(), uuid.NewString())
	require.NoError(t, err)
	_, err = ledgerSvc.Credit(context.Background(), account.ID.String(),
		decimal.RequireFromString(amount), models.TypeDeposit, "test funding")
	require.NoError(t, err)
	return account
}

func newTestPlan(t *testing.T, svc *Service, min, max string, days int, pct, daily string) *models.InvestmentPlan {
	t.Helper()
	plan, err := svc.CreatePlan(context.Background(), "Growth",
		decimal.RequireFromString(min), decimal.RequireFromString(max), days,
		decimal.RequireFromString(pct), decimal.RequireFromString(daily))
	require.NoError(t, err)
	return plan
}

func TestCreatePlanValidation(t *testing.T) {
	svc, _ := newTestEnv(t)

	cases := []struct {
		name       string
		min, max   string
		days       int
		pct, daily string
	}{
		{"zero minimum", "0", "100", 10, "20", "2"},
		{"max below min", "100", "50", 10, "20", "2"},
		{"zero duration", "100", "1000", 0, "20", "2"},
		{"zero return", "100", "1000", 10, "0", "2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreatePlan(context.Background(), "bad",
				decimal.RequireFromString(tc.min), decimal.RequireFromString(tc.max), tc.days,
				decimal.RequireFromString(tc.pct), decimal.RequireFromString(tc.daily))
			assert.True(t, pkgerrors.Is(err, pkgerrors.ErrInvalidAmount))
		})
	}
}

func TestInvestDebitsPrincipalAtomically(t *testing.T) {
	svc, ledgerSvc := newTestEnv(t)
	account := newFundedAccount(t, ledgerSvc, "500")
	plan := newTestPlan(t, svc, "100", "1000", 30, "20", "1")

	position, err := svc.Invest(context.Background(), account.ID.String(), plan.ID.String(),
		decimal.RequireFromString("200"))
	require.NoError(t, err)
	assert.True(t, position.ExpectedReturn.Equal(decimal.RequireFromString("40")))
	assert.Equal(t, models.PositionActive, position.Status)

	balance, err := ledgerSvc.SnapshotBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("300")))

	txns, _, err := ledgerSvc.GetTransactions(context.Background(), account.ID.String(), 10, 0)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, models.TypeInvestment, txns[0].Type)
	assert.True(t, txns[0].BalanceBefore.Equal(decimal.RequireFromString("500")))
	assert.True(t, txns[0].BalanceAfter.Equal(decimal.RequireFromString("300")))

	reloaded, err := ledgerSvc.GetAccount(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, reloaded.TotalInvested.Equal(decimal.RequireFromString("200")))
}

func TestInvestRejectsOutOfBoundsAmounts(t *testing.T) {
	svc, ledgerSvc := newTestEnv(t)
	account := newFundedAccount(t, ledgerSvc, "5000")
	plan := newTestPlan(t, svc, "100", "1000", 30, "20", "1")

	for _, raw := range []string{"50", "1001"} {
		_, err := svc.Invest(context.Background(), account.ID.String(), plan.ID.String(),
			decimal.RequireFromString(raw))
		assert.True(t, pkgerrors.Is(err, pkgerrors.ErrInvalidAmount), "amount %s", raw)
	}

	// No position and no balance movement on rejection.
	_, total, err := svc.GetPositions(context.Background(), account.ID.String(), 10, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)
	balance, err := ledgerSvc.SnapshotBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("5000")))
}

func TestInvestRejectsWhenBalanceTooLow(t *testing.T) {
	svc, ledgerSvc := newTestEnv(t)
	account := newFundedAccount(t, ledgerSvc, "150")
	plan := newTestPlan(t, svc, "100", "1000", 30, "20", "1")

	_, err := svc.Invest(context.Background(), account.ID.String(), plan.ID.String(),
		decimal.RequireFromString("200"))
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrInsufficientFunds))
}

func TestDailyAccrualIsIdempotentPerDay(t *testing.T) {
	svc, ledgerSvc := newTestEnv(t)
	account := newFundedAccount(t, ledgerSvc, "2000")
	plan := newTestPlan(t, svc, "100", "1500", 10, "20", "3")

	_, err := svc.Invest(context.Background(), account.ID.String(), plan.ID.String(),
		decimal.RequireFromString("1000"))
	require.NoError(t, err)

	day := time.Now()
	require.NoError(t, svc.RunDailyAccrual(context.Background(), day))
	require.NoError(t, svc.RunDailyAccrual(context.Background(), day))

	// One credit of 30, not two.
	balance, err := ledgerSvc.SnapshotBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("1030")), "balance %s", balance)

	positions, _, err := svc.GetPositions(context.Background(), account.ID.String(), 10, 0)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].TotalProfit.Equal(decimal.RequireFromString("30")))
}

func TestDailyAccrualClampsAtExpectedReturn(t *testing.T) {
	svc, ledgerSvc := newTestEnv(t)
	account := newFundedAccount(t, ledgerSvc, "2000")
	// Expected return 50, daily 30: full day, clamped day, then nothing.
	plan := newTestPlan(t, svc, "100", "1500", 30, "5", "3")

	_, err := svc.Invest(context.Background(), account.ID.String(), plan.ID.String(),
		decimal.RequireFromString("1000"))
	require.NoError(t, err)

	base := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.RunDailyAccrual(context.Background(), base.AddDate(0, 0, i)))
	}

	positions, _, err := svc.GetPositions(context.Background(), account.ID.String(), 10, 0)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].TotalProfit.Equal(decimal.RequireFromString("50")),
		"total profit %s", positions[0].TotalProfit)
	assert.Equal(t, models.PositionActive, positions[0].Status)

	balance, err := ledgerSvc.SnapshotBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("1050")))
}

func TestCompletionCreditsShortfallAndPrincipal(t *testing.T) {
	svc, ledgerSvc := newTestEnv(t)
	account := newFundedAccount(t, ledgerSvc, "1500")
	plan := newTestPlan(t, svc, "100", "1500", 10, "20", "3")

	_, err := svc.Invest(context.Background(), account.ID.String(), plan.ID.String(),
		decimal.RequireFromString("1000"))
	require.NoError(t, err)

	// One daily credit, then the term ends.
	require.NoError(t, svc.RunDailyAccrual(context.Background(), time.Now()))
	afterTerm := time.Now().AddDate(0, 0, 11)
	require.NoError(t, svc.RunDailyAccrual(context.Background(), afterTerm))

	// Cumulative profit lands exactly at the expected 200, plus the
	// 1000 principal back: 1500 - 1000 + 30 + 170 + 1000.
	balance, err := ledgerSvc.SnapshotBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("1700")), "balance %s", balance)

	positions, _, err := svc.GetPositions(context.Background(), account.ID.String(), 10, 0)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, models.PositionCompleted, positions[0].Status)
	assert.True(t, positions[0].TotalProfit.Equal(positions[0].ExpectedReturn))

	// Completion is terminal: another run changes nothing.
	require.NoError(t, svc.RunDailyAccrual(context.Background(), afterTerm.AddDate(0, 0, 1)))
	balance, err = ledgerSvc.SnapshotBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("1700")))

	reloaded, err := ledgerSvc.GetAccount(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, reloaded.TotalProfit.Equal(decimal.RequireFromString("200")))

	stored, computed, err := ledgerSvc.ReconcileBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, stored.Equal(computed))
}

func TestInactivePlanNotInvestable(t *testing.T) {
	svc, ledgerSvc := newTestEnv(t)
	account := newFundedAccount(t, ledgerSvc, "1000")
	plan := newTestPlan(t, svc, "100", "1000", 30, "20", "1")

	require.NoError(t, svc.db.Model(&models.InvestmentPlan{}).
		Where("id = ?", plan.ID).Update("active", false).Error)

	_, err := svc.Invest(context.Background(), account.ID.String(), plan.ID.String(),
		decimal.RequireFromString("200"))
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrNotFound))

	plans, err := svc.ListPlans(context.Background(), true)
	require.NoError(t, err)
	assert.Empty(t, plans)
}
