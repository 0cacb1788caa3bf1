package accrual

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

	"github.com/altavest/ledgercore/internal/copytrading"
	"github.com/altavest/ledgercore/internal/database"
	"github.com/altavest/ledgercore/internal/investment"
	"github.com/altavest/ledgercore/internal/ledger"
	"github.com/altavest/ledgercore/pkg/models"
)

func newTestEnv(t *testing.T) (*ledger.Service, *investment.Service, *copytrading.Service) {
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
	investments, err := investment.NewService(zap.NewNop(), db, ledgerSvc)
	require.NoError(t, err)
	copying, err := copytrading.NewService(zap.NewNop(), db, ledgerSvc)
	require.NoError(t, err)
	return ledgerSvc, investments, copying
}

func TestSchedulerRunsJobsAtStartup(t *testing.T) {
	ledgerSvc, investments, copying := newTestEnv(t)

	account, err := ledgerSvc.CreateAccount(context.Background(), uuid.NewString())
	require.NoError(t, err)
	_, err = ledgerSvc.Credit(context.Background(), account.ID.String(),
		decimal.RequireFromString("2000"), models.TypeDeposit, "test funding")
	require.NoError(t, err)

	_, err = copying.Start(context.Background(), account.ID.String(), "trader-1", "Ada",
		decimal.RequireFromString("1000"))
	require.NoError(t, err)

	scheduler := NewScheduler(zap.NewNop(), nil, investments, copying, Options{
		InvestmentInterval: time.Hour,
		CopyInterval:       time.Hour,
		CopyReturnRate:     decimal.RequireFromString("0.01"),
		LockTTL:            time.Minute,
	})
	scheduler.Start()

	// The startup pass credits one copy-trading period.
	require.Eventually(t, func() bool {
		balance, err := ledgerSvc.SnapshotBalance(context.Background(), account.ID.String())
		return err == nil && balance.Equal(decimal.RequireFromString("1010"))
	}, 5*time.Second, 20*time.Millisecond)

	scheduler.Stop()

	// Stop is idempotent and leaves no goroutine behind.
	scheduler.Stop()
}

func TestSchedulerWithoutRedisSkipsLease(t *testing.T) {
	_, investments, copying := newTestEnv(t)

	scheduler := NewScheduler(zap.NewNop(), nil, investments, copying, Options{})
	assert.True(t, scheduler.acquireLease("investment", "2026-08-30"))
}
