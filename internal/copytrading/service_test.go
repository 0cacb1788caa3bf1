package copytrading

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

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

func TestStartLocksPrincipal(t *testing.T) {
	svc, ledgerSvc := newTestEnv(t)
	account := newFundedAccount(t, ledgerSvc, "1500")

	allocation, err := svc.Start(context.Background(), account.ID.String(), "trader-1", "Ada", decimal.RequireFromString("1000"))
	require.NoError(t, err)
	assert.Equal(t, models.AllocationActive, allocation.Status)
	assert.True(t, allocation.TotalEarned.IsZero())

	balance, err := ledgerSvc.SnapshotBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("500")))
}

func TestSecondStartRejectedWhileActive(t *testing.T) {
	svc, ledgerSvc := newTestEnv(t)
	account := newFundedAccount(t, ledgerSvc, "1500")

	_, err := svc.Start(context.Background(), account.ID.String(), "trader-1", "Ada", decimal.RequireFromString("500"))
	require.NoError(t, err)

	_, err = svc.Start(context.Background(), account.ID.String(), "trader-2", "Grace", decimal.RequireFromString("500"))
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrAllocationAlreadyActive))

	// The rejected attempt must not have touched the balance.
	balance, err := ledgerSvc.SnapshotBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("1000")))
}

func TestConcurrentStartsOneWins(t *testing.T) {
	svc, ledgerSvc := newTestEnv(t)
	account := newFundedAccount(t, ledgerSvc, "5000")

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := svc.Start(context.Background(), account.ID.String(),
				fmt.Sprintf("trader-%d", n), "Racer", decimal.RequireFromString("100"))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var won, rejected int
	for err := range results {
		switch {
		case err == nil:
			won++
		case pkgerrors.Is(err, pkgerrors.ErrAllocationAlreadyActive):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, workers-1, rejected)

	balance, err := ledgerSvc.SnapshotBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("4900")))
}

func TestStopReturnsExactlyThePrincipal(t *testing.T) {
	svc, ledgerSvc := newTestEnv(t)
	account := newFundedAccount(t, ledgerSvc, "1500")

	_, err := svc.Start(context.Background(), account.ID.String(), "trader-1", "Ada", decimal.RequireFromString("1000"))
	require.NoError(t, err)

	// Earnings accrue before the stop; they were credited already and
	// must not be paid a second time.
	require.NoError(t, svc.ApplyEarnings(context.Background(), "2026-08-30T10", decimal.RequireFromString("0.05")))

	balance, err := ledgerSvc.SnapshotBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("550")))

	stopped, err := svc.Stop(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, models.AllocationStopped, stopped.Status)
	assert.True(t, stopped.AllocatedAmount.Equal(decimal.RequireFromString("1000")))
	assert.NotNil(t, stopped.StoppedDate)

	// 550 + the 1000 principal, not 1050 + earnings again.
	balance, err = ledgerSvc.SnapshotBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("1550")))

	// A new allocation may start once the previous one stopped.
	_, err = svc.Start(context.Background(), account.ID.String(), "trader-2", "Grace", decimal.RequireFromString("200"))
	require.NoError(t, err)
}

func TestStopWithoutActiveAllocation(t *testing.T) {
	svc, ledgerSvc := newTestEnv(t)
	account := newFundedAccount(t, ledgerSvc, "100")

	_, err := svc.Stop(context.Background(), account.ID.String())
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrNoActiveAllocation))
}

func TestApplyEarningsIdempotentPerPeriod(t *testing.T) {
	svc, ledgerSvc := newTestEnv(t)
	account := newFundedAccount(t, ledgerSvc, "1000")

	_, err := svc.Start(context.Background(), account.ID.String(), "trader-1", "Ada", decimal.RequireFromString("1000"))
	require.NoError(t, err)

	rate := decimal.RequireFromString("0.01")
	require.NoError(t, svc.ApplyEarnings(context.Background(), "2026-08-30T10", rate))
	require.NoError(t, svc.ApplyEarnings(context.Background(), "2026-08-30T10", rate))
	require.NoError(t, svc.ApplyEarnings(context.Background(), "2026-08-30T11", rate))

	// Two distinct periods, one credit each.
	balance, err := ledgerSvc.SnapshotBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("20")), "balance %s", balance)

	active, err := svc.GetActive(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, active.TotalEarned.Equal(decimal.RequireFromString("20")))

	reloaded, err := ledgerSvc.GetAccount(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, reloaded.TotalProfit.Equal(decimal.RequireFromString("20")))
}

func TestEarningsSkipStoppedAllocations(t *testing.T) {
	svc, ledgerSvc := newTestEnv(t)
	account := newFundedAccount(t, ledgerSvc, "1000")

	_, err := svc.Start(context.Background(), account.ID.String(), "trader-1", "Ada", decimal.RequireFromString("800"))
	require.NoError(t, err)
	_, err = svc.Stop(context.Background(), account.ID.String())
	require.NoError(t, err)

	require.NoError(t, svc.ApplyEarnings(context.Background(), "2026-08-30T10", decimal.RequireFromString("0.01")))

	balance, err := ledgerSvc.SnapshotBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("1000")))
}
