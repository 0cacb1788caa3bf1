package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/altavest/ledgercore/api"
	"github.com/altavest/ledgercore/internal/accrual"
	"github.com/altavest/ledgercore/internal/config"
	"github.com/altavest/ledgercore/internal/copytrading"
	"github.com/altavest/ledgercore/internal/database"
	"github.com/altavest/ledgercore/internal/events"
	"github.com/altavest/ledgercore/internal/intake"
	"github.com/altavest/ledgercore/internal/investment"
	"github.com/altavest/ledgercore/internal/ledger"
	"github.com/altavest/ledgercore/pkg/logger"
	"github.com/altavest/ledgercore/pkg/metrics"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}

	redisClient, err := database.NewRedisClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Warn("redis unavailable, accrual leases disabled", zap.Error(err))
		redisClient = nil
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.TransactionTopic, log)
	}
	defer publisher.Close()

	ledgerSvc, err := ledger.NewService(log, db, publisher)
	if err != nil {
		log.Fatal("failed to create ledger service", zap.Error(err))
	}
	investments, err := investment.NewService(log, db, ledgerSvc)
	if err != nil {
		log.Fatal("failed to create investment service", zap.Error(err))
	}
	copying, err := copytrading.NewService(log, db, ledgerSvc)
	if err != nil {
		log.Fatal("failed to create copy-trading service", zap.Error(err))
	}
	intakeSvc, err := intake.NewService(log, db, ledgerSvc)
	if err != nil {
		log.Fatal("failed to create intake service", zap.Error(err))
	}

	copyRate, err := decimal.NewFromString(cfg.Accrual.CopyReturnRate)
	if err != nil {
		log.Fatal("invalid copy return rate", zap.String("rate", cfg.Accrual.CopyReturnRate), zap.Error(err))
	}

	scheduler := accrual.NewScheduler(log, redisClient, investments, copying, accrual.Options{
		InvestmentInterval: cfg.Accrual.InvestmentInterval,
		CopyInterval:       cfg.Accrual.CopyInterval,
		CopyReturnRate:     copyRate,
		LockTTL:            cfg.Accrual.LockTTL,
	})
	scheduler.Start()
	defer scheduler.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go reportDBStats(ctx, db, log)

	server := api.NewServer(log, cfg, ledgerSvc, investments, copying, intakeSvc)
	if err := server.Run(ctx); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// reportDBStats exports connection pool gauges every 15 seconds.
func reportDBStats(ctx context.Context, db *gorm.DB, log *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("cannot report db stats", zap.Error(err))
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := sqlDB.Stats()
			metrics.DBOpenConns.WithLabelValues("ledger").Set(float64(stats.OpenConnections))
			metrics.DBIdleConns.WithLabelValues("ledger").Set(float64(stats.Idle))
			metrics.DBInUseConns.WithLabelValues("ledger").Set(float64(stats.InUse))
		}
	}
}
