// Package api exposes the ledger core over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/altavest/ledgercore/internal/config"
	"github.com/altavest/ledgercore/internal/copytrading"
	"github.com/altavest/ledgercore/internal/intake"
	"github.com/altavest/ledgercore/internal/investment"
	"github.com/altavest/ledgercore/internal/ledger"
	pkgerrors "github.com/altavest/ledgercore/pkg/errors"
)

// Server is the HTTP front of the ledger core.
type Server struct {
	logger      *zap.Logger
	cfg         *config.Config
	ledger      *ledger.Service
	investments *investment.Service
	copying     *copytrading.Service
	intake      *intake.Service

	httpServer *http.Server
}

// NewServer wires the services into an HTTP server.
func NewServer(logger *zap.Logger, cfg *config.Config, ledgerSvc *ledger.Service, investments *investment.Service, copying *copytrading.Service, intakeSvc *intake.Service) *Server {
	s := &Server{
		logger:      logger,
		cfg:         cfg,
		ledger:      ledgerSvc,
		investments: investments,
		copying:     copying,
		intake:      intakeSvc,
	}

	router := s.setupRouter()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

func (s *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware("ledgercore"))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/accounts", s.handleCreateAccount)
		v1.GET("/accounts/:id", s.handleGetAccount)
		v1.GET("/accounts/:id/transactions", s.handleGetTransactions)
		v1.GET("/accounts/:id/reconciliation", s.handleReconcile)

		v1.GET("/plans", s.handleListPlans)
		v1.POST("/plans", s.handleCreatePlan)

		v1.POST("/accounts/:id/investments", s.handleInvest)
		v1.GET("/accounts/:id/investments", s.handleGetPositions)

		v1.POST("/accounts/:id/copytrading", s.handleStartCopying)
		v1.DELETE("/accounts/:id/copytrading", s.handleStopCopying)
		v1.GET("/accounts/:id/copytrading", s.handleGetActiveAllocation)
		v1.GET("/accounts/:id/copytrading/history", s.handleListAllocations)

		v1.POST("/accounts/:id/deposits", s.handleSubmitDeposit)
		v1.POST("/accounts/:id/withdrawals", s.handleSubmitWithdrawal)

		admin := v1.Group("/admin")
		{
			admin.GET("/deposits/pending", s.handlePendingDeposits)
			admin.GET("/withdrawals/pending", s.handlePendingWithdrawals)
			admin.POST("/deposits/:txid/approve", s.handleApproveDeposit)
			admin.POST("/deposits/:txid/reject", s.handleRejectDeposit)
			admin.POST("/withdrawals/:txid/approve", s.handleApproveWithdrawal)
			admin.POST("/withdrawals/:txid/reject", s.handleRejectWithdrawal)
		}
	}

	return router
}

// Run serves until the context is cancelled, then drains connections
// within the configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// writeError renders a coded error with its mapped status; uncoded
// errors become an opaque 500.
func (s *Server) writeError(c *gin.Context, err error) {
	if coded := pkgerrors.FromError(err); coded != nil {
		c.JSON(coded.HTTPStatus(), gin.H{"code": coded.Code, "message": coded.Message})
		return
	}
	s.logger.Error("unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "internal error"})
}
