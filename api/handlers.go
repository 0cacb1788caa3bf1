package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	pkgerrors "github.com/altavest/ledgercore/pkg/errors"
	"github.com/altavest/ledgercore/pkg/models"
)

// amount validates string fields that must parse as a decimal number.
func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
			_, err := decimal.NewFromString(fl.Field().String())
			return err == nil
		})
	}
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, pkgerrors.ErrInvalidAmount.WithMessage("amount %q is not a number", raw)
	}
	return amount, nil
}

type createAccountRequest struct {
	UserID string `json:"user_id" binding:"required,uuid"`
}

func (s *Server) handleCreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	account, err := s.ledger.CreateAccount(c.Request.Context(), req.UserID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (s *Server) handleGetAccount(c *gin.Context) {
	account, err := s.ledger.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (s *Server) handleGetTransactions(c *gin.Context) {
	limit, offset := pagination(c)
	txns, total, err := s.ledger.GetTransactions(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "total": total})
}

func (s *Server) handleReconcile(c *gin.Context) {
	stored, computed, err := s.ledger.ReconcileBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stored":     stored,
		"computed":   computed,
		"consistent": stored.Equal(computed),
	})
}

type createPlanRequest struct {
	Name             string `json:"name" binding:"required"`
	MinimumAmount    string `json:"minimum_amount" binding:"required"`
	MaximumAmount    string `json:"maximum_amount" binding:"required"`
	DurationDays     int    `json:"duration_days" binding:"required,gt=0"`
	PercentageReturn string `json:"percentage_return" binding:"required"`
	DailyReturn      string `json:"daily_return" binding:"required"`
}

func (s *Server) handleCreatePlan(c *gin.Context) {
	var req createPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	minimum, err := parseAmount(req.MinimumAmount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	maximum, err := parseAmount(req.MaximumAmount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	percentage, err := parseAmount(req.PercentageReturn)
	if err != nil {
		s.writeError(c, err)
		return
	}
	daily, err := parseAmount(req.DailyReturn)
	if err != nil {
		s.writeError(c, err)
		return
	}
	plan, err := s.investments.CreatePlan(c.Request.Context(), req.Name, minimum, maximum, req.DurationDays, percentage, daily)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, plan)
}

func (s *Server) handleListPlans(c *gin.Context) {
	activeOnly := c.DefaultQuery("active", "true") == "true"
	plans, err := s.investments.ListPlans(c.Request.Context(), activeOnly)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

type investRequest struct {
	PlanID string `json:"plan_id" binding:"required,uuid"`
	Amount string `json:"amount" binding:"required,amount"`
}

func (s *Server) handleInvest(c *gin.Context) {
	var req investRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	position, err := s.investments.Invest(c.Request.Context(), c.Param("id"), req.PlanID, amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, position)
}

func (s *Server) handleGetPositions(c *gin.Context) {
	limit, offset := pagination(c)
	positions, total, err := s.investments.GetPositions(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "total": total})
}

type startCopyingRequest struct {
	TraderID   string `json:"trader_id" binding:"required"`
	TraderName string `json:"trader_name"`
	Amount     string `json:"amount" binding:"required,amount"`
}

func (s *Server) handleStartCopying(c *gin.Context) {
	var req startCopyingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	allocation, err := s.copying.Start(c.Request.Context(), c.Param("id"), req.TraderID, req.TraderName, amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, allocation)
}

func (s *Server) handleStopCopying(c *gin.Context) {
	allocation, err := s.copying.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"allocation":      allocation,
		"amount_returned": allocation.AllocatedAmount,
	})
}

func (s *Server) handleGetActiveAllocation(c *gin.Context) {
	allocation, err := s.copying.GetActive(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, allocation)
}

func (s *Server) handleListAllocations(c *gin.Context) {
	limit, offset := pagination(c)
	allocations, total, err := s.copying.ListAllocations(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocations": allocations, "total": total})
}

type submitDepositRequest struct {
	Amount   string `json:"amount" binding:"required,amount"`
	ProofRef string `json:"proof_ref"`
	TxHash   string `json:"tx_hash"`
}

func (s *Server) handleSubmitDeposit(c *gin.Context) {
	var req submitDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	txn, err := s.intake.SubmitDeposit(c.Request.Context(), c.Param("id"), amount, req.ProofRef, req.TxHash)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

type submitWithdrawalRequest struct {
	Amount      string `json:"amount" binding:"required,amount"`
	Destination string `json:"destination" binding:"required"`
}

func (s *Server) handleSubmitWithdrawal(c *gin.Context) {
	var req submitWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	txn, err := s.intake.SubmitWithdrawal(c.Request.Context(), c.Param("id"), amount, req.Destination)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, txn)
}

func (s *Server) handlePendingDeposits(c *gin.Context) {
	limit, offset := pagination(c)
	txns, total, err := s.intake.ListPending(c.Request.Context(), models.TypeDeposit, limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposits": txns, "total": total})
}

func (s *Server) handlePendingWithdrawals(c *gin.Context) {
	limit, offset := pagination(c)
	txns, total, err := s.intake.ListPending(c.Request.Context(), models.TypeWithdrawal, limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": txns, "total": total})
}

type rejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) handleApproveDeposit(c *gin.Context) {
	txn, err := s.intake.ApproveDeposit(c.Request.Context(), c.Param("txid"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (s *Server) handleRejectDeposit(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	txn, err := s.intake.RejectDeposit(c.Request.Context(), c.Param("txid"), req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (s *Server) handleApproveWithdrawal(c *gin.Context) {
	txn, err := s.intake.ApproveWithdrawal(c.Request.Context(), c.Param("txid"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (s *Server) handleRejectWithdrawal(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_REQUEST", "message": err.Error()})
		return
	}
	txn, err := s.intake.RejectWithdrawal(c.Request.Context(), c.Param("txid"), req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}
