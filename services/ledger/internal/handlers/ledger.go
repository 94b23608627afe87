package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/AfshinJalili/coinledger/libs/httpmiddleware"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/engine"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/service"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/storage"
)

const (
	codeInvalidRequest      = "INVALID_REQUEST"
	codeNotFound            = "NOT_FOUND"
	codeInsufficientBalance = "INSUFFICIENT_BALANCE"
	codePriceUnavailable    = "PRICE_UNAVAILABLE"
	codeContention          = "CONTENTION"
	codeInternalError       = "INTERNAL_ERROR"

	notFoundMessage = "transaction not found or not pending"
)

type LedgerService interface {
	RequestDeposit(ctx context.Context, req engine.DepositRequest) (engine.Result, error)
	RequestWithdraw(ctx context.Context, req engine.WithdrawRequest) (engine.Result, error)
	SettleDeposit(ctx context.Context, id uuid.UUID) (engine.Result, error)
	SettleWithdraw(ctx context.Context, id uuid.UUID) (engine.Result, error)
	RejectDeposit(ctx context.Context, id uuid.UUID) (engine.Result, error)
	RejectWithdraw(ctx context.Context, id uuid.UUID) (engine.Result, error)
	Exchange(ctx context.Context, req engine.ExchangeRequest) (engine.Result, error)
	ListBalances(ctx context.Context, userID uuid.UUID) ([]storage.Balance, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (storage.Transaction, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]storage.Transaction, error)
}

type Handler struct {
	Service LedgerService
	Logger  *slog.Logger
}

type depositRequest struct {
	UserID  string         `json:"user_id"`
	Asset   string         `json:"asset"`
	Amount  string         `json:"amount"`
	Details map[string]any `json:"details"`
}

type withdrawRequest struct {
	UserID  string         `json:"user_id"`
	Asset   string         `json:"asset"`
	Amount  string         `json:"amount"`
	Address string         `json:"address"`
	Network string         `json:"network"`
	Details map[string]any `json:"details"`
}

type exchangeRequest struct {
	UserID    string `json:"user_id"`
	FromAsset string `json:"from_asset"`
	ToAsset   string `json:"to_asset"`
	Amount    string `json:"amount"`
	FromPrice string `json:"from_price"`
	ToPrice   string `json:"to_price"`
}

type operationResponse struct {
	Transaction service.TransactionView `json:"transaction"`
	Balances    []service.BalanceView   `json:"balances,omitempty"`
}

type exchangeResponse struct {
	operationResponse
	FromAmount string `json:"from_amount"`
	ToAmount   string `json:"to_amount"`
	Fee        string `json:"fee"`
}

type balancesResponse struct {
	UserID   string                `json:"user_id"`
	Balances []service.BalanceView `json:"balances"`
}

type transactionsResponse struct {
	UserID       string                    `json:"user_id"`
	Transactions []service.TransactionView `json:"transactions"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func New(svc LedgerService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/deposits", h.CreateDeposit)
	v1.POST("/deposits/:id/settle", h.finalizeHandler(h.Service.SettleDeposit))
	v1.POST("/deposits/:id/reject", h.finalizeHandler(h.Service.RejectDeposit))
	v1.POST("/withdrawals", h.CreateWithdrawal)
	v1.POST("/withdrawals/:id/settle", h.finalizeHandler(h.Service.SettleWithdraw))
	v1.POST("/withdrawals/:id/reject", h.finalizeHandler(h.Service.RejectWithdraw))
	v1.POST("/exchange", h.Exchange)
	v1.GET("/users/:user_id/balances", h.ListBalances)
	v1.GET("/users/:user_id/transactions", h.ListTransactions)
	v1.GET("/transactions/:id", h.GetTransaction)
}

func (h *Handler) CreateDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "invalid payload")
		return
	}
	userID, err := parseUUID(req.UserID, "user_id")
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	amount, err := parsePositiveDecimal(req.Amount, "amount")
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	res, err := h.Service.RequestDeposit(requestContext(c), engine.DepositRequest{
		UserID:  userID,
		Asset:   req.Asset,
		Amount:  amount,
		Details: req.Details,
	})
	if err != nil {
		h.writeLedgerError(c, "request deposit", err)
		return
	}
	c.JSON(http.StatusCreated, toOperationResponse(res))
}

func (h *Handler) CreateWithdrawal(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "invalid payload")
		return
	}
	userID, err := parseUUID(req.UserID, "user_id")
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	amount, err := parsePositiveDecimal(req.Amount, "amount")
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}

	res, err := h.Service.RequestWithdraw(requestContext(c), engine.WithdrawRequest{
		UserID:  userID,
		Asset:   req.Asset,
		Amount:  amount,
		Address: req.Address,
		Network: req.Network,
		Details: req.Details,
	})
	if err != nil {
		h.writeLedgerError(c, "request withdrawal", err)
		return
	}
	c.JSON(http.StatusCreated, toOperationResponse(res))
}

// finalizeHandler serves the settle and reject routes. A transaction that is
// already terminal answers like an unknown one.
func (h *Handler) finalizeHandler(op func(context.Context, uuid.UUID) (engine.Result, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := parseUUID(c.Param("id"), "transaction id")
		if err != nil {
			writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		}
		res, err := op(requestContext(c), id)
		if err != nil {
			h.writeLedgerError(c, "finalize transaction", err)
			return
		}
		if !res.Applied {
			writeError(c, http.StatusNotFound, codeNotFound, notFoundMessage)
			return
		}
		c.JSON(http.StatusOK, toOperationResponse(res))
	}
}

func (h *Handler) Exchange(c *gin.Context) {
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "invalid payload")
		return
	}
	userID, err := parseUUID(req.UserID, "user_id")
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	amount, err := parsePositiveDecimal(req.Amount, "amount")
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	// Missing or malformed prices are a price problem, not a request problem.
	fromPrice, fromErr := parsePositiveDecimal(req.FromPrice, "from_price")
	toPrice, toErr := parsePositiveDecimal(req.ToPrice, "to_price")
	if fromErr != nil || toErr != nil {
		writeError(c, http.StatusBadRequest, codePriceUnavailable, "price unavailable")
		return
	}

	res, err := h.Service.Exchange(requestContext(c), engine.ExchangeRequest{
		UserID:    userID,
		FromAsset: req.FromAsset,
		ToAsset:   req.ToAsset,
		Amount:    amount,
		FromPrice: fromPrice,
		ToPrice:   toPrice,
	})
	if err != nil {
		h.writeLedgerError(c, "exchange", err)
		return
	}
	c.JSON(http.StatusOK, exchangeResponse{
		operationResponse: toOperationResponse(res),
		FromAmount:        res.Transaction.FromAmount.String(),
		ToAmount:          res.Transaction.ToAmount.String(),
		Fee:               res.Transaction.Fee.String(),
	})
}

func (h *Handler) ListBalances(c *gin.Context) {
	userID, err := parseUUID(c.Param("user_id"), "user_id")
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	balances, err := h.Service.ListBalances(c.Request.Context(), userID)
	if err != nil {
		h.writeLedgerError(c, "list balances", err)
		return
	}
	c.JSON(http.StatusOK, balancesResponse{UserID: userID.String(), Balances: service.NewBalanceViews(balances)})
}

func (h *Handler) ListTransactions(c *gin.Context) {
	userID, err := parseUUID(c.Param("user_id"), "user_id")
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(c, http.StatusBadRequest, codeInvalidRequest, "limit must be a positive integer")
			return
		}
	}
	txns, err := h.Service.ListTransactions(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeLedgerError(c, "list transactions", err)
		return
	}
	views := make([]service.TransactionView, 0, len(txns))
	for _, txn := range txns {
		views = append(views, service.NewTransactionView(txn))
	}
	c.JSON(http.StatusOK, transactionsResponse{UserID: userID.String(), Transactions: views})
}

func (h *Handler) GetTransaction(c *gin.Context) {
	id, err := parseUUID(c.Param("id"), "transaction id")
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	txn, err := h.Service.GetTransaction(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			writeError(c, http.StatusNotFound, codeNotFound, "transaction not found")
			return
		}
		h.writeLedgerError(c, "get transaction", err)
		return
	}
	c.JSON(http.StatusOK, service.NewTransactionView(txn))
}

func (h *Handler) writeLedgerError(c *gin.Context, action string, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidInput):
		writeError(c, http.StatusBadRequest, codeInvalidRequest, strings.TrimPrefix(err.Error(), engine.ErrInvalidInput.Error()+": "))
	case errors.Is(err, engine.ErrNotFound):
		writeError(c, http.StatusNotFound, codeNotFound, notFoundMessage)
	case errors.Is(err, engine.ErrInsufficientFunds):
		writeError(c, http.StatusBadRequest, codeInsufficientBalance, "insufficient balance")
	case errors.Is(err, engine.ErrPriceUnavailable):
		writeError(c, http.StatusBadRequest, codePriceUnavailable, "price unavailable")
	case errors.Is(err, engine.ErrContention):
		c.Header("Retry-After", "1")
		writeError(c, http.StatusConflict, codeContention, "ledger busy, retry")
	default:
		h.Logger.Error(action+" failed", "request_id", httpmiddleware.RequestIDFromContext(c), "error", err)
		writeError(c, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}

func toOperationResponse(res engine.Result) operationResponse {
	resp := operationResponse{Transaction: service.NewTransactionView(res.Transaction)}
	if len(res.Balances) > 0 {
		resp.Balances = service.NewBalanceViews(res.Balances)
	}
	return resp
}

func requestContext(c *gin.Context) context.Context {
	return service.WithCorrelationID(c.Request.Context(), httpmiddleware.RequestIDFromContext(c))
}

func parseUUID(value, field string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New(field + " is required")
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.Nil, errors.New("invalid " + field)
	}
	return parsed, nil
}

func parsePositiveDecimal(value, field string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, errors.New(field + " is required")
	}
	dec, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, errors.New(field + " must be a decimal")
	}
	if dec.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, errors.New(field + " must be positive")
	}
	return dec, nil
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Message: message})
}
