package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowsync/internal/auth"
	"github.com/mbd888/escrowsync/internal/logging"
	"github.com/mbd888/escrowsync/internal/token"
	"github.com/mbd888/escrowsync/internal/validation"
)

// Handler provides HTTP endpoints for the payment and purchase ledgers.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only routes. The group must require read permission.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payment", h.ListPayments)
	r.GET("/payment/:id", validation.IDParamMiddleware("pay_"), h.GetPayment)
	r.GET("/purchase", h.ListPurchases)
	r.GET("/purchase/:id", validation.IDParamMiddleware("pur_"), h.GetPurchase)
}

// RegisterProtectedRoutes sets up routes that create records or set intents.
// The group must require pay permission.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payment", h.CreatePayment)
	r.POST("/payment/:id/submit-result", validation.IDParamMiddleware("pay_"), h.SubmitResult)
	r.POST("/payment/:id/authorize-refund", validation.IDParamMiddleware("pay_"), h.AuthorizeRefund)
	r.POST("/purchase", h.CreatePurchase)
	r.POST("/purchase/:id/request-refund", validation.IDParamMiddleware("pur_"), h.RequestRefund)
	r.POST("/purchase/:id/cancel-refund", validation.IDParamMiddleware("pur_"), h.CancelRefund)
}

// RegisterAdminRoutes sets up manual override routes. The group must require admin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payment/:id/resolve", validation.IDParamMiddleware("pay_"), h.ResolvePayment)
	r.POST("/purchase/:id/resolve", validation.IDParamMiddleware("pur_"), h.ResolvePurchase)
}

func callerOf(c *gin.Context) Caller {
	key, ok := auth.GetAPIKey(c)
	if !ok {
		return Caller{}
	}
	return Caller{ID: key.ID, Admin: key.IsAdmin()}
}

func withHistory[A Action](c *gin.Context, r *Request[A]) *Request[A] {
	if c.Query("includeHistory") == "true" {
		return r
	}
	return r.WithoutHistory()
}

// CreatePayment handles POST /v1/payment
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	checks := []func() *validation.ValidationError{
		validation.ValidAgentIdentifier("agentIdentifier", req.AgentIdentifier),
		validation.ValidHash("inputHash", req.InputHash),
		validation.MaxLength("purchaserIdentifier", req.PurchaserIdentifier, validation.MaxStringLength),
	}
	if errs := validation.Validate(append(checks, fundsChecks(req.RequestedFunds)...)...); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	r, err := h.service.CreatePayment(c.Request.Context(), callerOf(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": r})
}

// CreatePurchase handles POST /v1/purchase
func (h *Handler) CreatePurchase(c *gin.Context) {
	var req CreatePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	checks := []func() *validation.ValidationError{
		validation.ValidAgentIdentifier("agentIdentifier", req.AgentIdentifier),
		validation.ValidHash("inputHash", req.InputHash),
		validation.ValidAddress("sellerAddress", req.SellerAddress),
		validation.MaxLength("blockchainIdentifier", req.BlockchainIdentifier, 8*validation.MaxStringLength),
		validation.MaxLength("purchaserIdentifier", req.PurchaserIdentifier, validation.MaxStringLength),
	}
	if errs := validation.Validate(append(checks, fundsChecks(req.RequestedFunds)...)...); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	r, err := h.service.CreatePurchase(c.Request.Context(), callerOf(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"purchase": r})
}

func fundsChecks(funds []Funds) []func() *validation.ValidationError {
	checks := make([]func() *validation.ValidationError, 0, len(funds))
	for i, f := range funds {
		checks = append(checks, validation.ValidAmount("requestedFunds["+strconv.Itoa(i)+"].amount", f.Amount.String()))
	}
	return checks
}

// GetPayment handles GET /v1/payment/:id
func (h *Handler) GetPayment(c *gin.Context) {
	r, err := h.service.GetPayment(c.Request.Context(), callerOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": withHistory(c, r)})
}

// GetPurchase handles GET /v1/purchase/:id
func (h *Handler) GetPurchase(c *gin.Context) {
	r, err := h.service.GetPurchase(c.Request.Context(), callerOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": withHistory(c, r)})
}

func listQuery(c *gin.Context) ListQuery {
	q := ListQuery{
		PaymentSourceID: c.Query("paymentSourceId"),
		Cursor:          c.Query("cursor"),
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			q.Limit = parsed
		}
	}
	return q
}

// ListPayments handles GET /v1/payment
func (h *Handler) ListPayments(c *gin.Context) {
	items, next, err := h.service.ListPayments(c.Request.Context(), callerOf(c), listQuery(c))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]*PaymentRequest, len(items))
	for i, r := range items {
		out[i] = withHistory(c, r)
	}
	c.JSON(http.StatusOK, gin.H{
		"payments":   out,
		"count":      len(out),
		"nextCursor": next,
	})
}

// ListPurchases handles GET /v1/purchase
func (h *Handler) ListPurchases(c *gin.Context) {
	items, next, err := h.service.ListPurchases(c.Request.Context(), callerOf(c), listQuery(c))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]*PurchaseRequest, len(items))
	for i, r := range items {
		out[i] = withHistory(c, r)
	}
	c.JSON(http.StatusOK, gin.H{
		"purchases":  out,
		"count":      len(out),
		"nextCursor": next,
	})
}

// SubmitResultRequest carries the hash of the delivered result.
type SubmitResultRequest struct {
	ResultHash string `json:"resultHash" binding:"required"`
}

// SubmitResult handles POST /v1/payment/:id/submit-result
func (h *Handler) SubmitResult(c *gin.Context) {
	var req SubmitResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resultHash is required",
		})
		return
	}
	r, err := h.service.SubmitResult(c.Request.Context(), callerOf(c), c.Param("id"), req.ResultHash)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": r.WithoutHistory()})
}

// AuthorizeRefund handles POST /v1/payment/:id/authorize-refund
func (h *Handler) AuthorizeRefund(c *gin.Context) {
	r, err := h.service.AuthorizeRefund(c.Request.Context(), callerOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": r.WithoutHistory()})
}

// RequestRefund handles POST /v1/purchase/:id/request-refund
func (h *Handler) RequestRefund(c *gin.Context) {
	r, err := h.service.RequestRefund(c.Request.Context(), callerOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": r.WithoutHistory()})
}

// CancelRefund handles POST /v1/purchase/:id/cancel-refund
func (h *Handler) CancelRefund(c *gin.Context) {
	r, err := h.service.CancelRefund(c.Request.Context(), callerOf(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": r.WithoutHistory()})
}

// ResolvePayment handles POST /v1/admin/payment/:id/resolve
func (h *Handler) ResolvePayment(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "action is required",
		})
		return
	}
	r, err := h.service.ResolvePayment(c.Request.Context(), callerOf(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": r.WithoutHistory()})
}

// ResolvePurchase handles POST /v1/admin/purchase/:id/resolve
func (h *Handler) ResolvePurchase(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "action is required",
		})
		return
	}
	r, err := h.service.ResolvePurchase(c.Request.Context(), callerOf(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": r.WithoutHistory()})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// errorStatus maps service errors to an HTTP status and error code.
var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{ErrForbidden, http.StatusForbidden, "forbidden"},
	{ErrIntentNotAllowed, http.StatusConflict, "invalid_state"},
	{ErrDeadlinePassed, http.StatusConflict, "deadline_passed"},
	{ErrDuplicateIdentifier, http.StatusConflict, "duplicate_identifier"},
	{ErrCoolDown, http.StatusTooManyRequests, "cooldown_active"},
	{ErrAgentNotOwned, http.StatusUnprocessableEntity, "agent_not_owned"},
	{ErrNoWallet, http.StatusUnprocessableEntity, "no_wallet"},
	{ErrAssetLookup, http.StatusBadGateway, "chain_unavailable"},
	{ErrUnknownSource, http.StatusBadRequest, "unknown_payment_source"},
	{ErrInvalidAgent, http.StatusBadRequest, "invalid_agent"},
	{ErrInvalidResultHash, http.StatusBadRequest, "invalid_result_hash"},
	{ErrInvalidAction, http.StatusBadRequest, "invalid_action"},
	{ErrInvalidFunds, http.StatusBadRequest, "invalid_funds"},
	{ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{ErrInvalidCursor, http.StatusBadRequest, "invalid_cursor"},
	{token.ErrMalformed, http.StatusBadRequest, "invalid_token"},
	{token.ErrBadSignature, http.StatusBadRequest, "invalid_token"},
	{token.ErrMismatch, http.StatusBadRequest, "token_mismatch"},
	{token.ErrInvalidDeadlines, http.StatusBadRequest, "invalid_deadlines"},
}

func writeError(c *gin.Context, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			c.JSON(e.status, gin.H{
				"error":   e.code,
				"message": err.Error(),
			})
			return
		}
	}
	logging.L(c.Request.Context()).Error("escrow request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Internal server error",
	})
}
