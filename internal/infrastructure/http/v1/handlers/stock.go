package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/posting"
	"stockledger/internal/domain/registers/stock"
	"stockledger/internal/infrastructure/http/v1/dto"
)

const (
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderBatchReplayed  = "X-Batch-Replayed"
)

// StockHandler handles HTTP requests for the stock ledger.
type StockHandler struct {
	*BaseHandler
	engine  *posting.Engine
	service *stock.Service
}

// NewStockHandler creates a new stock handler.
func NewStockHandler(base *BaseHandler, engine *posting.Engine, service *stock.Service) *StockHandler {
	return &StockHandler{
		BaseHandler: base,
		engine:      engine,
		service:     service,
	}
}

// RegisterRoutes mounts the stock endpoints on rg.
func (h *StockHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/batches", h.SubmitBatch)
	rg.GET("/batches/:batchId", h.GetBatch)
	rg.GET("/movements", h.ListMovements)
	rg.GET("/movements/:id", h.GetMovement)
	rg.GET("/totals", h.GetTotals)
	rg.GET("/products/:productId/total", h.GetProductTotal)
	rg.PUT("/limits", h.SetLimits)
	rg.GET("/consistency", h.VerifyConsistency)
}

// SubmitBatch handles POST /batches.
// 201 for a new commit, 200 with X-Batch-Replayed for an idempotent replay.
func (h *StockHandler) SubmitBatch(c *gin.Context) {
	var req dto.SubmitBatchRequest
	if !h.BindJSON(c, &req) {
		return
	}
	if req.BatchID == "" {
		req.BatchID = c.GetHeader(HeaderIdempotencyKey)
	}

	batch, err := req.ToEntity()
	if err != nil {
		h.Error(c, err)
		return
	}

	result, err := h.engine.Submit(c.Request.Context(), batch)
	if err != nil {
		h.Error(c, err)
		return
	}

	resp := dto.FromCommittedBatch(result)
	if result.Replayed {
		c.Header(HeaderBatchReplayed, "true")
		h.OK(c, resp)
		return
	}
	c.Header("Location", c.FullPath()+"/"+result.ID)
	h.Created(c, resp)
}

// GetBatch handles GET /batches/:batchId.
func (h *StockHandler) GetBatch(c *gin.Context) {
	batch, err := h.service.GetBatch(c.Request.Context(), c.Param("batchId"))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromCommittedBatch(batch))
}

// ListMovements handles GET /movements.
func (h *StockHandler) ListMovements(c *gin.Context) {
	var req dto.MovementFilterRequest
	if !h.BindQuery(c, &req) {
		return
	}
	req.Defaults(stock.DefaultPageSize)

	filter, err := req.ToFilter()
	if err != nil {
		h.Error(c, err)
		return
	}

	page, err := h.service.ListMovements(c.Request.Context(), filter, req.Page, req.PageSize)
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.GenericListResponse[dto.MovementResponse]{
		Data:       dto.FromMovements(page.Items),
		Pagination: dto.NewPaginationResponse(page.Page, page.PageSize, page.Total),
	})
}

// GetMovement handles GET /movements/:id.
func (h *StockHandler) GetMovement(c *gin.Context) {
	movementID, err := id.Parse(c.Param("id"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid movement id format"))
		return
	}

	m, err := h.service.GetMovement(c.Request.Context(), movementID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromMovement(m))
}

// GetTotals handles GET /totals?productId=.
func (h *StockHandler) GetTotals(c *gin.Context) {
	productID, err := id.ParseOptional(c.Query("productId"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid productId format"))
		return
	}

	levels, err := h.service.GetStockTotals(c.Request.Context(), productID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(dto.FromStockLevels(levels)))
}

// GetProductTotal handles GET /products/:productId/total.
func (h *StockHandler) GetProductTotal(c *gin.Context) {
	productID, err := id.Parse(c.Param("productId"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid productId format"))
		return
	}

	total, err := h.service.GetProductTotal(c.Request.Context(), productID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromProductTotal(total))
}

// SetLimits handles PUT /limits.
func (h *StockHandler) SetLimits(c *gin.Context) {
	var req dto.SetLimitsRequest
	if !h.BindJSON(c, &req) {
		return
	}

	limits, err := req.ToEntity()
	if err != nil {
		h.Error(c, err)
		return
	}

	level, err := h.engine.SetLimits(c.Request.Context(), limits)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromStockLevel(level))
}

// VerifyConsistency handles GET /consistency.
func (h *StockHandler) VerifyConsistency(c *gin.Context) {
	productID, err := id.ParseOptional(c.Query("productId"))
	if err != nil {
		h.Error(c, apperror.NewValidation("invalid productId format"))
		return
	}

	report, err := h.service.VerifyConsistency(c.Request.Context(), productID)
	if err != nil {
		h.Error(c, err)
		return
	}

	status := http.StatusOK
	if !report.Consistent {
		status = http.StatusConflict
	}
	c.JSON(status, report)
}
