package main

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/middlewares"
	"github.com/mmdatafocus/stock_engine/models"
	"github.com/mmdatafocus/stock_engine/syncqueue"
	"github.com/mmdatafocus/stock_engine/workflow"
	"github.com/sirupsen/logrus"
)

// apiHandler serves the REST surface. The engine is installed once the
// database is connected; readyGate answers 503 until then.
type apiHandler struct {
	logger  *logrus.Logger
	current atomic.Pointer[workflow.Engine]
}

func newAPIHandler(logger *logrus.Logger) *apiHandler {
	return &apiHandler{logger: logger}
}

func (h *apiHandler) setEngine(e *workflow.Engine) { h.current.Store(e) }

func (h *apiHandler) engine() *workflow.Engine { return h.current.Load() }

func (h *apiHandler) readyGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.engine() == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "starting up"})
			return
		}
		c.Next()
	}
}

type createInventoryRequest struct {
	ID string `json:"id"`
	models.NewInventoryItem
}

// respondError maps the engine's error taxonomy onto HTTP statuses.
func (h *apiHandler) respondError(c *gin.Context, funcName string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidDocument):
		status = http.StatusBadRequest
	case models.IsScopeError(err):
		var invalid *models.InvalidScopeError
		if errors.As(err, &invalid) {
			status = http.StatusBadRequest
		} else {
			status = http.StatusForbidden
		}
	case errors.Is(err, models.ErrNotFound), errors.Is(err, syncqueue.ErrEntryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInsufficientStock), errors.Is(err, models.ErrAlreadyApplied), errors.Is(err, syncqueue.ErrNotFailed):
		status = http.StatusConflict
	case models.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		config.LogError(h.logger, "handlers.go", funcName, c.Request.Method+" "+c.FullPath(), nil, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *apiHandler) scope(c *gin.Context) (models.Scope, bool) {
	scope, ok := middlewares.ScopeFrom(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request scope not resolved"})
	}
	return scope, ok
}

func (h *apiHandler) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return false
	}
	return true
}

func (h *apiHandler) completeOrder(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	var req workflow.CompleteOrderRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.engine().Orders.Complete(c.Request.Context(), scope, req)
	if err != nil {
		h.respondError(c, "completeOrder", err)
		return
	}
	status := http.StatusOK
	if res.Status == workflow.FulfillmentQueued {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (h *apiHandler) createInventory(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	var req createInventoryRequest
	if !h.bind(c, &req) {
		return
	}
	item, queued, err := h.engine().Inventory.CreateItem(c.Request.Context(), scope, req.ID, req.NewInventoryItem)
	if err != nil {
		h.respondError(c, "createInventory", err)
		return
	}
	if queued {
		c.JSON(http.StatusAccepted, gin.H{"item": item, "queued": true})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"item": item})
}

func (h *apiHandler) getInventory(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	item, err := h.engine().Store.GetInventoryItem(c.Request.Context(), scope, c.Param("id"))
	if err != nil {
		h.respondError(c, "getInventory", err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *apiHandler) receive(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	var req workflow.ReceiveRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.engine().Inventory.Receive(c.Request.Context(), scope, c.Param("id"), req)
	h.stockChanged(c, "receive", res, err)
}

func (h *apiHandler) adjust(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	var req workflow.AdjustRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.engine().Inventory.Adjust(c.Request.Context(), scope, c.Param("id"), req)
	h.stockChanged(c, "adjust", res, err)
}

func (h *apiHandler) setCost(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	var req workflow.SetCostRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.engine().Inventory.SetCost(c.Request.Context(), scope, c.Param("id"), req)
	h.stockChanged(c, "setCost", res, err)
}

func (h *apiHandler) stockChanged(c *gin.Context, funcName string, res *workflow.StockChangeResult, err error) {
	if err != nil {
		h.respondError(c, funcName, err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (h *apiHandler) upsertMenuItem(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	var req models.NewMenuItem
	if !h.bind(c, &req) {
		return
	}
	res, err := h.engine().Menu.Upsert(c.Request.Context(), scope, c.Param("id"), req)
	if err != nil {
		h.respondError(c, "upsertMenuItem", err)
		return
	}
	if res.Queued {
		c.JSON(http.StatusAccepted, res)
		return
	}
	c.JSON(http.StatusOK, res.Item)
}

func (h *apiHandler) deleteMenuItem(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	res, err := h.engine().Menu.Delete(c.Request.Context(), scope, c.Param("id"))
	if err != nil {
		h.respondError(c, "deleteMenuItem", err)
		return
	}
	if res.Queued {
		c.JSON(http.StatusAccepted, res)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *apiHandler) getRecipe(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	recipe, err := h.engine().Index.GetRecipe(c.Request.Context(), c.Param("id"), scope)
	if err != nil {
		h.respondError(c, "getRecipe", err)
		return
	}
	if recipe == nil {
		recipe = []models.RecipeLine{}
	}
	c.JSON(http.StatusOK, gin.H{"menuItemId": c.Param("id"), "recipe": recipe})
}

// menuItemsUsingIngredient answers for the ingredient's id and for recipes
// that name it.
func (h *apiHandler) menuItemsUsingIngredient(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	keys := []string{id}
	item, err := h.engine().Store.GetInventoryItem(ctx, scope, id)
	switch {
	case err == nil:
		keys = append(keys, models.IngredientNameKey(item.Name))
	case !errors.Is(err, models.ErrNotFound):
		h.respondError(c, "menuItemsUsingIngredient", err)
		return
	}

	seen := map[string]bool{}
	ids := []string{}
	for _, key := range keys {
		found, err := h.engine().Index.ItemsUsingIngredient(ctx, key, scope)
		if err != nil {
			h.respondError(c, "menuItemsUsingIngredient", err)
			return
		}
		for _, menuItemId := range found {
			if !seen[menuItemId] {
				seen[menuItemId] = true
				ids = append(ids, menuItemId)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"ingredientId": id, "menuItemIds": ids})
}

func (h *apiHandler) getPOSItem(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	item, err := h.engine().POS.Get(c.Request.Context(), scope, c.Param("id"))
	if err != nil {
		h.respondError(c, "getPOSItem", err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *apiHandler) queue(c *gin.Context) (*syncqueue.Queue, bool) {
	if h.engine().Queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync queue is not configured"})
		return nil, false
	}
	return h.engine().Queue, true
}

func (h *apiHandler) syncStatus(c *gin.Context) {
	q, ok := h.queue(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, q.Status())
}

func (h *apiHandler) listFailed(c *gin.Context) {
	q, ok := h.queue(c)
	if !ok {
		return
	}
	entries, err := q.ListFailed(c.Request.Context())
	if err != nil {
		h.respondError(c, "listFailed", err)
		return
	}
	if entries == nil {
		entries = []syncqueue.Entry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (h *apiHandler) retryFailed(c *gin.Context) {
	q, ok := h.queue(c)
	if !ok {
		return
	}
	if err := q.Retry(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, "retryFailed", err)
		return
	}
	c.JSON(http.StatusAccepted, q.Status())
}

func (h *apiHandler) discardFailed(c *gin.Context) {
	q, ok := h.queue(c)
	if !ok {
		return
	}
	if err := q.Discard(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, "discardFailed", err)
		return
	}
	c.Status(http.StatusNoContent)
}
