// README: Order handlers for listing, reading, status changes, and re-notification.
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"orderflow/internal/http/middleware"
	"orderflow/internal/logger"
	"orderflow/internal/modules/order"
	"orderflow/internal/types"
)

type OrderHandler struct {
	order *order.Service
	log   *logger.Logger
}

func NewOrderHandler(svc *order.Service, log *logger.Logger) *OrderHandler {
	return &OrderHandler{order: svc, log: log}
}

type orderView struct {
	ID              types.ID    `json:"id"`
	CustomerID      types.ID    `json:"customer_id"`
	RestaurantID    types.ID    `json:"restaurant_id"`
	DriverID        *types.ID   `json:"driver_id"`
	Status          int         `json:"status"`
	StatusDisplay   string      `json:"status_display"`
	StatusVersion   int         `json:"status_version"`
	TotalPrice      string      `json:"total_price"`
	Currency        string      `json:"currency"`
	DeliveryAddress string      `json:"delivery_address"`
	Pickup          types.Point `json:"pickup"`
	Drop            types.Point `json:"drop"`
	CanEdit         bool        `json:"can_edit"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

func toView(o *order.Order) orderView {
	return orderView{
		ID:              o.ID,
		CustomerID:      o.CustomerID,
		RestaurantID:    o.RestaurantID,
		DriverID:        o.DriverID,
		Status:          int(o.Status),
		StatusDisplay:   o.Status.Label(),
		StatusVersion:   o.StatusVersion,
		TotalPrice:      o.TotalPrice.Amount.StringFixed(2),
		Currency:        o.TotalPrice.Currency,
		DeliveryAddress: o.DeliveryAddress,
		Pickup:          o.Pickup,
		Drop:            o.Drop,
		CanEdit:         o.CanEdit(),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

type statusView struct {
	Status        int    `json:"status"`
	StatusDisplay string `json:"status_display"`
}

type changeStatusReq struct {
	Status *int `json:"status"`
}

func (h *OrderHandler) List(c *gin.Context) {
	orders, err := h.order.List(c.Request.Context(), middleware.CallerPrincipal(c))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, toView(o))
	}
	writeJSON(c, http.StatusOK, gin.H{"orders": views})
}

func (h *OrderHandler) Get(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	o, err := h.order.Get(c.Request.Context(), middleware.CallerPrincipal(c), id)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, toView(o))
}

func (h *OrderHandler) Transitions(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	next, err := h.order.AllowedTransitions(c.Request.Context(), middleware.CallerPrincipal(c), id)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	allowed := make([]statusView, 0, len(next))
	for _, s := range next {
		allowed = append(allowed, statusView{Status: int(s), StatusDisplay: s.Label()})
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": id, "allowed": allowed})
}

func (h *OrderHandler) ChangeStatus(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	var req changeStatusReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == nil {
		writeError(c, http.StatusBadRequest, "status is required and must be an integer")
		return
	}
	o, err := h.order.TransitionStatus(c.Request.Context(), order.TransitionCommand{
		Actor:   middleware.CallerPrincipal(c),
		OrderID: id,
		Status:  order.Status(*req.Status),
	})
	if err != nil {
		h.log.Debug(c.Request.Context(), "change_status_rejected", err.Error(), map[string]any{
			"order_id": string(id),
			"status":   *req.Status,
		})
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"id":             o.ID,
		"status":         int(o.Status),
		"status_display": o.Status.Label(),
		"message":        "Order status updated successfully.",
	})
}

func (h *OrderHandler) Notify(c *gin.Context) {
	id, ok := orderID(c)
	if !ok {
		return
	}
	n, err := h.order.Notify(c.Request.Context(), middleware.CallerPrincipal(c), id)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"order_id": id, "published": n})
}

func orderID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid order id")
		return "", false
	}
	return types.ID(id), true
}
