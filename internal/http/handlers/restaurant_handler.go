// README: Restaurant roster handlers; only the owning restaurant owner may call them.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"orderflow/internal/http/middleware"
	"orderflow/internal/modules/matching"
	"orderflow/internal/types"
)

type RestaurantHandler struct {
	matching *matching.Service
}

func NewRestaurantHandler(svc *matching.Service) *RestaurantHandler {
	return &RestaurantHandler{matching: svc}
}

type rosterReq struct {
	DriverID string `json:"driver_id"`
}

func (h *RestaurantHandler) Roster(c *gin.Context) {
	rid, ok := restaurantID(c)
	if !ok {
		return
	}
	drivers, err := h.matching.Roster(c.Request.Context(), middleware.CallerPrincipal(c), rid)
	if err != nil {
		writeMatchingError(c, err)
		return
	}
	if drivers == nil {
		drivers = []types.ID{}
	}
	writeJSON(c, http.StatusOK, gin.H{"restaurant_id": rid, "drivers": drivers})
}

func (h *RestaurantHandler) AddDriver(c *gin.Context) {
	rid, ok := restaurantID(c)
	if !ok {
		return
	}
	var req rosterReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.DriverID) {
		writeError(c, http.StatusBadRequest, "driver_id is required")
		return
	}
	if err := h.matching.AddToRoster(c.Request.Context(), middleware.CallerPrincipal(c), rid, types.ID(req.DriverID)); err != nil {
		writeMatchingError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{"restaurant_id": rid, "driver_id": req.DriverID})
}

func (h *RestaurantHandler) RemoveDriver(c *gin.Context) {
	rid, ok := restaurantID(c)
	if !ok {
		return
	}
	driverID := c.Param("driver_id")
	if !isValidID(driverID) {
		writeError(c, http.StatusBadRequest, "invalid driver id")
		return
	}
	removed, err := h.matching.RemoveFromRoster(c.Request.Context(), middleware.CallerPrincipal(c), rid, types.ID(driverID))
	if err != nil {
		writeMatchingError(c, err)
		return
	}
	if !removed {
		writeError(c, http.StatusNotFound, "driver not on roster")
		return
	}
	c.Status(http.StatusNoContent)
}

func restaurantID(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid restaurant id")
		return "", false
	}
	return types.ID(id), true
}
