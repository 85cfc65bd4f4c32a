// README: API gateway; registers HTTP routes and delegates to module services.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"orderflow/internal/http/handlers"
	"orderflow/internal/http/middleware"
	"orderflow/internal/infra"
	"orderflow/internal/logger"
	"orderflow/internal/modules/matching"
	"orderflow/internal/modules/order"
)

type ServerDeps struct {
	Order    *order.Service
	Matching *matching.Service
	Verifier infra.TokenVerifier
	Log      *logger.Logger
}

type Server struct {
	order    *order.Service
	matching *matching.Service
	verifier infra.TokenVerifier
	log      *logger.Logger
}

func NewServer(deps ServerDeps) *Server {
	return &Server{
		order:    deps.Order,
		matching: deps.Matching,
		verifier: deps.Verifier,
		log:      deps.Log,
	}
}

func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.Use(middleware.Recovery(s.log), middleware.Logging(s.log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(s.verifier))

	orders := handlers.NewOrderHandler(s.order, s.log)
	api.GET("/orders", orders.List)
	api.GET("/orders/:id", orders.Get)
	api.GET("/orders/:id/transitions", orders.Transitions)
	api.PATCH("/orders/:id/change_status", orders.ChangeStatus)
	api.POST("/orders/:id/notify", orders.Notify)

	restaurants := handlers.NewRestaurantHandler(s.matching)
	api.GET("/restaurants/:id/drivers", restaurants.Roster)
	api.POST("/restaurants/:id/drivers", restaurants.AddDriver)
	api.DELETE("/restaurants/:id/drivers/:driver_id", restaurants.RemoveDriver)

	return r
}
