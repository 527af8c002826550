// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"rideflow/internal/http/handlers"
	"rideflow/internal/http/middleware"
	"rideflow/internal/infra"
	"rideflow/internal/modules/delivery"
	"rideflow/internal/types"
)

type RouterDeps struct {
	Trips    handlers.TripService
	Presence handlers.Presence
	Location handlers.LocationService
	Tokens   handlers.PushTokens
	Hub      *delivery.Hub
	Verifier infra.TokenVerifier
	Log      *logrus.Entry
}

func NewRouter(deps RouterDeps) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log), middleware.Logging(deps.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	tripHandler := handlers.NewTripHandler(deps.Trips)
	driverHandler := handlers.NewDriverHandler(deps.Trips, deps.Presence)
	locationHandler := handlers.NewLocationHandler(deps.Location)
	accountHandler := handlers.NewAccountHandler(deps.Tokens)
	realtimeHandler := handlers.NewRealtimeHandler(deps.Hub, deps.Location)

	authed := r.Group("/", middleware.Auth(deps.Verifier))
	authed.GET("/ws", realtimeHandler.Serve)

	api := authed.Group("/api")
	api.POST("/trips", middleware.RequireRole(types.RoleCustomer), tripHandler.Create)
	api.GET("/trips/:id", tripHandler.Get)
	api.POST("/trips/:id/cancel", tripHandler.Cancel)
	api.GET("/trips/:id/driver-location", locationHandler.DriverLocation)
	api.PUT("/location", locationHandler.Update)
	api.PUT("/me/push-token", accountHandler.SetPushToken)

	driver := api.Group("", middleware.RequireRole(types.RoleDriver))
	driver.POST("/trips/:id/accept", driverHandler.Accept)
	driver.POST("/trips/:id/going", driverHandler.GoingToPickup)
	driver.POST("/trips/:id/arrived", driverHandler.Arrived)
	driver.POST("/trips/:id/start", driverHandler.Start)
	driver.POST("/trips/:id/complete", driverHandler.Complete)
	driver.POST("/drivers/online", driverHandler.Online)
	driver.POST("/drivers/offline", driverHandler.Offline)
	driver.PUT("/drivers/destination", driverHandler.SetDestination)
	driver.DELETE("/drivers/destination", driverHandler.ClearDestination)

	return r
}
