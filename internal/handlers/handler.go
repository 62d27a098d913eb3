package handlers

import (
	"time"

	"thermal_client/internal/logger"
	"thermal_client/internal/service"

	"github.com/gin-gonic/gin"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Handler wires HTTP layer to services and logging.
type Handler struct {
	services   *service.Service
	log        *logger.Logger
	wsInterval time.Duration
	updates    UpdateSource
}

// Option customizes a Handler.
type Option func(*Handler)

// WithStreamInterval sets the default websocket snapshot interval.
func WithStreamInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 && d <= maxInterval {
			h.wsInterval = d
		}
	}
}

// WithUpdates pushes each stored cache entry to /ws clients as it happens.
func WithUpdates(src UpdateSource) Option {
	return func(h *Handler) {
		h.updates = src
	}
}

// NewHandler constructs a new HTTP handler with dependencies.
func NewHandler(services *service.Service, log *logger.Logger, opts ...Option) *Handler {
	h := &Handler{services: services, log: log, wsInterval: defaultInterval}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health endpoint
	router.GET("/health", h.health)

	// Auth endpoints
	h.registerAuthRoutes(router)

	// Versioned API endpoints (protected)
	h.registerAPIRoutes(router)

	// Cache snapshot stream; never calls the remote API
	router.GET("/ws", h.streamMiddleware, h.wsConnect)

	return router
}

func (h *Handler) registerAuthRoutes(r *gin.Engine) {
	auth := r.Group("/auth")
	{
		auth.POST("/sign-up", h.signUp)
		auth.POST("/sign-in", h.signIn)
	}
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1", h.operatorMiddleware)
	{
		h.registerDeviceRoutes(api)
		h.registerPollingRoutes(api)
		h.registerLogRoutes(api)
		api.GET("/stats", h.getStats)
		api.GET("/cache", h.getCache)
	}
}

func (h *Handler) registerDeviceRoutes(api *gin.RouterGroup) {
	devices := api.Group("/devices")
	{
		devices.GET("", h.listDevices)
		// ?fresh=true bypasses the cache
		devices.GET("/:id/status", h.getDeviceStatus)
		// Body example: {"temperature_c":22.5}
		devices.POST("/:id/on", h.turnOn)
		devices.POST("/:id/off", h.turnOff)
		devices.PUT("/:id/temperature", h.setTemperature)
	}
}

func (h *Handler) registerPollingRoutes(api *gin.RouterGroup) {
	polling := api.Group("/polling")
	{
		polling.GET("", h.pollStates)
		polling.POST("/trigger", h.triggerPoll)
		polling.POST("/:id", h.watchDevice)
		polling.DELETE("/:id", h.unwatchDevice)
	}
}

func (h *Handler) registerLogRoutes(api *gin.RouterGroup) {
	logs := api.Group("/logs")
	{
		logs.GET("/", h.getLogs)
	}
}
