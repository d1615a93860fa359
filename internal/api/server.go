package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/NadimPy/vm-provisioner/internal/api/handlers"
	"github.com/NadimPy/vm-provisioner/internal/api/middleware"
	"github.com/NadimPy/vm-provisioner/internal/catalog"
	"github.com/NadimPy/vm-provisioner/internal/config"
	"github.com/NadimPy/vm-provisioner/internal/coordinator"
	"github.com/NadimPy/vm-provisioner/internal/database"
)

// Server is the provisioner's HTTP surface: two unauthenticated auth
// routes, an unauthenticated image listing, health, and four
// X-API-Key-gated VM routes (spec.md §6).
type Server struct {
	config *config.Config
	db     *database.DB
	router *gin.Engine
}

func NewServer(
	cfg *config.Config,
	db *database.DB,
	cat catalog.Catalog,
	coord *coordinator.Coordinator,
	domains handlers.StateReader,
	logger *zap.Logger,
) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{config: cfg, db: db}
	s.setupRouter(cat, coord, domains, logger)
	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRouter(cat catalog.Catalog, coord *coordinator.Coordinator, domains handlers.StateReader, logger *zap.Logger) {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS())
	r.Use(middleware.SecurityHeaders())

	r.GET("/health", s.healthCheck)

	authHandler := handlers.NewAuthHandler(cat, logger)
	r.POST("/auth/signup", authHandler.Signup)
	r.POST("/auth/login", authHandler.Login)

	r.GET("/images", handlers.NewImagesHandler(s.config).List)

	vmHandler := handlers.NewVMHandler(cat, coord, domains, s.config, logger)
	protected := r.Group("")
	protected.Use(middleware.Auth(cat))
	{
		protected.POST("/vms", vmHandler.Create)
		protected.GET("/vms", vmHandler.List)
		protected.GET("/vms/:id", vmHandler.Get)
		protected.DELETE("/vms/:id", vmHandler.Delete)
	}

	s.router = r
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	status := "healthy"
	dbStatus := "connected"
	if err := s.db.Pool.Ping(ctx); err != nil {
		status = "degraded"
		dbStatus = "disconnected"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  gin.H{"database": dbStatus},
	})
}
