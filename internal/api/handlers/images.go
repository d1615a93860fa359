package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/NadimPy/vm-provisioner/internal/config"
)

// ImagesHandler serves the static base-image catalog.
type ImagesHandler struct {
	cfg *config.Config
}

func NewImagesHandler(cfg *config.Config) *ImagesHandler {
	return &ImagesHandler{cfg: cfg}
}

// List returns every known image tag and its display name/login user.
func (h *ImagesHandler) List(c *gin.Context) {
	out := make(gin.H, len(h.cfg.Images))
	for tag, spec := range h.cfg.Images {
		out[tag] = gin.H{"name": spec.DisplayName, "username": spec.Username}
	}
	c.JSON(http.StatusOK, out)
}
