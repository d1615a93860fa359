package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/NadimPy/vm-provisioner/internal/api/middleware"
	"github.com/NadimPy/vm-provisioner/internal/catalog"
	"github.com/NadimPy/vm-provisioner/internal/config"
	"github.com/NadimPy/vm-provisioner/internal/coordinator"
	"github.com/NadimPy/vm-provisioner/internal/hypervisor"
	"github.com/NadimPy/vm-provisioner/internal/models"
	"github.com/NadimPy/vm-provisioner/internal/provisionerrors"
	"github.com/NadimPy/vm-provisioner/internal/validation"
)

var errVMNotFound = errors.New("handlers: vm not found")

// StateReader is the Hypervisor Adapter surface list/get need to report a
// VM's live status rather than the possibly-stale catalog value.
type StateReader interface {
	State(vmID string) (hypervisor.State, error)
}

// VMHandler implements the provisioning HTTP surface (spec.md §6).
type VMHandler struct {
	catalog     catalog.Catalog
	coordinator *coordinator.Coordinator
	domains     StateReader
	cfg         *config.Config
	logger      *zap.Logger
}

func NewVMHandler(cat catalog.Catalog, coord *coordinator.Coordinator, domains StateReader, cfg *config.Config, logger *zap.Logger) *VMHandler {
	return &VMHandler{catalog: cat, coordinator: coord, domains: domains, cfg: cfg, logger: logger}
}

type CreateVMRequest struct {
	Name      string `json:"name" binding:"required"`
	SSHKey    string `json:"ssh_key" binding:"required"`
	ImageType string `json:"image_type"`
	MemoryMB  int    `json:"memory_mb"`
	VCPUs     int    `json:"vcpus"`
}

type sshConnection struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Command  string `json:"command"`
}

type vmSpecs struct {
	MemoryMB int    `json:"memory_mb"`
	VCPUs    int    `json:"vcpus"`
	Image    string `json:"image"`
}

// Create validates the request, runs the seven-step provisioning
// pipeline, and returns SSH connection details on success.
func (h *VMHandler) Create(c *gin.Context) {
	var req CreateVMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	in, err := validation.Normalize(validation.CreateVMInput{
		Name: req.Name, SSHKey: req.SSHKey, ImageType: req.ImageType,
		MemoryMB: req.MemoryMB, VCPUs: req.VCPUs,
	}, h.cfg)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user := middleware.CurrentUser(c)
	ctx := coordinator.WithOwnerID(c.Request.Context(), user.ID)

	vm, err := h.coordinator.Create(ctx, coordinator.CreateInput{
		Name: in.Name, SSHKey: in.SSHKey, ImageType: in.ImageType,
		MemoryMB: in.MemoryMB, VCPUs: in.VCPUs,
	})
	if err != nil {
		h.logger.Error("vm creation failed", zap.String("name", in.Name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("vm creation failed: %v", err)})
		return
	}

	image := h.cfg.Images[in.ImageType]
	serverIP := h.cfg.Network.ServerPublicIP

	c.JSON(http.StatusOK, gin.H{
		"id":     vm.ID,
		"name":   vm.Name,
		"status": string(vm.Status),
		"ssh_connection": sshConnection{
			Host: serverIP, Port: vm.HostPort, Username: image.Username,
			Command: fmt.Sprintf("ssh -p %d %s@%s", vm.HostPort, image.Username, serverIP),
		},
		"specs": vmSpecs{MemoryMB: in.MemoryMB, VCPUs: in.VCPUs, Image: image.DisplayName},
	})
}

// List returns every VM owned by the authenticated user, with status
// read live from libvirt rather than the catalog's last-known value.
func (h *VMHandler) List(c *gin.Context) {
	user := middleware.CurrentUser(c)

	vms, err := h.catalog.ListVMsByOwner(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("failed to list vms", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list vms"})
		return
	}

	result := make([]gin.H, 0, len(vms))
	for _, vm := range vms {
		result = append(result, gin.H{
			"id":         vm.ID,
			"name":       vm.Name,
			"status":     h.liveStatus(vm.ID),
			"ip":         vm.IP,
			"port":       vm.HostPort,
			"created_at": vm.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"vms": result})
}

// Get returns one VM's details, scoped to the authenticated owner.
func (h *VMHandler) Get(c *gin.Context) {
	user := middleware.CurrentUser(c)
	vm, err := h.ownedVM(c, user.ID)
	if err != nil {
		return
	}

	image := h.cfg.Images[vm.ImageType]
	serverIP := h.cfg.Network.ServerPublicIP

	c.JSON(http.StatusOK, gin.H{
		"id":     vm.ID,
		"name":   vm.Name,
		"status": h.liveStatus(vm.ID),
		"ssh_connection": sshConnection{
			Host: serverIP, Port: vm.HostPort, Username: image.Username,
			Command: fmt.Sprintf("ssh -p %d %s@%s", vm.HostPort, image.Username, serverIP),
		},
		"created_at": vm.CreatedAt,
	})
}

// Delete tears down a VM and its catalog row.
func (h *VMHandler) Delete(c *gin.Context) {
	user := middleware.CurrentUser(c)
	vm, err := h.ownedVM(c, user.ID)
	if err != nil {
		return
	}

	if err := h.coordinator.Delete(c.Request.Context(), vm); err != nil {
		h.logger.Error("vm deletion failed", zap.String("vm_id", vm.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete vm"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true, "id": vm.ID})
}

// ownedVM loads the VM named by the :id path param and writes a 404
// response (returning a non-nil error to the caller) unless it exists
// and belongs to ownerID.
func (h *VMHandler) ownedVM(c *gin.Context, ownerID string) (*models.VM, error) {
	vm, err := h.catalog.GetVM(c.Request.Context(), c.Param("id"))
	if err != nil || vm.OwnerID != ownerID {
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			h.logger.Error("failed to look up vm", zap.Error(err))
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "vm not found"})
		return nil, errVMNotFound
	}
	return vm, nil
}

func (h *VMHandler) liveStatus(vmID string) string {
	state, err := h.domains.State(vmID)
	if err != nil {
		if kind, ok := provisionerrors.KindOf(err); ok && kind == provisionerrors.NotFound {
			return "unknown"
		}
		return "unknown"
	}
	return stateLabel(state)
}

func stateLabel(s hypervisor.State) string {
	switch s {
	case hypervisor.StateRunning:
		return "running"
	case hypervisor.StateBlocked:
		return "blocked"
	case hypervisor.StatePaused:
		return "paused"
	case hypervisor.StateShutdown:
		return "shutdown"
	case hypervisor.StateShutoff:
		return "stopped"
	case hypervisor.StateCrashed:
		return "crashed"
	case hypervisor.StatePMSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}
