// Package coordinator drives the seven-step VM provisioning pipeline and
// its LIFO compensation on failure (spec.md §4.8): allocate a port, build
// a seed ISO, clone a disk, define and start the domain, discover its IP,
// install a NAT rule, and finally commit the catalog row. A failure at
// any step unwinds everything that step's predecessors created, in
// reverse order, the same way original_source/main.py's
// cleanup_vm_resources does for its own seven steps — generalized here
// into an explicit compensation stack instead of one bespoke function.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NadimPy/vm-provisioner/internal/catalog"
	"github.com/NadimPy/vm-provisioner/internal/config"
	"github.com/NadimPy/vm-provisioner/internal/hypervisor"
	"github.com/NadimPy/vm-provisioner/internal/mac"
	"github.com/NadimPy/vm-provisioner/internal/models"
	"github.com/NadimPy/vm-provisioner/internal/natmgr"
	"github.com/NadimPy/vm-provisioner/internal/provisionerrors"
	"github.com/NadimPy/vm-provisioner/internal/seedbuilder"
)

// DiskCloner is the Disk Manager surface the coordinator needs.
type DiskCloner interface {
	Clone(ctx context.Context, vmID, templatePath string) (string, error)
	Delete(vmID string) error
}

// SeedWriter is the Seed Builder surface the coordinator needs.
type SeedWriter interface {
	Build(ctx context.Context, spec seedbuilder.Spec) (string, error)
	Delete(vmID string) error
}

// DomainDriver is the Hypervisor Adapter surface the coordinator needs.
type DomainDriver interface {
	DefineAndStart(spec hypervisor.DomainSpec) error
	Destroy(vmID string) error
}

// PortSource hands out host ports.
type PortSource interface {
	Next(ctx context.Context) (int, error)
}

// IPSource resolves a VM's guest IP once it is running.
type IPSource interface {
	Resolve(ctx context.Context, vmID, macAddress string) (string, error)
}

// Coordinator wires every component above into the create/delete
// operations the HTTP layer calls.
type Coordinator struct {
	catalog catalog.Catalog
	ports   PortSource
	disks   DiskCloner
	seeds   SeedWriter
	domains DomainDriver
	ips     IPSource
	nat     *natmgr.Manager
	cfg     *config.Config
	logger  *zap.Logger
}

func New(
	cat catalog.Catalog,
	ports PortSource,
	disks DiskCloner,
	seeds SeedWriter,
	domains DomainDriver,
	ips IPSource,
	nat *natmgr.Manager,
	cfg *config.Config,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		catalog: cat, ports: ports, disks: disks, seeds: seeds,
		domains: domains, ips: ips, nat: nat, cfg: cfg, logger: logger,
	}
}

// CreateInput is a normalized create request (see internal/validation).
type CreateInput struct {
	Name      string
	SSHKey    string
	ImageType string
	MemoryMB  int
	VCPUs     int
}

// compensation is one entry in the LIFO undo stack: a human-readable
// label for logging and the closure that undoes the step.
type compensation struct {
	label string
	undo  func()
}

// Create runs the seven-step pipeline. On any failure it unwinds
// everything already done, most-recent-first, and returns the
// originating error (not a compensation error — compensation failures
// are logged, not propagated, matching the original's best-effort
// cleanup).
func (c *Coordinator) Create(ctx context.Context, in CreateInput) (*models.VM, error) {
	const op = "coordinator.Create"

	vmID := uuid.NewString()
	image := c.cfg.Images[in.ImageType]
	macAddress := mac.Derive(vmID)

	var stack []compensation
	rollback := func() {
		for i := len(stack) - 1; i >= 0; i-- {
			step := stack[i]
			c.logger.Info("rolling back provisioning step", zap.String("vm_id", vmID), zap.String("step", step.label))
			step.undo()
		}
	}

	// 1. Allocate port.
	hostPort, err := c.ports.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	stack = append(stack, compensation{"port", func() {}}) // nothing to release: the allocator is monotonic

	// 2. Build seed ISO.
	isoPath, err := c.seeds.Build(ctx, seedbuilder.Spec{
		VMID: vmID, Name: in.Name, Username: image.Username, SSHKey: in.SSHKey, MACAddress: macAddress,
	})
	if err != nil {
		rollback()
		return nil, provisionerrors.Wrap(provisionerrors.IsoBuildFailed, op, err)
	}
	stack = append(stack, compensation{"seed_iso", func() {
		if err := c.seeds.Delete(vmID); err != nil {
			c.logger.Warn("cleanup: failed to delete seed iso", zap.String("vm_id", vmID), zap.Error(err))
		}
	}})

	// 3. Clone disk.
	diskPath, err := c.disks.Clone(ctx, vmID, image.TemplateFile)
	if err != nil {
		rollback()
		return nil, err
	}
	stack = append(stack, compensation{"disk_clone", func() {
		if err := c.disks.Delete(vmID); err != nil {
			c.logger.Warn("cleanup: failed to delete disk", zap.String("vm_id", vmID), zap.Error(err))
		}
	}})

	// 4. Define and start domain.
	err = c.domains.DefineAndStart(hypervisor.DomainSpec{
		VMID: vmID, MemoryMB: in.MemoryMB, VCPUs: in.VCPUs,
		DiskPath: diskPath, ISOPath: isoPath, MACAddress: macAddress,
		Network: c.cfg.Network.VMNetwork,
	})
	if err != nil {
		rollback()
		return nil, err
	}
	stack = append(stack, compensation{"domain", func() {
		if err := c.domains.Destroy(vmID); err != nil {
			c.logger.Warn("cleanup: failed to destroy domain", zap.String("vm_id", vmID), zap.Error(err))
		}
	}})

	// 5. Discover IP.
	vmIP, err := c.ips.Resolve(ctx, vmID, macAddress)
	if err != nil {
		rollback()
		return nil, err
	}

	// 6. Install NAT rule.
	if err := c.nat.Install(ctx, hostPort, vmIP); err != nil {
		rollback()
		return nil, err
	}
	stack = append(stack, compensation{"nat_rule", func() {
		c.nat.Remove(context.Background(), hostPort, vmIP)
	}})

	// 7. Commit catalog row.
	vm := &models.VM{
		ID: vmID, Name: in.Name, OwnerID: ctxOwnerID(ctx), Status: models.VMStatusRunning,
		IP: vmIP, HostPort: hostPort, DiskPath: diskPath, ISOPath: isoPath,
		ImageType: in.ImageType, CreatedAt: time.Now().UTC(),
	}
	if err := c.catalog.AddVM(ctx, vm); err != nil {
		rollback()
		return nil, provisionerrors.Wrap(provisionerrors.ProvisioningFailed, op, err)
	}

	return vm, nil
}

// Delete tears down a VM in the original prototype's order: remove the NAT
// rule, stop and undefine the domain, delete the disk and seed files,
// then remove the catalog row last so a crash mid-teardown leaves a
// stale-but-recoverable row rather than an orphaned live VM.
func (c *Coordinator) Delete(ctx context.Context, vm *models.VM) error {
	if vm.HostPort != 0 && vm.IP != "" {
		c.nat.Remove(ctx, vm.HostPort, vm.IP)
	}
	if err := c.domains.Destroy(vm.ID); err != nil {
		c.logger.Warn("delete: failed to destroy domain", zap.String("vm_id", vm.ID), zap.Error(err))
	}
	if err := c.disks.Delete(vm.ID); err != nil {
		c.logger.Warn("delete: failed to delete disk", zap.String("vm_id", vm.ID), zap.Error(err))
	}
	if err := c.seeds.Delete(vm.ID); err != nil {
		c.logger.Warn("delete: failed to delete seed iso", zap.String("vm_id", vm.ID), zap.Error(err))
	}
	if err := c.catalog.DeleteVM(ctx, vm.ID); err != nil {
		return fmt.Errorf("coordinator.Delete: %w", err)
	}
	return nil
}

type ownerIDKey struct{}

// WithOwnerID attaches the requesting user's id to ctx so Create can
// stamp it onto the new VM record without widening CreateInput's
// surface with an auth concept that belongs to the HTTP layer.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey{}, ownerID)
}

func ctxOwnerID(ctx context.Context) string {
	id, _ := ctx.Value(ownerIDKey{}).(string)
	return id
}
