// Package catalog is the durable record of tenants and VMs (spec.md §4.1).
// It is the last thing a successful provisioning run commits to and the
// first thing every other component consults (the port allocator reads
// MaxHostPort, the coordinator reads/writes VM rows, the auth middleware
// reads users by API key hash).
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/NadimPy/vm-provisioner/internal/models"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("catalog: not found")

// ErrDuplicate is returned when a unique constraint would be violated
// (duplicate user id, API key hash collision, duplicate VM id, or host
// port reuse). User names are not required to be unique.
var ErrDuplicate = errors.New("catalog: duplicate")

// Catalog is the storage contract every component depends on. It is
// implemented by PostgresCatalog in production and by MemCatalog in
// tests, so nothing above this package needs to know which backs it.
type Catalog interface {
	AddUser(ctx context.Context, u *models.User) error
	FindUserByID(ctx context.Context, id string) (*models.User, error)
	FindUserByName(ctx context.Context, name string) (*models.User, error)
	FindUserByAPIKeyHash(ctx context.Context, hash string) (*models.User, error)
	UpdateUserAPIKeyHash(ctx context.Context, userID, hash string) error

	AddVM(ctx context.Context, vm *models.VM) error
	GetVM(ctx context.Context, id string) (*models.VM, error)
	ListVMsByOwner(ctx context.Context, ownerID string) ([]*models.VM, error)
	// ListAllVMs returns every VM row regardless of owner. Used once at
	// startup to rebuild NAT rules for VMs that were already running.
	ListAllVMs(ctx context.Context) ([]*models.VM, error)
	UpdateVMStatus(ctx context.Context, id string, status models.VMStatus) error
	UpdateVMIP(ctx context.Context, id, ip string) error
	DeleteVM(ctx context.Context, id string) error

	// MaxHostPort returns the highest host_port currently recorded across
	// all VMs (live or not — rows are removed on delete, so this is
	// effectively "highest port ever handed out that hasn't been
	// reclaimed"). Returns 0 if the table is empty.
	MaxHostPort(ctx context.Context) (int, error)
}

// touchCreatedAt fills CreatedAt on records that don't already carry one,
// matching the teacher's pattern of stamping timestamps at the storage
// boundary rather than trusting callers.
func touchCreatedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
