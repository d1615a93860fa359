// Package portalloc hands out the host-side SSH forwarding port for a new
// VM (spec.md §4.2). It is deliberately not a free-list: ports are never
// reused within a provisioner's lifetime except by falling back below the
// high-water mark once the catalog row that held them is deleted, matching
// original_source/network.py's allocate_port (SELECT MAX(host_port)).
package portalloc

import (
	"context"
	"fmt"

	"github.com/NadimPy/vm-provisioner/internal/provisionerrors"
)

// HostPortSource is the subset of the Catalog the allocator needs. It is
// an interface (rather than depending on catalog.Catalog directly) so the
// allocator can be unit tested against a bare stub with no VM/user
// bookkeeping at all.
type HostPortSource interface {
	MaxHostPort(ctx context.Context) (int, error)
}

// Allocator picks the next host port in [Start, End].
type Allocator struct {
	catalog    HostPortSource
	start, end int
}

func New(catalog HostPortSource, start, end int) *Allocator {
	return &Allocator{catalog: catalog, start: start, end: end}
}

// Next returns max(highest port on record, start-1) + 1, or a
// *provisionerrors.Error with Kind PortExhausted once that would exceed
// end. The caller is expected to immediately persist a VM row claiming
// the returned port (AddVM's unique constraint on host_port is the real
// race guard; this call alone does not reserve anything).
func (a *Allocator) Next(ctx context.Context) (int, error) {
	const op = "portalloc.Next"

	highWater, err := a.catalog.MaxHostPort(ctx)
	if err != nil {
		return 0, provisionerrors.Wrap(provisionerrors.InternalHypervisorError, op, err)
	}

	floor := a.start - 1
	if highWater > floor {
		floor = highWater
	}
	next := floor + 1

	if next > a.end {
		return 0, provisionerrors.Wrap(provisionerrors.PortExhausted, op,
			fmt.Errorf("no ports left in [%d, %d]", a.start, a.end))
	}
	return next, nil
}
