package catalog

import (
	"context"
	"sort"
	"sync"

	"github.com/NadimPy/vm-provisioner/internal/models"
)

// MemCatalog is an in-process Catalog used by tests for the port
// allocator, the coordinator, and the HTTP handlers, so none of them
// need a live Postgres to exercise their logic. It enforces the same
// uniqueness constraints as the schema (user id, API key hash, VM id,
// host port) so tests see the same failure modes as production.
type MemCatalog struct {
	mu        sync.Mutex
	users     map[string]*models.User
	usersByKH map[string]string // api_key_hash -> user id
	vms       map[string]*models.VM
	ports     map[int]string // host_port -> vm id
}

func NewMemCatalog() *MemCatalog {
	return &MemCatalog{
		users:     make(map[string]*models.User),
		usersByKH: make(map[string]string),
		vms:       make(map[string]*models.VM),
		ports:     make(map[int]string),
	}
}

func (m *MemCatalog) AddUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[u.ID]; exists {
		return ErrDuplicate
	}
	if _, exists := m.usersByKH[u.APIKeyHash]; exists {
		return ErrDuplicate
	}
	cp := *u
	cp.CreatedAt = touchCreatedAt(cp.CreatedAt)
	m.users[u.ID] = &cp
	m.usersByKH[u.APIKeyHash] = u.ID
	return nil
}

func (m *MemCatalog) FindUserByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemCatalog) FindUserByName(_ context.Context, name string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Name == name {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemCatalog) FindUserByAPIKeyHash(_ context.Context, hash string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.usersByKH[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *MemCatalog) UpdateUserAPIKeyHash(_ context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	if existing, exists := m.usersByKH[hash]; exists && existing != userID {
		return ErrDuplicate
	}
	delete(m.usersByKH, u.APIKeyHash)
	u.APIKeyHash = hash
	m.usersByKH[hash] = userID
	return nil
}

func (m *MemCatalog) AddVM(_ context.Context, vm *models.VM) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.vms[vm.ID]; exists {
		return ErrDuplicate
	}
	if _, exists := m.ports[vm.HostPort]; exists {
		return ErrDuplicate
	}
	cp := *vm
	cp.CreatedAt = touchCreatedAt(cp.CreatedAt)
	m.vms[vm.ID] = &cp
	m.ports[vm.HostPort] = vm.ID
	return nil
}

func (m *MemCatalog) GetVM(_ context.Context, id string) (*models.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vm, ok := m.vms[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *vm
	return &cp, nil
}

func (m *MemCatalog) ListVMsByOwner(_ context.Context, ownerID string) ([]*models.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.VM
	for _, vm := range m.vms {
		if vm.OwnerID == ownerID {
			cp := *vm
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemCatalog) ListAllVMs(_ context.Context) ([]*models.VM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.VM, 0, len(m.vms))
	for _, vm := range m.vms {
		cp := *vm
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemCatalog) UpdateVMStatus(_ context.Context, id string, status models.VMStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	vm, ok := m.vms[id]
	if !ok {
		return ErrNotFound
	}
	vm.Status = status
	return nil
}

func (m *MemCatalog) UpdateVMIP(_ context.Context, id, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	vm, ok := m.vms[id]
	if !ok {
		return ErrNotFound
	}
	vm.IP = ip
	return nil
}

func (m *MemCatalog) DeleteVM(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	vm, ok := m.vms[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.ports, vm.HostPort)
	delete(m.vms, id)
	return nil
}

func (m *MemCatalog) MaxHostPort(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	max := 0
	for port := range m.ports {
		if port > max {
			max = port
		}
	}
	return max, nil
}
