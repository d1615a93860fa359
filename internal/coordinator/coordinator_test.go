package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NadimPy/vm-provisioner/internal/catalog"
	"github.com/NadimPy/vm-provisioner/internal/config"
	"github.com/NadimPy/vm-provisioner/internal/hypervisor"
	"github.com/NadimPy/vm-provisioner/internal/models"
	"github.com/NadimPy/vm-provisioner/internal/natmgr"
	"github.com/NadimPy/vm-provisioner/internal/provisionerrors"
	"github.com/NadimPy/vm-provisioner/internal/seedbuilder"
)

type fakePorts struct {
	port int
	err  error
}

func (f *fakePorts) Next(context.Context) (int, error) { return f.port, f.err }

type fakeDisks struct {
	cloneErr  error
	deleted   []string
	cloneCall int
}

func (f *fakeDisks) Clone(_ context.Context, vmID, _ string) (string, error) {
	f.cloneCall++
	if f.cloneErr != nil {
		return "", f.cloneErr
	}
	return "/data/" + vmID + "/disk.qcow2", nil
}
func (f *fakeDisks) Delete(vmID string) error {
	f.deleted = append(f.deleted, vmID)
	return nil
}

type fakeSeeds struct {
	buildErr error
	deleted  []string
}

func (f *fakeSeeds) Build(context.Context, seedbuilder.Spec) (string, error) {
	if f.buildErr != nil {
		return "", f.buildErr
	}
	return "/data/seed.iso", nil
}
func (f *fakeSeeds) Delete(vmID string) error {
	f.deleted = append(f.deleted, vmID)
	return nil
}

type fakeDomains struct {
	startErr  error
	destroyed []string
}

func (f *fakeDomains) DefineAndStart(hypervisor.DomainSpec) error { return f.startErr }
func (f *fakeDomains) Destroy(vmID string) error {
	f.destroyed = append(f.destroyed, vmID)
	return nil
}

type fakeIPs struct {
	ip  string
	err error
}

func (f *fakeIPs) Resolve(context.Context, string, string) (string, error) { return f.ip, f.err }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Network.VMNetwork = "default"
	cfg.Images = config.KnownImages("/var/lib/vm-provisioner/images")
	return cfg
}

func TestCreate_HappyPath(t *testing.T) {
	cat := catalog.NewMemCatalog()
	ports := &fakePorts{port: 2222}
	disks := &fakeDisks{}
	seeds := &fakeSeeds{}
	domains := &fakeDomains{}
	ips := &fakeIPs{ip: "192.168.122.10"}
	nat := natmgr.New(zap.NewNop())

	c := New(cat, ports, disks, seeds, domains, ips, nat, testConfig(), zap.NewNop())

	ctx := WithOwnerID(context.Background(), "user-1")
	vm, err := c.Create(ctx, CreateInput{Name: "web-1", SSHKey: "ssh-ed25519 AAAA", ImageType: "debian-12", MemoryMB: 512, VCPUs: 1})
	require.NoError(t, err)
	assert.Equal(t, "web-1", vm.Name)
	assert.Equal(t, "user-1", vm.OwnerID)
	assert.Equal(t, models.VMStatusRunning, vm.Status)
	assert.Equal(t, "192.168.122.10", vm.IP)
	assert.Equal(t, 2222, vm.HostPort)

	stored, err := cat.GetVM(ctx, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, vm.ID, stored.ID)
}

func TestCreate_DiskCloneFailureRollsBackSeedOnly(t *testing.T) {
	cat := catalog.NewMemCatalog()
	ports := &fakePorts{port: 2222}
	disks := &fakeDisks{cloneErr: errors.New("no space")}
	seeds := &fakeSeeds{}
	domains := &fakeDomains{}
	ips := &fakeIPs{}
	nat := natmgr.New(zap.NewNop())

	c := New(cat, ports, disks, seeds, domains, ips, nat, testConfig(), zap.NewNop())

	_, err := c.Create(context.Background(), CreateInput{Name: "web-1", SSHKey: "k", ImageType: "debian-12"})
	require.Error(t, err)

	assert.Len(t, seeds.deleted, 1, "seed iso must be cleaned up")
	assert.Empty(t, disks.deleted, "disk was never created, nothing to clean up")
	assert.Empty(t, domains.destroyed)
}

func TestCreate_DomainStartFailureRollsBackDiskAndSeed(t *testing.T) {
	cat := catalog.NewMemCatalog()
	ports := &fakePorts{port: 2222}
	disks := &fakeDisks{}
	seeds := &fakeSeeds{}
	domains := &fakeDomains{startErr: errors.New("libvirt refused")}
	ips := &fakeIPs{}
	nat := natmgr.New(zap.NewNop())

	c := New(cat, ports, disks, seeds, domains, ips, nat, testConfig(), zap.NewNop())

	_, err := c.Create(context.Background(), CreateInput{Name: "web-1", SSHKey: "k", ImageType: "debian-12"})
	require.Error(t, err)

	assert.Len(t, disks.deleted, 1)
	assert.Len(t, seeds.deleted, 1)
}

func TestCreate_IPResolveFailureRollsBackDomainDiskAndSeed(t *testing.T) {
	cat := catalog.NewMemCatalog()
	ports := &fakePorts{port: 2222}
	disks := &fakeDisks{}
	seeds := &fakeSeeds{}
	domains := &fakeDomains{}
	ips := &fakeIPs{err: provisionerrors.New(provisionerrors.IPDiscoveryTimeout, "ipresolver.Resolve")}
	nat := natmgr.New(zap.NewNop())

	c := New(cat, ports, disks, seeds, domains, ips, nat, testConfig(), zap.NewNop())

	vmName := "web-1"
	_, err := c.Create(context.Background(), CreateInput{Name: vmName, SSHKey: "k", ImageType: "debian-12"})
	require.Error(t, err)

	assert.Len(t, domains.destroyed, 1)
	assert.Len(t, disks.deleted, 1)
	assert.Len(t, seeds.deleted, 1)

	vms, err := cat.ListVMsByOwner(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, vms, "a failed create must never leave a catalog row")
}

func TestCreate_PortAllocationFailureDoesNothingElse(t *testing.T) {
	cat := catalog.NewMemCatalog()
	ports := &fakePorts{err: provisionerrors.New(provisionerrors.PortExhausted, "portalloc.Next")}
	disks := &fakeDisks{}
	seeds := &fakeSeeds{}
	domains := &fakeDomains{}
	ips := &fakeIPs{}
	nat := natmgr.New(zap.NewNop())

	c := New(cat, ports, disks, seeds, domains, ips, nat, testConfig(), zap.NewNop())

	_, err := c.Create(context.Background(), CreateInput{Name: "web-1", SSHKey: "k", ImageType: "debian-12"})
	require.Error(t, err)
	assert.Zero(t, disks.cloneCall)
	assert.Empty(t, seeds.deleted)
}

func TestDelete_RemovesEverythingAndCatalogRow(t *testing.T) {
	cat := catalog.NewMemCatalog()
	require.NoError(t, cat.AddUser(context.Background(), &models.User{ID: "u1", APIKeyHash: "h"}))
	vm := &models.VM{ID: "vm-1", OwnerID: "u1", HostPort: 2222, IP: "192.168.122.10"}
	require.NoError(t, cat.AddVM(context.Background(), vm))

	disks := &fakeDisks{}
	seeds := &fakeSeeds{}
	domains := &fakeDomains{}
	nat := natmgr.New(zap.NewNop())

	c := New(cat, &fakePorts{}, disks, seeds, domains, &fakeIPs{}, nat, testConfig(), zap.NewNop())

	require.NoError(t, c.Delete(context.Background(), vm))
	assert.Len(t, domains.destroyed, 1)
	assert.Len(t, disks.deleted, 1)
	assert.Len(t, seeds.deleted, 1)

	_, err := cat.GetVM(context.Background(), "vm-1")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}
