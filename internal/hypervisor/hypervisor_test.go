package hypervisor

import (
	"errors"
	"testing"

	"github.com/digitalocean/go-libvirt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NadimPy/vm-provisioner/internal/provisionerrors"
)

type fakeConn struct {
	defineErr  error
	createErr  error
	undefineErr error
	destroyErr error
	lookupErr  error
	state      int32
	undefineCalled bool
	addrs      []libvirt.DomainInterface
	addrsErr   error
}

func (f *fakeConn) DomainLookupByName(name string) (libvirt.Domain, error) {
	if f.lookupErr != nil {
		return libvirt.Domain{}, f.lookupErr
	}
	return libvirt.Domain{Name: name}, nil
}
func (f *fakeConn) DomainDefineXML(xml string) (libvirt.Domain, error) {
	if f.defineErr != nil {
		return libvirt.Domain{}, f.defineErr
	}
	return libvirt.Domain{Name: "vm-1"}, nil
}
func (f *fakeConn) DomainCreate(dom libvirt.Domain) error { return f.createErr }
func (f *fakeConn) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	return f.state, 0, nil
}
func (f *fakeConn) DomainShutdown(dom libvirt.Domain) error { return nil }
func (f *fakeConn) DomainDestroy(dom libvirt.Domain) error  { return f.destroyErr }
func (f *fakeConn) DomainUndefine(dom libvirt.Domain) error {
	f.undefineCalled = true
	return f.undefineErr
}
func (f *fakeConn) DomainInterfaceAddresses(dom libvirt.Domain, source, flags uint32) ([]libvirt.DomainInterface, error) {
	return f.addrs, f.addrsErr
}
func (f *fakeConn) ConnectGetLibVersion() (uint64, error) { return 0, nil }
func (f *fakeConn) Disconnect() error                     { return nil }

func newTestAdapter(f *fakeConn) *Adapter {
	return New(&Conn{lv: f}, "default", zap.NewNop())
}

func TestDefineAndStart_Success(t *testing.T) {
	f := &fakeConn{}
	a := newTestAdapter(f)

	err := a.DefineAndStart(DomainSpec{
		VMID: "vm-1", MemoryMB: 512, VCPUs: 1,
		DiskPath: "/tmp/disk.qcow2", ISOPath: "/tmp/seed.iso", MACAddress: "52:54:00:aa:bb:cc",
	})
	require.NoError(t, err)
	assert.False(t, f.undefineCalled)
}

func TestDefineAndStart_DefineFailureReturnsDomainDefineFailed(t *testing.T) {
	f := &fakeConn{defineErr: errors.New("boom")}
	a := newTestAdapter(f)

	err := a.DefineAndStart(DomainSpec{VMID: "vm-1", DiskPath: "/tmp/d", ISOPath: "/tmp/i", MACAddress: "52:54:00:aa:bb:cc"})
	require.Error(t, err)
	kind, ok := provisionerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, provisionerrors.DomainDefineFailed, kind)
}

func TestDefineAndStart_StartFailureUndefinesAndReturnsDomainStartFailed(t *testing.T) {
	f := &fakeConn{createErr: errors.New("boom")}
	a := newTestAdapter(f)

	err := a.DefineAndStart(DomainSpec{VMID: "vm-1", DiskPath: "/tmp/d", ISOPath: "/tmp/i", MACAddress: "52:54:00:aa:bb:cc"})
	require.Error(t, err)
	kind, ok := provisionerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, provisionerrors.DomainStartFailed, kind)
	assert.True(t, f.undefineCalled, "a failed start must not leave an orphaned definition")
}

func TestDestroy_ToleratesMissingDomain(t *testing.T) {
	f := &fakeConn{lookupErr: errors.New("not found")}
	a := newTestAdapter(f)

	assert.NoError(t, a.Destroy("vm-missing"))
}

func TestDestroy_UndefinesEvenIfDestroyFails(t *testing.T) {
	f := &fakeConn{destroyErr: errors.New("already stopped")}
	a := newTestAdapter(f)

	require.NoError(t, a.Destroy("vm-1"))
	assert.True(t, f.undefineCalled)
}

func TestState_MapsRawLibvirtCode(t *testing.T) {
	f := &fakeConn{state: 1}
	a := newTestAdapter(f)

	state, err := a.State("vm-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)
}

func TestState_NotFound(t *testing.T) {
	f := &fakeConn{lookupErr: errors.New("no such domain")}
	a := newTestAdapter(f)

	_, err := a.State("vm-1")
	require.Error(t, err)
	kind, ok := provisionerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, provisionerrors.NotFound, kind)
}

func TestLeaseAddresses_FlattensInterfaceList(t *testing.T) {
	f := &fakeConn{
		addrs: []libvirt.DomainInterface{
			{Addrs: []libvirt.DomainIPAddress{{Addr: "192.168.122.10"}}},
		},
	}
	a := newTestAdapter(f)

	addrs, err := a.LeaseAddresses("vm-1")
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "192.168.122.10", addrs[0].Addr)
}

func TestSuppressErrorLogging_NestsCorrectly(t *testing.T) {
	a := newTestAdapter(&fakeConn{})

	release1 := a.SuppressErrorLogging()
	release2 := a.SuppressErrorLogging()
	assert.Equal(t, 2, a.suppressCount)
	release1()
	assert.Equal(t, 1, a.suppressCount)
	release2()
	assert.Equal(t, 0, a.suppressCount)
}
