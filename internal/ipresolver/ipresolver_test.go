package ipresolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NadimPy/vm-provisioner/internal/hypervisor"
	"github.com/NadimPy/vm-provisioner/internal/provisionerrors"
)

type fakeHypervisor struct {
	leaseAddrs    []hypervisor.InterfaceAddress
	leaseErr      error
	agentAddrs    []hypervisor.InterfaceAddress
	agentErr      error
	suppressCalls int
}

func (f *fakeHypervisor) LeaseAddresses(string) ([]hypervisor.InterfaceAddress, error) {
	return f.leaseAddrs, f.leaseErr
}
func (f *fakeHypervisor) AgentAddresses(string) ([]hypervisor.InterfaceAddress, error) {
	return f.agentAddrs, f.agentErr
}
func (f *fakeHypervisor) SuppressErrorLogging() func() {
	f.suppressCalls++
	return func() {}
}

func TestResolve_SucceedsViaLeaseOnFirstPoll(t *testing.T) {
	hv := &fakeHypervisor{leaseAddrs: []hypervisor.InterfaceAddress{{Addr: "192.168.122.10"}}}
	r := New(hv, Config{Timeout: time.Second, PollInterval: 10 * time.Millisecond}, zap.NewNop())

	ip, err := r.Resolve(context.Background(), "vm-1", "52:54:00:aa:bb:cc")
	require.NoError(t, err)
	assert.Equal(t, "192.168.122.10", ip)
	assert.Equal(t, 1, hv.suppressCalls)
}

func TestResolve_SkipsLoopbackAddresses(t *testing.T) {
	hv := &fakeHypervisor{leaseAddrs: []hypervisor.InterfaceAddress{{Addr: "127.0.0.1"}, {Addr: "192.168.122.11"}}}
	r := New(hv, Config{Timeout: time.Second, PollInterval: 10 * time.Millisecond}, zap.NewNop())

	ip, err := r.Resolve(context.Background(), "vm-1", "52:54:00:aa:bb:cc")
	require.NoError(t, err)
	assert.Equal(t, "192.168.122.11", ip)
}

func TestResolve_FallsBackToLeasesFile(t *testing.T) {
	dir := t.TempDir()
	leaseFile := filepath.Join(dir, "default.leases")
	require.NoError(t, os.WriteFile(leaseFile,
		[]byte("1234567890 52:54:00:aa:bb:cc 192.168.122.22 web-1 *\n"), 0o644))

	hv := &fakeHypervisor{leaseErr: errors.New("no lease via API")}
	r := New(hv, Config{
		Timeout: time.Second, PollInterval: 10 * time.Millisecond,
		DnsmasqLeaseDir: dir, Network: "default",
	}, zap.NewNop())

	ip, err := r.Resolve(context.Background(), "vm-1", "52:54:00:aa:bb:cc")
	require.NoError(t, err)
	assert.Equal(t, "192.168.122.22", ip)
}

func TestResolve_SkipsAgentBeforeGracePeriod(t *testing.T) {
	hv := &fakeHypervisor{agentAddrs: []hypervisor.InterfaceAddress{{Addr: "192.168.122.33"}}}
	r := New(hv, Config{
		Timeout: 60 * time.Millisecond, PollInterval: 10 * time.Millisecond,
		AgentGraceTime: 5 * time.Second,
	}, zap.NewNop())

	_, err := r.Resolve(context.Background(), "vm-1", "52:54:00:aa:bb:cc")
	require.Error(t, err)
	kind, ok := provisionerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, provisionerrors.IPDiscoveryTimeout, kind)
}

func TestResolve_UsesAgentAfterGracePeriod(t *testing.T) {
	hv := &fakeHypervisor{agentAddrs: []hypervisor.InterfaceAddress{{Addr: "192.168.122.44"}}}
	r := New(hv, Config{
		Timeout: time.Second, PollInterval: 10 * time.Millisecond,
		AgentGraceTime: 15 * time.Millisecond,
	}, zap.NewNop())

	ip, err := r.Resolve(context.Background(), "vm-1", "52:54:00:aa:bb:cc")
	require.NoError(t, err)
	assert.Equal(t, "192.168.122.44", ip)
}

func TestResolve_TimesOutWithNoSourceAnswering(t *testing.T) {
	hv := &fakeHypervisor{leaseErr: errors.New("none")}
	r := New(hv, Config{Timeout: 30 * time.Millisecond, PollInterval: 10 * time.Millisecond}, zap.NewNop())

	_, err := r.Resolve(context.Background(), "vm-1", "52:54:00:aa:bb:cc")
	require.Error(t, err)
	kind, ok := provisionerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, provisionerrors.IPDiscoveryTimeout, kind)
}

func TestResolve_ContextCancellationStopsPolling(t *testing.T) {
	hv := &fakeHypervisor{leaseErr: errors.New("none")}
	r := New(hv, Config{Timeout: time.Minute, PollInterval: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Resolve(ctx, "vm-1", "52:54:00:aa:bb:cc")
	require.Error(t, err)
}
