// Package ipresolver discovers the internal IP address DHCP assigned to
// a freshly-started guest (spec.md §4.7). It polls four independent
// sources in priority order and returns as soon as any of them answers.
package ipresolver

import (
	"bufio"
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NadimPy/vm-provisioner/internal/hypervisor"
	"github.com/NadimPy/vm-provisioner/internal/provisionerrors"
)

// HypervisorSource is the subset of the Hypervisor Adapter the resolver
// polls against. Kept as an interface so tests don't need a real
// libvirt connection.
type HypervisorSource interface {
	LeaseAddresses(vmID string) ([]hypervisor.InterfaceAddress, error)
	AgentAddresses(vmID string) ([]hypervisor.InterfaceAddress, error)
	SuppressErrorLogging() func()
}

// Config controls polling cadence.
type Config struct {
	Timeout         time.Duration
	PollInterval    time.Duration
	AgentGraceTime  time.Duration
	DnsmasqLeaseDir string // directory containing "<network>.leases" files
	Network         string
}

// Resolver polls for a VM's address using the lease API, the dnsmasq
// leases file, the host ARP table, and (after a grace period) the guest
// agent, in that order, every PollInterval until Timeout elapses.
type Resolver struct {
	hv     HypervisorSource
	cfg    Config
	logger *zap.Logger
}

func New(hv HypervisorSource, cfg Config, logger *zap.Logger) *Resolver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.AgentGraceTime <= 0 {
		cfg.AgentGraceTime = 30 * time.Second
	}
	return &Resolver{hv: hv, cfg: cfg, logger: logger}
}

// Resolve blocks until vmID has a routable IPv4 address or cfg.Timeout
// elapses, whichever comes first. macAddress is used to search the
// dnsmasq leases file and the host's ARP/neighbor table, both of which
// key on MAC rather than domain name.
func (r *Resolver) Resolve(ctx context.Context, vmID, macAddress string) (string, error) {
	const op = "ipresolver.Resolve"

	deadline := time.Now().Add(r.cfg.Timeout)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	release := r.hv.SuppressErrorLogging()
	defer release()

	start := time.Now()
	lastProgressLog := time.Duration(0)

	for {
		elapsed := time.Since(start)

		if ip, ok := r.tryLease(vmID); ok {
			r.logger.Info("found IP via DHCP lease", zap.String("vm_id", vmID), zap.String("ip", ip))
			return ip, nil
		}
		if ip, ok := r.tryLeasesFile(macAddress); ok {
			r.logger.Info("found IP via leases file", zap.String("vm_id", vmID), zap.String("ip", ip))
			return ip, nil
		}
		if ip, ok := r.tryARP(ctx, macAddress); ok {
			r.logger.Info("found IP via ARP table", zap.String("vm_id", vmID), zap.String("ip", ip))
			return ip, nil
		}
		if elapsed >= r.cfg.AgentGraceTime {
			if ip, ok := r.tryAgent(vmID); ok {
				r.logger.Info("found IP via guest agent", zap.String("vm_id", vmID), zap.String("ip", ip))
				return ip, nil
			}
		}

		if elapsed > 0 && elapsed-lastProgressLog >= 10*time.Second {
			lastProgressLog = elapsed
			r.logger.Info("waiting for VM IP",
				zap.String("vm_id", vmID), zap.Duration("elapsed", elapsed), zap.Duration("timeout", r.cfg.Timeout))
		}

		if time.Now().After(deadline) {
			return "", provisionerrors.New(provisionerrors.IPDiscoveryTimeout, op)
		}

		select {
		case <-ctx.Done():
			return "", provisionerrors.Wrap(provisionerrors.IPDiscoveryTimeout, op, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Resolver) tryLease(vmID string) (string, bool) {
	addrs, err := r.hv.LeaseAddresses(vmID)
	if err != nil {
		return "", false
	}
	return firstRoutable(addrStrings(addrs))
}

func (r *Resolver) tryAgent(vmID string) (string, bool) {
	addrs, err := r.hv.AgentAddresses(vmID)
	if err != nil {
		return "", false
	}
	return firstRoutable(addrStrings(addrs))
}

func addrStrings(addrs []hypervisor.InterfaceAddress) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Addr
	}
	return out
}

// tryLeasesFile reads the dnsmasq leases file for the configured network
// directly, catching races where the libvirt API hasn't caught up yet.
// Format: "<expiry> <mac> <ip> <hostname> <client-id>", one per line.
func (r *Resolver) tryLeasesFile(macAddress string) (string, bool) {
	if r.cfg.DnsmasqLeaseDir == "" {
		return "", false
	}
	path := filepath.Join(r.cfg.DnsmasqLeaseDir, r.cfg.Network+".leases")
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		if strings.EqualFold(fields[1], macAddress) {
			return fields[2], true
		}
	}
	return "", false
}

// tryARP shells out to `ip neigh show` and scans for a line mentioning
// macAddress, the same way a VM that hasn't completed DHCP yet can still
// be found from the ARP broadcast it sent.
func (r *Resolver) tryARP(ctx context.Context, macAddress string) (string, bool) {
	cmd := exec.CommandContext(ctx, "ip", "neigh", "show")
	output, err := cmd.Output()
	if err != nil {
		return "", false
	}

	mac := strings.ToLower(macAddress)
	for _, line := range strings.Split(string(output), "\n") {
		if !strings.Contains(strings.ToLower(line), mac) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if _, ok := firstRoutable(fields[:1]); !ok {
			continue
		}
		return fields[0], true
	}
	return "", false
}

func firstRoutable(addrs []string) (string, bool) {
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
			return addr, true
		}
	}
	return "", false
}
