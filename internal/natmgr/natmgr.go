// Package natmgr owns the three iptables rules that forward a host port
// to a VM's SSH port (spec.md §4.6). The exec-and-inspect-output idiom
// follows the teacher's WireGuard manager; the exact rule set (DNAT,
// FORWARD inserted ahead of libvirt's bridge rules, MASQUERADE) is the
// one the original provisioner used in production.
package natmgr

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/NadimPy/vm-provisioner/internal/provisionerrors"
)

const guestSSHPort = "22"

// Manager installs/removes forwarding rules via the system iptables
// binary. It holds no state of its own — the catalog is the source of
// truth for which (host_port, vm_ip) pairs should have rules.
type Manager struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Install adds the DNAT/FORWARD/MASQUERADE triple forwarding hostPort on
// this machine to vmIP:22. If the FORWARD or MASQUERADE rule fails to
// install after DNAT succeeded, Install rolls back whatever it already
// added so a failed create never leaves a half-wired port open.
func (m *Manager) Install(ctx context.Context, hostPort int, vmIP string) error {
	const op = "natmgr.Install"

	if err := m.run(ctx, dnatArgs("-A", hostPort, vmIP)...); err != nil {
		return provisionerrors.Wrap(provisionerrors.NatInstallFailed, op, err)
	}
	if err := m.run(ctx, forwardArgs("-I", vmIP)...); err != nil {
		m.bestEffortRemove(ctx, "dnat", dnatArgs("-D", hostPort, vmIP))
		return provisionerrors.Wrap(provisionerrors.NatInstallFailed, op, err)
	}
	if err := m.run(ctx, masqArgs("-A", vmIP)...); err != nil {
		m.bestEffortRemove(ctx, "forward", forwardArgs("-D", vmIP))
		m.bestEffortRemove(ctx, "dnat", dnatArgs("-D", hostPort, vmIP))
		return provisionerrors.Wrap(provisionerrors.NatInstallFailed, op, err)
	}

	m.logger.Info("installed port forward", zap.Int("host_port", hostPort), zap.String("vm_ip", vmIP))
	return nil
}

// Remove deletes all three rules for (hostPort, vmIP). Each delete is
// best-effort: a rule that is already gone is not an error, since Remove
// is also the coordinator's compensation step and the first half of
// Restore's idempotent remove-then-reinstall.
func (m *Manager) Remove(ctx context.Context, hostPort int, vmIP string) {
	m.bestEffortRemove(ctx, "dnat", dnatArgs("-D", hostPort, vmIP))
	m.bestEffortRemove(ctx, "forward", forwardArgs("-D", vmIP))
	m.bestEffortRemove(ctx, "masquerade", masqArgs("-D", vmIP))
}

// PortForward is the minimal shape Restore needs from a catalog row.
type PortForward struct {
	HostPort int
	VMIP     string
}

// Restore re-creates forwarding rules for every VM the catalog still
// considers live. It is called once at startup, since a host reboot or
// an external `iptables -F` would otherwise silently strand every
// existing VM's SSH access. Each entry is idempotent: stale rules are
// removed before being re-added.
func (m *Manager) Restore(ctx context.Context, forwards []PortForward) (restored int) {
	for _, f := range forwards {
		if f.HostPort == 0 || f.VMIP == "" {
			continue
		}
		m.Remove(ctx, f.HostPort, f.VMIP)
		if err := m.Install(ctx, f.HostPort, f.VMIP); err != nil {
			m.logger.Warn("failed to restore port forward",
				zap.Int("host_port", f.HostPort), zap.String("vm_ip", f.VMIP), zap.Error(err))
			continue
		}
		restored++
	}
	return restored
}

func (m *Manager) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "iptables", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(output)), err)
	}
	return nil
}

func (m *Manager) bestEffortRemove(ctx context.Context, label string, args []string) {
	if err := m.run(ctx, args...); err != nil {
		m.logger.Warn("cleanup: failed to remove nat rule", zap.String("rule", label), zap.Error(err))
	}
}

func dnatArgs(verb string, hostPort int, vmIP string) []string {
	return []string{
		"-t", "nat", verb, "PREROUTING",
		"-p", "tcp",
		"--dport", strconv.Itoa(hostPort),
		"-j", "DNAT",
		"--to-destination", vmIP + ":" + guestSSHPort,
	}
}

// forwardArgs is inserted (-I) on add so it is evaluated ahead of
// libvirt's default REJECT rules for the bridge, and removed (-D) by
// value on delete.
func forwardArgs(verb string, vmIP string) []string {
	return []string{
		verb, "FORWARD",
		"-p", "tcp",
		"-d", vmIP,
		"--dport", guestSSHPort,
		"-m", "conntrack", "--ctstate", "NEW,ESTABLISHED,RELATED",
		"-j", "ACCEPT",
	}
}

func masqArgs(verb string, vmIP string) []string {
	return []string{
		"-t", "nat", verb, "POSTROUTING",
		"-p", "tcp",
		"-d", vmIP,
		"--dport", guestSSHPort,
		"-j", "MASQUERADE",
	}
}
