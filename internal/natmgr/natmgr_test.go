package natmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDnatArgs_AddMatchesExactRecipe(t *testing.T) {
	got := dnatArgs("-A", 2222, "192.168.122.10")
	want := []string{
		"-t", "nat", "-A", "PREROUTING",
		"-p", "tcp",
		"--dport", "2222",
		"-j", "DNAT",
		"--to-destination", "192.168.122.10:22",
	}
	assert.Equal(t, want, got)
}

func TestForwardArgs_InsertsAtTopOnAdd(t *testing.T) {
	got := forwardArgs("-I", "192.168.122.10")
	want := []string{
		"-I", "FORWARD",
		"-p", "tcp",
		"-d", "192.168.122.10",
		"--dport", "22",
		"-m", "conntrack", "--ctstate", "NEW,ESTABLISHED,RELATED",
		"-j", "ACCEPT",
	}
	assert.Equal(t, want, got)
}

func TestMasqArgs_MatchesExactRecipe(t *testing.T) {
	got := masqArgs("-A", "192.168.122.10")
	want := []string{
		"-t", "nat", "-A", "POSTROUTING",
		"-p", "tcp",
		"-d", "192.168.122.10",
		"--dport", "22",
		"-j", "MASQUERADE",
	}
	assert.Equal(t, want, got)
}

func TestRestore_SkipsIncompleteForwards(t *testing.T) {
	m := New(testLogger())
	restored := m.Restore(testContext(), []PortForward{
		{HostPort: 0, VMIP: "192.168.122.10"},
		{HostPort: 2222, VMIP: ""},
	})
	assert.Equal(t, 0, restored)
}
