// Package mac derives a deterministic guest MAC address from a VM id, so
// the same VM always gets the same MAC across restarts and DHCP never
// sees an address collide (spec.md §6).
package mac

import "crypto/sha256"

// libvirtKVMPrefix is the locally-administered OUI libvirt/QEMU reserve
// for KVM guests.
const libvirtKVMPrefix = "52:54:00"

// Derive returns a MAC address in the 52:54:00:xx:xx:xx range, deterministic
// in vmID: the first three bytes of sha256(vmID) become the host-specific
// octets.
func Derive(vmID string) string {
	sum := sha256.Sum256([]byte(vmID))
	return hexOctets(libvirtKVMPrefix, sum[0], sum[1], sum[2])
}

func hexOctets(prefix string, a, b, c byte) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 0, len(prefix)+9)
	buf = append(buf, prefix...)
	for _, octet := range [3]byte{a, b, c} {
		buf = append(buf, ':', hexDigits[octet>>4], hexDigits[octet&0x0f])
	}
	return string(buf)
}
