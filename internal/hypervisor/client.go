package hypervisor

import (
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

// libvirtConn is the subset of *libvirt.Libvirt the adapter depends on,
// narrowed to an interface so tests can substitute a fake. Method
// signatures are copied verbatim from the go-libvirt client.
type libvirtConn interface {
	DomainLookupByName(name string) (libvirt.Domain, error)
	DomainDefineXML(xml string) (libvirt.Domain, error)
	DomainCreate(dom libvirt.Domain) error
	DomainGetState(dom libvirt.Domain, flags uint32) (state int32, reason int32, err error)
	DomainShutdown(dom libvirt.Domain) error
	DomainDestroy(dom libvirt.Domain) error
	DomainUndefine(dom libvirt.Domain) error
	DomainInterfaceAddresses(dom libvirt.Domain, source, flags uint32) ([]libvirt.DomainInterface, error)
	ConnectGetLibVersion() (uint64, error)
	Disconnect() error
}

// Conn owns a single connection to the local libvirt daemon, dialed over
// its UNIX socket the same way as a local `virsh -c qemu:///system`. It
// remembers its own dial parameters so it can silently redial if the
// daemon drops the connection, the same lazy-reconnect behavior as
// get_conn() in the original Python client.
type Conn struct {
	lv         libvirtConn
	socketPath string
	timeout    time.Duration
}

// Dial connects to libvirt over a local UNIX socket. If socketPath is
// empty it defaults to the standard system socket.
func Dial(socketPath string, timeout time.Duration) (*Conn, error) {
	if socketPath == "" {
		socketPath = "/var/run/libvirt/libvirt-sock"
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	l, err := dialLibvirt(socketPath, timeout)
	if err != nil {
		return nil, err
	}
	return &Conn{lv: l, socketPath: socketPath, timeout: timeout}, nil
}

func dialLibvirt(socketPath string, timeout time.Duration) (*libvirt.Libvirt, error) {
	dialer := dialers.NewLocal(
		dialers.WithSocket(socketPath),
		dialers.WithLocalTimeout(timeout),
	)

	l := libvirt.NewWithDialer(dialer)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("connect to libvirt at %s: %w", socketPath, err)
	}
	return l, nil
}

// Close disconnects. Safe to call on an already-closed Conn.
func (c *Conn) Close() error {
	if c == nil || c.lv == nil {
		return nil
	}
	return c.lv.Disconnect()
}

// Ping reports whether the connection is still usable.
func (c *Conn) Ping() error {
	_, err := c.lv.ConnectGetLibVersion()
	if err != nil {
		return fmt.Errorf("libvirt connection is dead: %w", err)
	}
	return nil
}

// Reconnect redials the socket this Conn was originally created with and
// replaces the live connection in place. Callers hold the same *Conn
// across a reconnect; only the connection it wraps changes.
func (c *Conn) Reconnect() error {
	l, err := dialLibvirt(c.socketPath, c.timeout)
	if err != nil {
		return err
	}
	c.lv = l
	return nil
}
