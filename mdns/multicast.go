package mdns

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/ipv4"

	"github.com/davidmoreno/rtpmidid-sub001/logger"
)

// MulticastResponder is a Responder that announces and discovers
// _apple-midi._udp services over a link-local IPv4 UDP multicast group
// instead of a system mDNS/DNS-SD daemon -- a LAN broadcast transport a
// Bridge can be wired to when no real DNS-SD stack is available. It
// joins the group on every multicast-capable interface individually via
// ipv4.PacketConn, the same way a control-message-aware sender needs to
// when more than one interface can carry the group.
type MulticastResponder struct {
	pc    *ipv4.PacketConn
	gaddr *net.UDPAddr
	inbox chan []byte

	bridge *Bridge
	stop   chan struct{}
	log    *logger.Logger
}

// NewMulticastResponder joins the multicast group at addr (for example
// "239.255.250.10:21027") on every multicast-capable interface and
// returns a Responder ready to be handed to New and Bind.
func NewMulticastResponder(addr string) (*MulticastResponder, error) {
	gaddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("mdns: resolving multicast group %q: %w", addr, err)
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", gaddr.Port))
	if err != nil {
		return nil, fmt.Errorf("mdns: listening on port %d: %w", gaddr.Port, err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mdns: enabling interface control messages: %w", err)
	}

	intfs, err := net.Interfaces()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("mdns: listing interfaces: %w", err)
	}
	joined := 0
	for _, intf := range intfs {
		if intf.Flags&net.FlagUp == 0 || intf.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&intf, gaddr); err == nil {
			joined++
		}
	}
	if joined == 0 {
		conn.Close()
		return nil, fmt.Errorf("mdns: no usable multicast interface for %s", addr)
	}

	return &MulticastResponder{
		pc:    pc,
		gaddr: gaddr,
		inbox: make(chan []byte, 16),
		stop:  make(chan struct{}),
		log:   logger.Default,
	}, nil
}

// Bind attaches the bridge that discoveries and removals are delivered
// to, and starts the reader and writer goroutines.
func (m *MulticastResponder) Bind(bridge *Bridge) {
	m.bridge = bridge
	go m.writer()
	go m.reader()
}

// Close stops both goroutines and releases the multicast socket.
func (m *MulticastResponder) Close() error {
	close(m.stop)
	return m.pc.Close()
}

func (m *MulticastResponder) writer() {
	for {
		select {
		case bs := <-m.inbox:
			m.broadcast(bs)
		case <-m.stop:
			return
		}
	}
}

func (m *MulticastResponder) broadcast(bs []byte) {
	intfs, err := net.Interfaces()
	if err != nil {
		m.log.Warnf("mdns: listing interfaces: %v", err)
		return
	}
	for _, intf := range intfs {
		if intf.Flags&net.FlagUp == 0 || intf.Flags&net.FlagMulticast == 0 {
			continue
		}
		cm := &ipv4.ControlMessage{IfIndex: intf.Index}
		if _, err := m.pc.WriteTo(bs, cm, m.gaddr); err != nil {
			m.log.Debugf("mdns: write via %s: %v", intf.Name, err)
		}
	}
}

func (m *MulticastResponder) reader() {
	buf := make([]byte, 1500)
	for {
		n, _, src, err := m.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
				m.log.Warnf("mdns: multicast read: %v", err)
				return
			}
		}
		m.handle(buf[:n], src)
	}
}

// handle parses one of the two line shapes this responder puts on the
// wire: "BYE\t<name>" for a withdrawal, or
// "<serviceType>\t<name>\t<port>" for an announcement.
func (m *MulticastResponder) handle(bs []byte, src net.Addr) {
	if m.bridge == nil {
		return
	}
	fields := strings.Split(string(bs), "\t")
	if len(fields) == 2 && fields[0] == "BYE" {
		m.bridge.OnRemove(fields[1])
		return
	}
	if len(fields) != 3 || fields[0] != ServiceType {
		return
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return
	}
	host, _, err := net.SplitHostPort(src.String())
	if err != nil {
		host = src.String()
	}
	m.bridge.OnDiscover(fields[1], host, port)
}

// Announce implements Responder by putting one announcement datagram on
// the multicast group. It does not repeat the announcement; it is sent
// again only when called again, for instance through Bridge.AnnounceAll.
func (m *MulticastResponder) Announce(serviceType, name string, port int) error {
	msg := []byte(fmt.Sprintf("%s\t%s\t%d", serviceType, name, port))
	select {
	case m.inbox <- msg:
	default:
		m.log.Debugln("mdns: dropping announce, writer backlog full")
	}
	return nil
}

// Unannounce puts one withdrawal datagram on the multicast group.
func (m *MulticastResponder) Unannounce(_ string, name string, _ int) error {
	msg := []byte("BYE\t" + name)
	select {
	case m.inbox <- msg:
	default:
	}
	return nil
}

// Browse is a no-op: this responder is always listening on the shared
// multicast group once constructed, so nothing further needs to start.
func (m *MulticastResponder) Browse(_ string) error { return nil }
