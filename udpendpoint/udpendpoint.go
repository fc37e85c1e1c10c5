// Package udpendpoint implements the dual-stack UDP socket that every
// session in this daemon reads and writes through. It binds "::" so a
// single socket accepts both IPv6 and v4-mapped IPv4 traffic, and wires
// its background reader into a poller.Poller so higher layers only ever
// see the non-blocking on_read style signal described in the protocol
// engine.
package udpendpoint

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/davidmoreno/rtpmidid-sub001/netaddress"
	"github.com/davidmoreno/rtpmidid-sub001/poller"
	"github.com/davidmoreno/rtpmidid-sub001/signal"
)

// maxDatagram equals the common Ethernet MTU, so a single RTP-MIDI packet
// that fits the path MTU is read in one recvfrom. Every read allocates a
// fresh buffer of this size, which becomes ReadEvent.Packet; reads are
// not allocation-free.
const maxDatagram = 1500

// ReadEvent is delivered on OnRead for every datagram received.
type ReadEvent struct {
	Packet []byte // owned copy, safe to retain past the callback
	From   netaddress.Address
}

// Endpoint is a bound, non-blocking (from the caller's perspective) UDP
// socket. The zero value is not usable; construct with Open.
type Endpoint struct {
	conn *net.UDPConn
	addr netaddress.Address

	OnRead signal.Signal[ReadEvent]

	listener *poller.FDListener
}

// Open binds host:port (an empty host binds the wildcard "::"; port 0
// asks the kernel for an ephemeral port) and starts feeding received
// datagrams through p into OnRead.
func Open(p *poller.Poller, host string, port int) (*Endpoint, error) {
	if host == "" {
		host = "::"
	}
	lc := net.ListenConfig{
		Control: dualStackControl,
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, fmt.Errorf("udpendpoint: open %s:%d: %w", host, port, err)
	}
	conn := pc.(*net.UDPConn)

	addr, err := netaddress.FromConn(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	e := &Endpoint{conn: conn, addr: addr}
	e.listener = p.AddFDIn(e.readOne, func(buf []byte, from interface{}) {
		e.OnRead.Emit(ReadEvent{Packet: buf, From: netaddress.FromUDPAddr(from.(*net.UDPAddr))})
	})
	return e, nil
}

func (e *Endpoint) readOne() ([]byte, interface{}, error) {
	buf := make([]byte, maxDatagram)
	n, from, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], from, nil
}

// SendTo writes packet to addr, returning the number of bytes sent. A
// negative return with a non-nil error mirrors the sendto() convention
// of letting the caller decide whether to retry.
func (e *Endpoint) SendTo(packet []byte, addr netaddress.Address) (int, error) {
	n, err := e.conn.WriteToUDP(packet, addr.UDPAddr())
	if err != nil {
		return -1, err
	}
	return n, nil
}

// GetAddress returns the locally bound address.
func (e *Endpoint) GetAddress() netaddress.Address { return e.addr }

// Close stops delivering further reads and releases the socket. Already
// in-flight callbacks are allowed to finish; no new ones are scheduled.
func (e *Endpoint) Close() error {
	if e.listener != nil {
		e.listener.Close()
	}
	return e.conn.Close()
}

// dualStackControl clears IPV6_V6ONLY so a single "::"-bound socket
// accepts v4-mapped IPv4 traffic as well as native IPv6, instead of
// relying on whatever the OS default happens to be.
func dualStackControl(network, address string, c syscall.RawConn) error {
	if network != "udp6" && network != "udp" {
		return nil
	}
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	})
	if err != nil {
		return err
	}
	// ENOPROTOOPT etc. here just means the platform doesn't support the
	// option on this socket (e.g. it resolved to a pure IPv4 socket);
	// that's fine, not fatal.
	_ = sockErr
	return nil
}
