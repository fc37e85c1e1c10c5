// Package netaddress wraps a resolved UDP socket address with the small
// set of operations the session layer needs: stable string formatting,
// best-effort reverse DNS, and port mutation restricted to addresses this
// package itself resolved (as opposed to ones borrowed from a packet's
// source address).
package netaddress

import (
	"fmt"
	"net"
)

// Address holds a resolved UDP endpoint. The zero value is not valid; use
// Resolve, FromUDPAddr, or FromConn.
type Address struct {
	addr  *net.UDPAddr
	owned bool
}

// FromUDPAddr borrows addr -- typically the source address reported by a
// ReadFromUDP call. SetPort is not allowed on a borrowed address since the
// caller does not expect the packet origin they already observed to
// change under them; call Dup first if a mutable copy is needed.
func FromUDPAddr(addr *net.UDPAddr) Address {
	return Address{addr: addr}
}

// FromConn builds an owned Address from the local address of an already
// bound connection, analogous to calling getsockname on a socket fd.
func FromConn(conn *net.UDPConn) (Address, error) {
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return Address{}, fmt.Errorf("netaddress: connection has no UDP local address")
	}
	cp := *local
	return Address{addr: &cp, owned: true}, nil
}

// Resolve resolves host:port (host may be empty for a wildcard bind) into
// an owned Address.
func Resolve(host, port string) (Address, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
	if err != nil {
		return Address{}, err
	}
	return Address{addr: addr, owned: true}, nil
}

// ResolveLoop resolves host:port and calls cb with each candidate address
// in turn, stopping and returning true as soon as cb returns true. It
// mirrors getaddrinfo()'s AF_UNSPEC behaviour by resolving both address
// families and handing each to the caller for a dial attempt.
func ResolveLoop(host, port string, cb func(Address) bool) (bool, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		return false, err
	}
	for _, ip := range ips {
		a, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip.String(), port))
		if err != nil {
			continue
		}
		if cb(Address{addr: a, owned: true}) {
			return true, nil
		}
	}
	return false, nil
}

// Valid reports whether a holds a resolved address.
func (a Address) Valid() bool { return a.addr != nil }

// UDPAddr returns the underlying *net.UDPAddr for use with net.UDPConn.
func (a Address) UDPAddr() *net.UDPAddr { return a.addr }

// IP returns the textual IP address, or "" if a is invalid.
func (a Address) IP() string {
	if a.addr == nil {
		return ""
	}
	return a.addr.IP.String()
}

// Port returns the UDP port, or 0 if a is invalid.
func (a Address) Port() int {
	if a.addr == nil {
		return 0
	}
	return a.addr.Port
}

// Hostname performs a best-effort reverse DNS lookup, falling back to the
// textual IP (as IP returns it) when no PTR record resolves.
func (a Address) Hostname() string {
	if a.addr == nil {
		return "null"
	}
	names, err := net.LookupAddr(a.addr.IP.String())
	if err != nil || len(names) == 0 {
		return a.IP()
	}
	return names[0]
}

// String renders "ip:port".
func (a Address) String() string {
	if a.addr == nil {
		return "null"
	}
	return a.addr.String()
}

// SetPort mutates the port in place. It only succeeds on an address this
// package resolved or constructed (owned); addresses borrowed from a
// packet's source (FromUDPAddr) are read-only, mirroring the C++
// implementation's assert(managed).
func (a *Address) SetPort(port int) error {
	if !a.owned {
		return fmt.Errorf("netaddress: cannot mutate a borrowed address")
	}
	a.addr.Port = port
	return nil
}

// Dup returns an owned copy of a, safe to mutate independently.
func (a Address) Dup() Address {
	if a.addr == nil {
		return Address{}
	}
	cp := *a.addr
	return Address{addr: &cp, owned: true}
}

// WithPort returns an owned copy of a with the port replaced -- the usual
// way to derive a MIDI-port address from a control-port address.
func (a Address) WithPort(port int) Address {
	cp := a.Dup()
	cp.addr.Port = port
	return cp
}
