// Package mdns implements the service-discovery bridge described as
// component H: Bridge exposes the announce/unannounce/browse surface the
// rest of the daemon calls and the two signals a Responder feeds
// discoveries and removals through. Bridge itself is transport-agnostic;
// MulticastResponder is this package's own built-in Responder, speaking
// a plain UDP multicast LAN protocol rather than real DNS-SD, for hosts
// with no system mDNS stack to delegate to.
package mdns

import (
	"fmt"

	"github.com/davidmoreno/rtpmidid-sub001/logger"
	"github.com/davidmoreno/rtpmidid-sub001/signal"
)

// ServiceType is the DNS-SD service type this daemon announces and
// browses for.
const ServiceType = "_apple-midi._udp"

// Responder is the mDNS implementation this bridge is wired to. Bridge
// only invokes its effects (Announce, Unannounce, Browse); its
// discoveries are fed back in through OnDiscover/OnRemove.
// MulticastResponder is the implementation this package provides.
type Responder interface {
	Announce(serviceType, name string, port int) error
	Unannounce(serviceType, name string, port int) error
	Browse(serviceType string) error
}

// Discovery is delivered on DiscoverEvent for every service the responder
// finds, including ones this daemon itself announced.
type Discovery struct {
	Name    string
	Address string
	Port    int
}

// Bridge adapts a Responder to the rest of the daemon.
type Bridge struct {
	responder Responder

	announced map[string]int // name -> port, for announce_all/debugging

	DiscoverEvent signal.Signal[Discovery]
	RemoveEvent   signal.Signal[string]

	log *logger.Logger
}

// New wraps responder. responder may be nil, in which case every
// operation is a silent no-op -- useful for running the session engine
// without any real discovery backend wired in (tests, or hosts with mDNS
// disabled).
func New(responder Responder) *Bridge {
	return &Bridge{
		responder: responder,
		announced: make(map[string]int),
		log:       logger.Default,
	}
}

// AnnounceRTPMIDI advertises name on port under ServiceType.
func (b *Bridge) AnnounceRTPMIDI(name string, port int) error {
	b.announced[name] = port
	if b.responder == nil {
		return nil
	}
	if err := b.responder.Announce(ServiceType, name, port); err != nil {
		return fmt.Errorf("mdns: announcing %q: %w", name, err)
	}
	b.log.Infof("mdns: announced %q on port %d", name, port)
	return nil
}

// UnannounceRTPMIDI withdraws a previous announcement.
func (b *Bridge) UnannounceRTPMIDI(name string, port int) error {
	delete(b.announced, name)
	if b.responder == nil {
		return nil
	}
	if err := b.responder.Unannounce(ServiceType, name, port); err != nil {
		return fmt.Errorf("mdns: unannouncing %q: %w", name, err)
	}
	return nil
}

// AnnounceAll re-announces every name this bridge currently tracks,
// for use after the responder reports it lost its multicast group (an
// interface flap, for instance).
func (b *Bridge) AnnounceAll() error {
	if b.responder == nil {
		return nil
	}
	for name, port := range b.announced {
		if err := b.responder.Announce(ServiceType, name, port); err != nil {
			return fmt.Errorf("mdns: re-announcing %q: %w", name, err)
		}
	}
	return nil
}

// Browse asks the responder to start discovering other _apple-midi._udp
// services; results arrive through OnDiscover/OnRemove.
func (b *Bridge) Browse() error {
	if b.responder == nil {
		return nil
	}
	return b.responder.Browse(ServiceType)
}

// OnDiscover is the callback the Responder implementation invokes when it
// finds a service. It is not itself a Signal so that an adapter can stay
// free of this package's generic instantiation details; it simply emits
// DiscoverEvent.
func (b *Bridge) OnDiscover(name, address string, port int) {
	b.DiscoverEvent.Emit(Discovery{Name: name, Address: address, Port: port})
}

// OnRemove is the callback the Responder invokes when a previously
// discovered service disappears.
func (b *Bridge) OnRemove(name string) {
	b.RemoveEvent.Emit(name)
}
