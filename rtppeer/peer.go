// Package rtppeer implements the RTP-MIDI session state machine for a
// single remote party: the AppleMIDI command exchange (IN/OK/NO/BY/CK/RS)
// and RTP-MIDI data packets described in RFC 6295. It is transport
// agnostic -- it neither owns a socket nor a timer, it only turns bytes
// received on one of the two session ports into state transitions and
// signals, and turns outgoing intent (connect, send MIDI, disconnect)
// into bytes on a signal the caller wires to a real socket.
package rtppeer

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/davidmoreno/rtpmidid-sub001/iobytes"
	"github.com/davidmoreno/rtpmidid-sub001/netaddress"
	"github.com/davidmoreno/rtpmidid-sub001/signal"
)

// Port identifies which of the two paired UDP sockets a packet or
// outbound send belongs to.
type Port int

const (
	ControlPort Port = iota
	MIDIPort
)

func (p Port) String() string {
	if p == ControlPort {
		return "control"
	}
	return "midi"
}

// Status is a bitmask describing the session's progress, mirroring the
// taxonomy in the protocol specification.
type Status uint8

const (
	NotConnected     Status = 0
	ControlConnected Status = 1 << iota
	MIDIConnected
	disconnectedByPeer
	disconnectedNetworkError
	disconnectedCKTimeout
	disconnectedReconnect
)

const (
	// Connected is shorthand for both ports being up.
	Connected = ControlConnected | MIDIConnected

	DisconnectedByPeer       = disconnectedByPeer
	DisconnectedNetworkError = disconnectedNetworkError
	DisconnectedCKTimeout    = disconnectedCKTimeout
	DisconnectedReconnect    = disconnectedReconnect
)

var disconnectedMask = disconnectedByPeer | disconnectedNetworkError | disconnectedCKTimeout | disconnectedReconnect

// IsDisconnected reports whether s carries any disconnected-reason bit.
func (s Status) IsDisconnected() bool { return s&disconnectedMask != 0 }

func (s Status) String() string {
	switch {
	case s&disconnectedByPeer != 0:
		return "DISCONNECTED_BY_PEER"
	case s&disconnectedNetworkError != 0:
		return "DISCONNECTED_NETWORK_ERROR"
	case s&disconnectedCKTimeout != 0:
		return "DISCONNECTED_CK_TIMEOUT"
	case s&disconnectedReconnect != 0:
		return "DISCONNECTED_RECONNECT"
	case s == Connected:
		return "CONNECTED"
	case s&MIDIConnected != 0:
		return "MIDI_CONNECTED"
	case s&ControlConnected != 0:
		return "CONTROL_CONNECTED"
	default:
		return "NOT_CONNECTED"
	}
}

// SendEvent is emitted whenever the peer has bytes it wants put on the
// wire.
type SendEvent struct {
	Packet []byte
	Port   Port
}

// Peer is one RTP-MIDI session with a single remote party. Create with
// New; wire SendEvent, StatusChangeEvent, MIDIEvent and CKEvent to a real
// transport before calling any method that can emit them.
type Peer struct {
	Name      string
	Initiator bool // true on the dialing (client) side of the session

	LocalSSRC      uint32
	RemoteSSRC     uint32
	InitiatorID    uint32
	RemoteName     string
	Status         Status
	SeqNrIn        uint16
	SeqNrOut       uint16
	RemoteBasePort int

	LocalAddress  netaddress.Address
	RemoteAddress netaddress.Address

	LatencyMS float64

	timestampStart time.Time

	firstMIDISeen bool

	SendEvent         signal.Signal[SendEvent]
	StatusChangeEvent signal.Signal[Status]
	MIDIEvent         signal.Signal[[]byte]
	CKEvent           signal.Signal[float64]

	// CKReceivedEvent fires on every CK this peer handles, regardless of
	// count/role -- unlike CKEvent, which only carries a measured
	// round-trip latency on the initiator's count=1 reply. A server-side
	// peer only ever plays the responder role (count 0 and 2) and so
	// never emits CKEvent after connecting; callers that just need "CK
	// keepalive traffic arrived, rearm the silence timer" should use this
	// signal instead.
	CKReceivedEvent signal.Signal[struct{}]
}

// New creates a peer session. initiator is true for the client side
// (which sends the first IN) and false for the server side (which
// answers one).
func New(name string, initiator bool) *Peer {
	p := &Peer{
		Name:           name,
		Initiator:      initiator,
		LocalSSRC:      randomUint32(),
		timestampStart: time.Now(),
	}
	if initiator {
		p.InitiatorID = randomUint32()
	}
	return p
}

func randomUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the platform's RNG is broken; a
		// session identifier would be unsafe regardless, so this is one
		// of the rare places a panic is appropriate.
		panic(fmt.Sprintf("rtppeer: reading random ssrc: %v", err))
	}
	return binary.BigEndian.Uint32(b[:])
}

// now returns the current time as AppleMIDI 100-microsecond ticks since
// the session started, sampled from a monotonic clock.
func (p *Peer) now() uint64 {
	return uint64(time.Since(p.timestampStart) / (100 * time.Microsecond))
}

// ConnectTo composes and emits an IN invitation on port. Only meaningful
// for the initiating side.
func (p *Peer) ConnectTo(port Port) {
	pkt := encodeInvitation(cmdIN, invitation{
		InitiatorID: p.InitiatorID,
		SSRC:        p.LocalSSRC,
		Name:        p.Name,
	})
	p.SendEvent.Emit(SendEvent{Packet: pkt, Port: port})
}

func (p *Peer) setStatus(s Status) {
	if p.Status == s {
		return
	}
	p.Status = s
	p.StatusChangeEvent.Emit(s)
}

// DataReady feeds bytes received on port into the state machine. It may
// emit SendEvent, StatusChangeEvent, MIDIEvent and CKEvent as a result.
func (p *Peer) DataReady(buf []byte, port Port) error {
	if cmd, ok := peekCommand(buf); ok {
		return p.handleCommand(cmd, iobytes.NewReader(buf[4:]), port)
	}
	if port == MIDIPort {
		return p.handleMIDIData(buf)
	}
	return fmt.Errorf("rtppeer: unrecognised packet on %s port", port)
}

func (p *Peer) handleCommand(cmd command, r *iobytes.Reader, port Port) error {
	switch cmd {
	case cmdIN:
		return p.handleIN(r, port)
	case cmdOK:
		return p.handleOK(r, port)
	case cmdNO:
		return p.handleNO(r, port)
	case cmdBY:
		return p.handleBY(r)
	case cmdCK:
		return p.handleCK(r)
	case cmdRS:
		return p.handleRS(r)
	default:
		return fmt.Errorf("rtppeer: unknown command %q", cmd)
	}
}

func (p *Peer) handleIN(r *iobytes.Reader, port Port) error {
	inv, err := decodeInvitation(r)
	if err != nil {
		return err
	}
	// Responder role: reply OK on whichever port the invitation arrived
	// on, correlating by initiator_id since our own SSRC isn't known to
	// the peer yet on its first message.
	if p.RemoteSSRC == 0 {
		p.RemoteSSRC = inv.SSRC
	}
	p.InitiatorID = inv.InitiatorID
	p.RemoteName = inv.Name

	reply := encodeInvitation(cmdOK, invitation{
		InitiatorID: inv.InitiatorID,
		SSRC:        p.LocalSSRC,
		Name:        p.Name,
	})
	p.SendEvent.Emit(SendEvent{Packet: reply, Port: port})

	switch port {
	case ControlPort:
		p.setStatus(p.Status | ControlConnected)
	case MIDIPort:
		p.setStatus(p.Status | MIDIConnected)
	}
	return nil
}

func (p *Peer) handleOK(r *iobytes.Reader, port Port) error {
	inv, err := decodeInvitation(r)
	if err != nil {
		return err
	}
	// An OK for a port that is already connected (a late or duplicate
	// reply) is ignored rather than overwriting settled state -- see
	// design notes. An OK for a port not yet connected is accepted.
	switch port {
	case ControlPort:
		if p.Status&ControlConnected != 0 {
			return nil
		}
		p.RemoteSSRC = inv.SSRC
		p.RemoteName = inv.Name
		p.setStatus(p.Status | ControlConnected)
	case MIDIPort:
		if p.Status&MIDIConnected != 0 {
			return nil
		}
		p.setStatus(p.Status | MIDIConnected)
	}
	return nil
}

func (p *Peer) handleNO(r *iobytes.Reader, _ Port) error {
	if _, err := decodeInvitation(r); err != nil {
		return err
	}
	p.setStatus(disconnectedByPeer)
	return nil
}

func (p *Peer) handleBY(r *iobytes.Reader) error {
	if _, err := decodeGoodbye(r); err != nil {
		return err
	}
	p.setStatus(disconnectedByPeer)
	return nil
}

func (p *Peer) handleCK(r *iobytes.Reader) error {
	ck, err := decodeClockSync(r)
	if err != nil {
		return err
	}
	switch ck.Count {
	case 0:
		// Responder role: echo ts1, stamp ts2, send back.
		reply := encodeClockSync(clockSync{
			SSRC:  p.LocalSSRC,
			Count: 1,
			TS1:   ck.TS1,
			TS2:   p.now(),
			TS3:   0,
		})
		p.SendEvent.Emit(SendEvent{Packet: reply, Port: MIDIPort})
		p.CKReceivedEvent.Emit(struct{}{})
	case 1:
		// Initiator role: finalise with ts3 and report latency.
		ts3 := p.now()
		reply := encodeClockSync(clockSync{
			SSRC:  p.LocalSSRC,
			Count: 2,
			TS1:   ck.TS1,
			TS2:   ck.TS2,
			TS3:   ts3,
		})
		p.SendEvent.Emit(SendEvent{Packet: reply, Port: MIDIPort})
		p.LatencyMS = float64(ts3-ck.TS1) / 20.0
		p.CKEvent.Emit(p.LatencyMS)
		p.CKReceivedEvent.Emit(struct{}{})
	case 2:
		// Responder role: nothing more to send; could compute one-way
		// offset from ck.TS2/TS3 but this implementation only reports
		// round-trip latency, measured at the initiator.
		p.CKReceivedEvent.Emit(struct{}{})
	}
	return nil
}

func (p *Peer) handleRS(r *iobytes.Reader) error {
	_, err := decodeReceiverFeedback(r)
	return err
}

func (p *Peer) handleMIDIData(buf []byte) error {
	r := iobytes.NewReader(buf)
	hdr, err := decodeMIDIHeader(r)
	if err != nil {
		return err
	}
	p.SeqNrIn = hdr.SeqNr
	if p.RemoteSSRC == 0 {
		p.RemoteSSRC = hdr.SSRC
	}
	list, _, err := decodeMIDIList(r)
	if err != nil {
		return err
	}
	msgs, err := decodeRunningStatusMessages(list)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		p.MIDIEvent.Emit(m)
	}
	return nil
}

// SendMIDI formats bytes (one complete MIDI 1.0 message, status byte
// included) into a data packet and emits it. It is a no-op when the
// session is not fully connected.
func (p *Peer) SendMIDI(bytes []byte) {
	if p.Status&Connected != Connected {
		return
	}
	buf := make([]byte, 12+2+len(bytes)+3)
	w := iobytes.NewWriter(buf)
	marker := !p.firstMIDISeen
	p.firstMIDISeen = true
	encodeMIDIHeader(midiPacketHeader{
		Marker:    marker,
		SeqNr:     p.SeqNrOut,
		Timestamp: uint32(p.now()),
		SSRC:      p.LocalSSRC,
	}, w)
	encodeMIDIList(w, bytes, true)
	encodeEmptyJournal(w, p.SeqNrOut)
	p.SeqNrOut++
	p.SendEvent.Emit(SendEvent{Packet: w.Bytes(), Port: MIDIPort})
}

// SendGoodbye emits BY on port and clears that port's connected bit.
func (p *Peer) SendGoodbye(port Port) {
	pkt := encodeGoodbye(goodbye{InitiatorID: p.InitiatorID, SSRC: p.LocalSSRC})
	p.SendEvent.Emit(SendEvent{Packet: pkt, Port: port})
	switch port {
	case ControlPort:
		p.Status &^= ControlConnected
	case MIDIPort:
		p.Status &^= MIDIConnected
	}
}

// SendCK0 starts a CK exchange as the initiator (count=0, ts1=now()).
func (p *Peer) SendCK0() {
	ts1 := p.now()
	pkt := encodeClockSync(clockSync{SSRC: p.LocalSSRC, Count: 0, TS1: ts1})
	p.SendEvent.Emit(SendEvent{Packet: pkt, Port: MIDIPort})
}

// Disconnect sends BY on every currently connected port and transitions
// to DisconnectedReconnect.
func (p *Peer) Disconnect() {
	if p.Status&ControlConnected != 0 {
		p.SendGoodbye(ControlPort)
	}
	if p.Status&MIDIConnected != 0 {
		p.SendGoodbye(MIDIPort)
	}
	p.setStatus(disconnectedReconnect)
}

// NetworkError transitions the session to DisconnectedNetworkError,
// called by the transport layer when a send or receive syscall fails.
func (p *Peer) NetworkError() {
	p.setStatus(disconnectedNetworkError)
}

// CKTimeout transitions the session to DisconnectedCKTimeout, called by
// the owning server/client when no traffic has arrived for the
// silence-timeout duration.
func (p *Peer) CKTimeout() {
	p.setStatus(disconnectedCKTimeout)
}
