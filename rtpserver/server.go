// Package rtpserver implements the listening side of the protocol engine
// (component G): a pair of bound sockets (control, midi = control+1)
// multiplexing any number of concurrent peer sessions, dispatching each
// incoming datagram to the peer it belongs to -- or creating one, if the
// datagram is an invitation from an address never seen before.
package rtpserver

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/davidmoreno/rtpmidid-sub001/logger"
	"github.com/davidmoreno/rtpmidid-sub001/metrics"
	"github.com/davidmoreno/rtpmidid-sub001/netaddress"
	"github.com/davidmoreno/rtpmidid-sub001/poller"
	"github.com/davidmoreno/rtpmidid-sub001/rtppeer"
	"github.com/davidmoreno/rtpmidid-sub001/signal"
	"github.com/davidmoreno/rtpmidid-sub001/udpendpoint"
)

const (
	fiveSeconds  = 5 * time.Second
	sixtySeconds = 60 * time.Second
)

// entryID is a monotonically increasing identifier for a server peer
// entry -- an integer handle rather than a raw pointer, so callbacks
// attached to a peer's signals can outlive the entry being removed from
// the table they were registered from (see the design notes on deferred
// removal).
type entryID uint64

// entry is the small record the server keeps per active remote party.
type entry struct {
	id     entryID
	peer   *rtppeer.Peer
	remote netaddress.Address // control-port address, as first observed

	idleTimer    *poller.TimerHandle
	ckTimer      *poller.TimerHandle
	pendingDel   bool
	wasConnected bool // true once status has reached Connected at least once
}

// Server owns one listening (control, midi) pair and the peer table
// multiplexed onto it.
type Server struct {
	Name string

	poller  *poller.Poller
	control *udpendpoint.Endpoint
	midi    *udpendpoint.Endpoint

	entries  map[entryID]*entry
	byInitID map[uint32]entryID
	bySSRC   map[uint32]entryID
	nextID   entryID

	inviteLimiter *rate.Limiter

	ConnectedEvent    signal.Signal[*rtppeer.Peer]
	MIDIEvent         signal.Signal[[]byte]
	StatusChangeEvent signal.Signal[PeerStatus]

	// Metrics, when set, receives ambient observability counters. A nil
	// Metrics is a valid, fully silent default.
	Metrics *metrics.Registry

	log *logger.Logger
}

// PeerStatus pairs a peer with its new status, the shape the server's
// status_change_event fans out per the peer table it owns.
type PeerStatus struct {
	Peer   *rtppeer.Peer
	Status rtppeer.Status
}

// New binds control on port (0 picks an ephemeral one) and midi on
// port+1, both on p.
func New(p *poller.Poller, name string, port int) (*Server, error) {
	control, err := udpendpoint.Open(p, "", port)
	if err != nil {
		return nil, fmt.Errorf("rtpserver: binding control port %d: %w", port, err)
	}
	controlPort := control.GetAddress().Port()
	midi, err := udpendpoint.Open(p, "", controlPort+1)
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("rtpserver: binding midi port %d: %w", controlPort+1, err)
	}

	s := &Server{
		Name:          name,
		poller:        p,
		control:       control,
		midi:          midi,
		entries:       make(map[entryID]*entry),
		byInitID:      make(map[uint32]entryID),
		bySSRC:        make(map[uint32]entryID),
		inviteLimiter: rate.NewLimiter(rate.Limit(20), 40),
		log:           logger.Default,
	}
	control.OnRead.Connect(func(e udpendpoint.ReadEvent) { s.dataReady(e.Packet, e.From, rtppeer.ControlPort) })
	midi.OnRead.Connect(func(e udpendpoint.ReadEvent) { s.dataReady(e.Packet, e.From, rtppeer.MIDIPort) })
	return s, nil
}

// Port returns the bound control port; the MIDI port is Port()+1.
func (s *Server) Port() int { return s.control.GetAddress().Port() }

// PeerCount reports the number of currently active peer entries.
func (s *Server) PeerCount() int { return len(s.entries) }

func (s *Server) dataReady(buf []byte, from netaddress.Address, port rtppeer.Port) {
	if s.Metrics != nil {
		s.Metrics.RecordPacketIn(port.String(), len(buf))
	}

	id, isNewInvite, err := s.lookup(buf, from, port)
	if err != nil {
		s.log.Debugf("rtpserver: dropping packet from %s: %v", from, err)
		if s.Metrics != nil {
			s.Metrics.RecordDrop("unmatched")
		}
		return
	}
	if id == 0 && !isNewInvite {
		s.log.Debugf("rtpserver: dropping unmatched packet from %s", from)
		if s.Metrics != nil {
			s.Metrics.RecordDrop("unmatched")
		}
		return
	}

	var e *entry
	if isNewInvite {
		if !s.inviteLimiter.Allow() {
			s.log.Debugf("rtpserver: dropping invite from %s: rate limited", from)
			if s.Metrics != nil {
				s.Metrics.RecordDrop("rate_limited")
			}
			return
		}
		e = s.createEntry(from)
	} else {
		e = s.entries[id]
		if e == nil {
			s.log.Debugf("rtpserver: dropping packet for unknown entry")
			if s.Metrics != nil {
				s.Metrics.RecordDrop("unknown_entry")
			}
			return
		}
	}

	if err := e.peer.DataReady(buf, port); err != nil {
		s.log.Debugf("rtpserver: peer %d data_ready: %v", e.id, err)
		if s.Metrics != nil {
			s.Metrics.RecordDrop("wire_format_error")
		}
	}
}

// lookup implements the per-packet correlation rules from the dispatch
// table: IN/OK/NO key on initiator_id, BY and CK/RS key on ssrc, and MIDI
// data packets key on the ssrc carried in their RTP header.
func (s *Server) lookup(buf []byte, _ netaddress.Address, port rtppeer.Port) (entryID, bool, error) {
	if len(buf) < 4 || buf[0] != 0xFF || buf[1] != 0xFF {
		if port != rtppeer.MIDIPort || len(buf) < 12 || buf[1]&0x7F != 0x61 {
			return 0, false, fmt.Errorf("unrecognised packet shape")
		}
		ssrc := beUint32(buf[8:12])
		if id, ok := s.bySSRC[ssrc]; ok {
			return id, false, nil
		}
		return 0, false, fmt.Errorf("midi packet from unknown ssrc %#x", ssrc)
	}

	cmd := string(buf[2:4])
	switch cmd {
	case "IN":
		if len(buf) < 12 {
			return 0, false, fmt.Errorf("short invitation")
		}
		initID := beUint32(buf[8:12])
		if id, ok := s.byInitID[initID]; ok {
			return id, false, nil
		}
		return 0, true, nil
	case "OK", "NO":
		if len(buf) < 12 {
			return 0, false, fmt.Errorf("short invitation reply")
		}
		initID := beUint32(buf[8:12])
		if id, ok := s.byInitID[initID]; ok {
			return id, false, nil
		}
		return 0, false, fmt.Errorf("reply for unknown initiator_id %#x", initID)
	case "BY":
		if len(buf) < 16 {
			return 0, false, fmt.Errorf("short goodbye")
		}
		ssrc := beUint32(buf[12:16])
		if id, ok := s.bySSRC[ssrc]; ok {
			return id, false, nil
		}
		return 0, false, fmt.Errorf("goodbye for unknown ssrc %#x", ssrc)
	case "CK", "RS":
		if len(buf) < 8 {
			return 0, false, fmt.Errorf("short command")
		}
		ssrc := beUint32(buf[4:8])
		if id, ok := s.bySSRC[ssrc]; ok {
			return id, false, nil
		}
		return 0, false, fmt.Errorf("%s for unknown ssrc %#x", cmd, ssrc)
	default:
		return 0, false, fmt.Errorf("unknown command %q", cmd)
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (s *Server) createEntry(remote netaddress.Address) *entry {
	s.nextID++
	id := s.nextID
	peer := rtppeer.New(s.Name, false)
	peer.RemoteAddress = remote
	peer.RemoteBasePort = remote.Port()

	e := &entry{id: id, peer: peer, remote: remote}
	s.entries[id] = e

	peer.SendEvent.Connect(func(ev rtppeer.SendEvent) {
		addr := e.remote
		ep := s.control
		if ev.Port == rtppeer.MIDIPort {
			addr = addr.WithPort(e.remote.Port() + 1)
			ep = s.midi
		}
		if _, err := ep.SendTo(ev.Packet, addr); err != nil {
			s.log.Warnf("rtpserver: sendto %s: %v", ev.Port, err)
			peer.NetworkError()
			return
		}
		if s.Metrics != nil {
			s.Metrics.RecordPacketOut(ev.Port.String(), len(ev.Packet))
		}
	})
	peer.MIDIEvent.Connect(func(msg []byte) { s.MIDIEvent.Emit(msg) })
	peer.CKEvent.Connect(func(latencyMS float64) {
		if s.Metrics != nil {
			s.Metrics.CKLatencyMS.Observe(latencyMS)
		}
	})
	// A server-side peer only ever plays the CK responder role (count 0
	// and 2), so CKEvent -- which only carries a measured latency on the
	// initiator's count=1 reply -- never fires here. CKReceivedEvent
	// fires on every count, which is what the silence timer needs to
	// rearm on real keepalive traffic.
	peer.CKReceivedEvent.Connect(func(struct{}) { s.onCKReceived(e) })
	peer.StatusChangeEvent.Connect(func(status rtppeer.Status) { s.onStatusChange(e, status) })

	e.idleTimer = s.poller.AddTimerEvent(fiveSeconds, func() { s.onIdleTimeout(e) })

	return e
}

func (s *Server) onStatusChange(e *entry, status rtppeer.Status) {
	s.StatusChangeEvent.Emit(PeerStatus{Peer: e.peer, Status: status})

	switch {
	case status&rtppeer.ControlConnected != 0 && s.byInitID[e.peer.InitiatorID] == 0:
		s.byInitID[e.peer.InitiatorID] = e.id
		s.bySSRC[e.peer.RemoteSSRC] = e.id
	case status == rtppeer.Connected:
		if e.idleTimer != nil {
			e.idleTimer.Disable()
			e.idleTimer = nil
		}
		e.ckTimer = s.poller.AddTimerEvent(sixtySeconds, func() { s.onCKSilenceTimeout(e) })
		e.wasConnected = true
		if s.Metrics != nil {
			s.Metrics.PeersConnected.Inc()
		}
		s.ConnectedEvent.Emit(e.peer)
	case status.IsDisconnected():
		if e.wasConnected && s.Metrics != nil {
			s.Metrics.PeersConnected.Dec()
		}
		s.removeEntry(e)
	}
}

// onCKReceived rearms the 60s silence timer on every CK this peer
// handles, not only the ones that yield a latency measurement -- a
// server-side peer only ever responds (count 0, 2), and without this the
// silence timer fires unconditionally 60s after CONNECTED regardless of
// ongoing CK traffic.
func (s *Server) onCKReceived(e *entry) {
	if e.ckTimer == nil {
		return
	}
	e.ckTimer.Disable()
	e.ckTimer = s.poller.AddTimerEvent(sixtySeconds, func() { s.onCKSilenceTimeout(e) })
}

func (s *Server) onIdleTimeout(e *entry) {
	if e.peer.Status&rtppeer.MIDIConnected != 0 {
		return
	}
	e.peer.Disconnect()
}

func (s *Server) onCKSilenceTimeout(e *entry) {
	e.peer.CKTimeout()
}

// removeEntry deletes the entry from every lookup table. Since this can
// be invoked from inside a callback that the peer itself is still
// running (a status change fired from within peer.DataReady), it only
// marks the entry and disables its timers here; the actual map deletion
// is handed to the poller with CallLater, so it happens after that call
// chain has returned -- the call chain never deletes the entry the
// caller is working on from underneath it.
func (s *Server) removeEntry(e *entry) {
	if e.pendingDel {
		return
	}
	e.pendingDel = true
	if e.idleTimer != nil {
		e.idleTimer.Disable()
	}
	if e.ckTimer != nil {
		e.ckTimer.Disable()
	}
	s.poller.CallLater(func() {
		delete(s.entries, e.id)
		delete(s.byInitID, e.peer.InitiatorID)
		delete(s.bySSRC, e.peer.RemoteSSRC)
	})
}

// Shutdown sends a best-effort goodbye to every connected peer and
// releases the listening sockets. It snapshots the peer list before
// sending so that removals triggered by the goodbyes (a peer's BY
// handler disconnecting immediately) never mutate the slice being
// iterated.
func (s *Server) Shutdown() {
	snapshot := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	for _, e := range snapshot {
		if !e.peer.Status.IsDisconnected() {
			e.peer.Disconnect()
		}
	}
	s.control.Close()
	s.midi.Close()
}
