// Package rtpclient implements the client-side connection-establishment
// state machine described in the protocol engine's component F: it walks
// a candidate list of (host, port) pairs through DNS resolution, dials
// the resolved addresses' control and MIDI sockets, and once connected
// sustains the session with periodic clock-sync pings, reconnecting on
// failure or CK silence.
package rtpclient

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/davidmoreno/rtpmidid-sub001/logger"
	"github.com/davidmoreno/rtpmidid-sub001/metrics"
	"github.com/davidmoreno/rtpmidid-sub001/netaddress"
	"github.com/davidmoreno/rtpmidid-sub001/poller"
	"github.com/davidmoreno/rtpmidid-sub001/rtppeer"
	"github.com/davidmoreno/rtpmidid-sub001/signal"
	"github.com/davidmoreno/rtpmidid-sub001/udpendpoint"
)

// state names follow the transition table verbatim so the implementation
// can be read next to the table it encodes.
type state int

const (
	waitToStart state = iota
	prepareNextDNS
	resolveNextIPPort
	connectControl
	connectMIDI
	allConnected
	sendCKShort
	waitSendCKShort
	sendCKLong
	waitSendCKLong
	disconnectBecauseCKTimeout
	disconnectControl
	errorState
)

func (s state) String() string {
	switch s {
	case waitToStart:
		return "WaitToStart"
	case prepareNextDNS:
		return "PrepareNextDNS"
	case resolveNextIPPort:
		return "ResolveNextIpPort"
	case connectControl:
		return "ConnectControl"
	case connectMIDI:
		return "ConnectMidi"
	case allConnected:
		return "AllConnected"
	case sendCKShort:
		return "SendCkShort"
	case waitSendCKShort:
		return "WaitSendCkShort"
	case sendCKLong:
		return "SendCkLong"
	case waitSendCKLong:
		return "WaitSendCkLong"
	case disconnectBecauseCKTimeout:
		return "DisconnectBecauseCKTimeout"
	case disconnectControl:
		return "DisconnectControl"
	case errorState:
		return "Error"
	default:
		return "Unknown"
	}
}

const (
	connectTimeout   = 1 * time.Second
	ckShortPeriod    = 1500 * time.Millisecond
	ckLongPeriod     = 10 * time.Second
	ckShortCount     = 6
	reconnectTimeout = 5 * time.Second
	ckSilenceTimeout = 60 * time.Second
)

// Candidate is one (host, port) pair a client is willing to dial. The
// MIDI port is always control port + 1.
type Candidate struct {
	Host string
	Port string
}

// Client drives one outbound session against a candidate list, per
// component F.
type Client struct {
	Name string

	known   []Candidate
	pending []Candidate

	dnsCache *lru.Cache[string, []netaddress.Address]

	poller *poller.Poller
	peer   *rtppeer.Peer

	control *udpendpoint.Endpoint
	midi    *udpendpoint.Endpoint

	state state

	current    Candidate
	resolved   []netaddress.Address
	resolveIdx int

	ckCount int

	connectTimer *poller.TimerHandle
	ckWaitTimer  *poller.TimerHandle
	ckReplyTimer *poller.TimerHandle
	ckSilence    *poller.TimerHandle
	reconnect    *poller.TimerHandle

	ConnectedEvent    signal.Signal[struct{}]
	StatusChangeEvent signal.Signal[rtppeer.Status]
	MIDIEvent         signal.Signal[[]byte]

	// Metrics, when set, receives ambient observability counters. A nil
	// Metrics is a valid, fully silent default.
	Metrics *metrics.Registry

	log *logger.Logger
}

// New creates a client bound to p, identifying itself as name in the
// AppleMIDI handshake.
func New(p *poller.Poller, name string) *Client {
	cache, err := lru.New[string, []netaddress.Address](64)
	if err != nil {
		// Only fails for a non-positive size, which 64 never is.
		panic(err)
	}
	return &Client{
		Name:     name,
		poller:   p,
		dnsCache: cache,
		state:    waitToStart,
		log:      logger.Default,
	}
}

// AddCandidate appends host:port to the known candidate list.
func (c *Client) AddCandidate(host, port string) {
	c.known = append(c.known, Candidate{Host: host, Port: port})
}

// Start begins the connection state machine: WaitToStart -> Started ->
// PrepareNextDNS.
func (c *Client) Start() {
	c.pending = append([]Candidate(nil), c.known...)
	c.enterPrepareNextDNS()
}

func (c *Client) enterPrepareNextDNS() {
	c.state = prepareNextDNS
	if len(c.pending) == 0 {
		c.enterError(fmt.Errorf("rtpclient: candidate list exhausted"))
		return
	}
	c.current, c.pending = c.pending[0], c.pending[1:]
	c.enterResolveNextIPPort()
}

func (c *Client) enterResolveNextIPPort() {
	c.state = resolveNextIPPort

	cacheKey := c.current.Host + ":" + c.current.Port
	if addrs, ok := c.dnsCache.Get(cacheKey); ok {
		c.resolved = addrs
	} else {
		var resolved []netaddress.Address
		_, err := netaddress.ResolveLoop(c.current.Host, c.current.Port, func(a netaddress.Address) bool {
			resolved = append(resolved, a)
			return false
		})
		if err != nil || len(resolved) == 0 {
			c.log.Infof("rtpclient: resolving %s: exhausted", c.current.Host)
			c.enterPrepareNextDNS()
			return
		}
		c.dnsCache.Add(cacheKey, resolved)
		c.resolved = resolved
	}
	c.resolveIdx = 0
	c.enterConnectControl()
}

func (c *Client) nextResolvedAddress() (netaddress.Address, bool) {
	if c.resolveIdx >= len(c.resolved) {
		return netaddress.Address{}, false
	}
	a := c.resolved[c.resolveIdx]
	c.resolveIdx++
	return a, true
}

func (c *Client) enterConnectControl() {
	addr, ok := c.nextResolvedAddress()
	if !ok {
		c.enterPrepareNextDNS()
		return
	}
	c.state = connectControl

	var err error
	c.control, err = udpendpoint.Open(c.poller, "", 0)
	if err != nil {
		c.log.Warnf("rtpclient: opening control socket: %v", err)
		c.enterConnectControl()
		return
	}

	c.peer = rtppeer.New(c.Name, true)
	c.peer.RemoteAddress = addr
	c.peer.RemoteBasePort = addr.Port()
	c.wirePeerSend()
	c.peer.StatusChangeEvent.Connect(c.onPeerStatusChange)
	c.peer.MIDIEvent.Connect(func(msg []byte) { c.MIDIEvent.Emit(msg) })

	c.control.OnRead.Connect(func(e udpendpoint.ReadEvent) {
		if c.Metrics != nil {
			c.Metrics.RecordPacketIn("control", len(e.Packet))
		}
		if err := c.peer.DataReady(e.Packet, rtppeer.ControlPort); err != nil {
			c.log.Debugf("rtpclient: control data_ready: %v", err)
		}
	})

	c.peer.ConnectTo(rtppeer.ControlPort)
	c.armConnectTimer(c.onControlConnectTimeout)
}

func (c *Client) wirePeerSend() {
	c.peer.SendEvent.Connect(func(e rtppeer.SendEvent) {
		addr := c.peer.RemoteAddress
		ep := c.control
		if e.Port == rtppeer.MIDIPort {
			addr = addr.WithPort(c.peer.RemoteBasePort + 1)
			ep = c.midi
		}
		if ep == nil {
			return
		}
		if _, err := ep.SendTo(e.Packet, addr); err != nil {
			c.log.Warnf("rtpclient: sendto %s: %v", e.Port, err)
			c.peer.NetworkError()
			return
		}
		if c.Metrics != nil {
			c.Metrics.RecordPacketOut(e.Port.String(), len(e.Packet))
		}
	})
}

func (c *Client) armConnectTimer(onTimeout func()) {
	if c.connectTimer != nil {
		c.connectTimer.Disable()
	}
	c.connectTimer = c.poller.AddTimerEvent(connectTimeout, onTimeout)
}

func (c *Client) onControlConnectTimeout() {
	if c.peer.Status&rtppeer.ControlConnected != 0 {
		return
	}
	c.control.Close()
	c.enterConnectControl() // ConnectFailed -> ResolveNextIpPort: try the next resolved address
}

func (c *Client) onPeerStatusChange(s rtppeer.Status) {
	c.StatusChangeEvent.Emit(s)

	switch {
	case s == rtppeer.ControlConnected && c.state == connectControl:
		c.connectTimer.Disable()
		c.enterConnectMIDI()
	case s == rtppeer.Connected && c.state == connectMIDI:
		c.connectTimer.Disable()
		c.enterAllConnected()
	case s.IsDisconnected() && c.state != errorState:
		c.enterError(fmt.Errorf("rtpclient: peer disconnected: %v", s))
	}
}

func (c *Client) enterConnectMIDI() {
	c.state = connectMIDI

	localControlPort := c.control.GetAddress().Port()
	var err error
	c.midi, err = udpendpoint.Open(c.poller, "", localControlPort+1)
	if err != nil {
		c.log.Warnf("rtpclient: opening midi socket: %v", err)
		c.enterDisconnectControl()
		return
	}
	c.midi.OnRead.Connect(func(e udpendpoint.ReadEvent) {
		if c.Metrics != nil {
			c.Metrics.RecordPacketIn("midi", len(e.Packet))
		}
		if err := c.peer.DataReady(e.Packet, rtppeer.MIDIPort); err != nil {
			c.log.Debugf("rtpclient: midi data_ready: %v", err)
		}
	})

	c.peer.ConnectTo(rtppeer.MIDIPort)
	c.armConnectTimer(c.onMIDIConnectTimeout)
}

func (c *Client) onMIDIConnectTimeout() {
	if c.peer.Status&rtppeer.MIDIConnected != 0 {
		return
	}
	c.enterDisconnectControl()
}

func (c *Client) enterDisconnectControl() {
	c.state = disconnectControl
	c.peer.SendGoodbye(rtppeer.ControlPort)
	c.enterError(fmt.Errorf("rtpclient: midi connect failed"))
}

func (c *Client) enterAllConnected() {
	c.state = allConnected
	c.ConnectedEvent.Emit(struct{}{})
	c.ckCount = 0
	c.ckSilence = c.poller.AddTimerEvent(ckSilenceTimeout, c.onCKSilenceTimeout)
	c.peer.CKEvent.Connect(c.onLatencyMeasured)
	c.enterSendCK()
}

func (c *Client) enterSendCK() {
	if c.ckCount < ckShortCount {
		c.state = sendCKShort
	} else {
		c.state = sendCKLong
	}
	c.peer.SendCK0()
	period := ckShortPeriod
	if c.state == sendCKLong {
		period = ckLongPeriod
	}
	if c.ckWaitTimer != nil {
		c.ckWaitTimer.Disable()
	}
	c.ckWaitTimer = c.poller.AddTimerEvent(period, c.enterWaitSendCKTimeout)

	// Every CK round trip gets its own short reply deadline, independent
	// of the 60s keepalive silence timer: a single missed reply is enough
	// to call the connection dead, same as a missed connect handshake.
	if c.ckReplyTimer != nil {
		c.ckReplyTimer.Disable()
	}
	c.ckReplyTimer = c.poller.AddTimerEvent(connectTimeout, c.onCKReplyTimeout)
}

func (c *Client) enterWaitSendCKTimeout() {
	// The wait period elapsed; per the table this is the WaitSendCK event,
	// not a failure -- simply send the next CK. A latency measurement does
	// not reset this timer: it fires once per period regardless.
	if c.state == sendCKShort {
		c.ckCount++
	}
	c.enterSendCK()
}

func (c *Client) onLatencyMeasured(latencyMS float64) {
	c.log.Debugf("rtpclient: latency %.2fms", latencyMS)
	if c.Metrics != nil {
		c.Metrics.CKLatencyMS.Observe(latencyMS)
	}
	if c.ckReplyTimer != nil {
		c.ckReplyTimer.Disable()
		c.ckReplyTimer = nil
	}
	if c.ckSilence != nil {
		c.ckSilence.Disable()
	}
	c.ckSilence = c.poller.AddTimerEvent(ckSilenceTimeout, c.onCKSilenceTimeout)
}

// onCKReplyTimeout fires when a single CK round trip does not complete
// within connectTimeout -- the SendCkShort/SendCkLong Timeout transition,
// distinct from and much shorter than the 60s keepalive silence timeout.
func (c *Client) onCKReplyTimeout() {
	c.state = disconnectBecauseCKTimeout
	c.peer.CKTimeout()
	c.enterError(fmt.Errorf("rtpclient: ck reply timeout"))
}

func (c *Client) onCKSilenceTimeout() {
	c.state = disconnectBecauseCKTimeout
	c.peer.CKTimeout()
	c.enterError(fmt.Errorf("rtpclient: ck silence timeout"))
}

func (c *Client) enterError(err error) {
	c.state = errorState
	c.log.Infof("rtpclient: %v, reconnecting in %s", err, reconnectTimeout)
	c.teardown()
	if c.reconnect != nil {
		c.reconnect.Disable()
	}
	c.reconnect = c.poller.AddTimerEvent(reconnectTimeout, c.onReconnect)
}

func (c *Client) teardown() {
	if c.connectTimer != nil {
		c.connectTimer.Disable()
	}
	if c.ckWaitTimer != nil {
		c.ckWaitTimer.Disable()
	}
	if c.ckReplyTimer != nil {
		c.ckReplyTimer.Disable()
	}
	if c.ckSilence != nil {
		c.ckSilence.Disable()
	}
	if c.control != nil {
		c.control.Close()
		c.control = nil
	}
	if c.midi != nil {
		c.midi.Close()
		c.midi = nil
	}
}

func (c *Client) onReconnect() {
	if c.Metrics != nil {
		c.Metrics.Reconnects.Inc()
	}
	c.pending = append([]Candidate(nil), c.known...)
	c.enterPrepareNextDNS()
}

// State exposes the current state for tests and diagnostics.
func (c *Client) State() string { return c.state.String() }

// Peer returns the currently active peer session, or nil before any
// connection attempt has produced one.
func (c *Client) Peer() *rtppeer.Peer { return c.peer }

// Stop tears down sockets and timers without scheduling a reconnect.
func (c *Client) Stop() {
	if c.peer != nil && !c.peer.Status.IsDisconnected() {
		c.peer.Disconnect()
	}
	if c.reconnect != nil {
		c.reconnect.Disable()
	}
	c.teardown()
}
