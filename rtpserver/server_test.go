package rtpserver

import (
	"testing"
	"time"

	"github.com/davidmoreno/rtpmidid-sub001/poller"
	"github.com/davidmoreno/rtpmidid-sub001/rtppeer"
	"github.com/davidmoreno/rtpmidid-sub001/udpendpoint"
)

// testClient wires a bare rtppeer.Peer (initiator role) to its own pair
// of loopback sockets, driven entirely by the peer's own signals -- just
// enough to exercise the server's dispatch without pulling in rtpclient's
// full reconnect state machine.
type testClient struct {
	t       *testing.T
	control *udpendpoint.Endpoint
	midi    *udpendpoint.Endpoint
	peer    *rtppeer.Peer
	srvPort int
}

func newTestClient(t *testing.T, p *poller.Poller, srvPort int) *testClient {
	t.Helper()
	control, err := udpendpoint.Open(p, "127.0.0.1", 0)
	if err != nil {
		t.Fatal(err)
	}
	midi, err := udpendpoint.Open(p, "127.0.0.1", control.GetAddress().Port()+1)
	if err != nil {
		t.Fatal(err)
	}

	peer := rtppeer.New("test-client", true)
	peer.RemoteAddress = control.GetAddress().WithPort(srvPort)
	peer.RemoteBasePort = srvPort

	c := &testClient{t: t, control: control, midi: midi, peer: peer, srvPort: srvPort}

	peer.SendEvent.Connect(func(e rtppeer.SendEvent) {
		addr := peer.RemoteAddress
		ep := control
		if e.Port == rtppeer.MIDIPort {
			addr = addr.WithPort(srvPort + 1)
			ep = midi
		}
		if _, err := ep.SendTo(e.Packet, addr); err != nil {
			t.Errorf("testClient sendto: %v", err)
		}
	})
	control.OnRead.Connect(func(e udpendpoint.ReadEvent) {
		if err := peer.DataReady(e.Packet, rtppeer.ControlPort); err != nil {
			t.Errorf("testClient control data_ready: %v", err)
		}
	})
	midi.OnRead.Connect(func(e udpendpoint.ReadEvent) {
		if err := peer.DataReady(e.Packet, rtppeer.MIDIPort); err != nil {
			t.Errorf("testClient midi data_ready: %v", err)
		}
	})

	return c
}

func (c *testClient) connect() {
	c.peer.ConnectTo(rtppeer.ControlPort)
	c.peer.StatusChangeEvent.Connect(func(s rtppeer.Status) {
		if s == rtppeer.ControlConnected {
			c.peer.ConnectTo(rtppeer.MIDIPort)
		}
	})
}

func (c *testClient) close() {
	c.control.Close()
	c.midi.Close()
}

func TestServerAcceptsNewPeer(t *testing.T) {
	p := poller.New()
	srv, err := New(p, "test-server", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()

	var connected *rtppeer.Peer
	srv.ConnectedEvent.Connect(func(peer *rtppeer.Peer) { connected = peer })

	client := newTestClient(t, p, srv.Port())
	defer client.close()
	client.connect()

	go func() {
		time.Sleep(200 * time.Millisecond)
		p.Stop()
	}()
	p.Run()

	if srv.PeerCount() != 1 {
		t.Fatalf("peer count = %d, want 1", srv.PeerCount())
	}
	if connected == nil {
		t.Fatalf("expected connected_event to fire")
	}
	if client.peer.Status != rtppeer.Connected {
		t.Fatalf("client status = %v, want Connected", client.peer.Status)
	}
}

func TestServerRemovesPeerOnGoodbye(t *testing.T) {
	p := poller.New()
	srv, err := New(p, "test-server", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()

	client := newTestClient(t, p, srv.Port())
	defer client.close()
	client.connect()

	go func() {
		time.Sleep(150 * time.Millisecond)
		client.peer.Disconnect()
		time.Sleep(100 * time.Millisecond)
		p.Stop()
	}()
	p.Run()

	if srv.PeerCount() != 0 {
		t.Fatalf("peer count after goodbye = %d, want 0", srv.PeerCount())
	}
}

func TestServerRearmsCKTimerOnReceivedCK(t *testing.T) {
	p := poller.New()
	srv, err := New(p, "test-server", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()

	client := newTestClient(t, p, srv.Port())
	defer client.close()
	client.connect()

	var e *entry
	var before *poller.TimerHandle

	go func() {
		time.Sleep(150 * time.Millisecond)
		for _, cand := range srv.entries {
			e = cand
		}
		if e == nil || e.ckTimer == nil {
			t.Errorf("expected a connected entry with an armed ck timer")
			p.Stop()
			return
		}
		before = e.ckTimer

		// A server-side peer only ever answers CK (count 0), it never
		// becomes the initiator -- this is the traffic CKReceivedEvent
		// must rearm the silence timer on.
		client.peer.SendCK0()
		time.Sleep(100 * time.Millisecond)
		p.Stop()
	}()
	p.Run()

	if e == nil {
		t.Fatal("never found a connected entry")
	}
	if e.ckTimer == nil {
		t.Fatal("ck timer was not armed after CK arrived")
	}
	if e.ckTimer == before {
		t.Fatal("ck timer handle did not change after a CK arrived: not rearmed")
	}
}

func TestServerDropsUnknownBY(t *testing.T) {
	p := poller.New()
	srv, err := New(p, "test-server", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Shutdown()

	client := newTestClient(t, p, srv.Port())
	defer client.close()

	// A BY from a party the server has never seen must be dropped, not
	// mistaken for a new session (only IN creates an entry).
	client.peer.SendGoodbye(rtppeer.ControlPort)

	go func() {
		time.Sleep(100 * time.Millisecond)
		p.Stop()
	}()
	p.Run()

	if srv.PeerCount() != 0 {
		t.Fatalf("peer count = %d, want 0", srv.PeerCount())
	}
}
