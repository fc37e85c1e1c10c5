package rtppeer

import (
	"testing"
	"time"

	"github.com/davidmoreno/rtpmidid-sub001/iobytes"
)

func invitePacket(cmd command, initiatorID, ssrc uint32, name string) []byte {
	return encodeInvitation(cmd, invitation{InitiatorID: initiatorID, SSRC: ssrc, Name: name})
}

func TestInitiatorConnectSequence(t *testing.T) {
	client := New("client", true)
	var sent []SendEvent
	client.SendEvent.Connect(func(e SendEvent) { sent = append(sent, e) })

	client.ConnectTo(ControlPort)
	if len(sent) != 1 || sent[0].Port != ControlPort {
		t.Fatalf("expected one IN on control port, got %+v", sent)
	}

	ok := invitePacket(cmdOK, client.InitiatorID, 0xCAFEBABE, "server")
	if err := client.DataReady(ok, ControlPort); err != nil {
		t.Fatal(err)
	}
	if client.Status != ControlConnected {
		t.Fatalf("status = %v, want ControlConnected", client.Status)
	}
	if client.RemoteSSRC != 0xCAFEBABE || client.RemoteName != "server" {
		t.Fatalf("remote identity not recorded: %+v", client)
	}

	client.ConnectTo(MIDIPort)
	ok2 := invitePacket(cmdOK, client.InitiatorID, 0xCAFEBABE, "server")
	if err := client.DataReady(ok2, MIDIPort); err != nil {
		t.Fatal(err)
	}
	if client.Status != Connected {
		t.Fatalf("status = %v, want Connected", client.Status)
	}
}

func TestResponderHandlesIN(t *testing.T) {
	server := New("server", false)
	var sent []SendEvent
	server.SendEvent.Connect(func(e SendEvent) { sent = append(sent, e) })

	in := invitePacket(cmdIN, 0x1234, 0x5678, "client")
	if err := server.DataReady(in, ControlPort); err != nil {
		t.Fatal(err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected one OK reply, got %d", len(sent))
	}
	reply, err := decodeInvitation(iobytes.NewReader(sent[0].Packet[4:]))
	if err != nil {
		t.Fatal(err)
	}
	if reply.InitiatorID != 0x1234 {
		t.Fatalf("reply initiator id = %#x, want 0x1234", reply.InitiatorID)
	}
	if server.Status&ControlConnected == 0 {
		t.Fatalf("expected ControlConnected after IN, got %v", server.Status)
	}
}

func TestLateOKIsIgnored(t *testing.T) {
	client := New("client", true)
	client.SendEvent.Connect(func(SendEvent) {})
	client.ConnectTo(ControlPort)

	ok := invitePacket(cmdOK, client.InitiatorID, 0x1111, "server")
	if err := client.DataReady(ok, ControlPort); err != nil {
		t.Fatal(err)
	}
	if client.RemoteSSRC != 0x1111 {
		t.Fatalf("first OK should set remote ssrc")
	}

	// A second, late OK for the same port must not resurrect or alter
	// already-settled state.
	stale := invitePacket(cmdOK, client.InitiatorID, 0x2222, "other")
	if err := client.DataReady(stale, ControlPort); err != nil {
		t.Fatal(err)
	}
	if client.RemoteSSRC != 0x1111 {
		t.Fatalf("late OK mutated remote ssrc: got %#x", client.RemoteSSRC)
	}
}

func connectBoth(t *testing.T, initiator, responder *Peer) {
	t.Helper()
	initiator.SendEvent.Connect(func(e SendEvent) {
		if err := responder.DataReady(e.Packet, e.Port); err != nil {
			t.Fatalf("responder rejecting %s packet: %v", e.Port, err)
		}
	})
	responder.SendEvent.Connect(func(e SendEvent) {
		if err := initiator.DataReady(e.Packet, e.Port); err != nil {
			t.Fatalf("initiator rejecting %s packet: %v", e.Port, err)
		}
	})
	initiator.ConnectTo(ControlPort)
	initiator.ConnectTo(MIDIPort)
}

func TestFullHandshakeReachesConnected(t *testing.T) {
	client := New("client", true)
	server := New("server", false)
	connectBoth(t, client, server)

	if client.Status != Connected {
		t.Fatalf("client status = %v, want Connected", client.Status)
	}
	if server.Status != Connected {
		t.Fatalf("server status = %v, want Connected", server.Status)
	}
}

func TestSendMIDIRoundTrip(t *testing.T) {
	client := New("client", true)
	server := New("server", false)
	connectBoth(t, client, server)

	var got []byte
	server.MIDIEvent.Connect(func(msg []byte) { got = msg })

	noteOn := []byte{0x90, 0x40, 0x7F}
	client.SendMIDI(noteOn)

	if len(got) != 3 || got[0] != 0x90 || got[1] != 0x40 || got[2] != 0x7F {
		t.Fatalf("got %x, want %x", got, noteOn)
	}
	if client.SeqNrOut != 1 {
		t.Fatalf("seq_nr_out = %d, want 1", client.SeqNrOut)
	}
}

func TestSendMIDINoopWhenNotConnected(t *testing.T) {
	client := New("client", true)
	var sent int
	client.SendEvent.Connect(func(SendEvent) { sent++ })
	client.SendMIDI([]byte{0x90, 0x40, 0x7F})
	if sent != 0 {
		t.Fatalf("expected no packet sent while disconnected")
	}
}

func TestClockSyncLatency(t *testing.T) {
	client := New("client", true)
	server := New("server", false)

	// The CK packets are carried by hand, with the count=0 request held in
	// flight for 10ms: an in-process exchange with no delay completes
	// within one 100us tick and measures 0ms.
	var toServer, toClient [][]byte
	client.SendEvent.Connect(func(e SendEvent) { toServer = append(toServer, e.Packet) })
	server.SendEvent.Connect(func(e SendEvent) { toClient = append(toClient, e.Packet) })

	var latency float64
	client.CKEvent.Connect(func(ms float64) { latency = ms })

	client.SendCK0()
	time.Sleep(10 * time.Millisecond)
	if err := server.DataReady(toServer[0], MIDIPort); err != nil {
		t.Fatal(err)
	}
	if err := client.DataReady(toClient[0], MIDIPort); err != nil {
		t.Fatal(err)
	}

	if latency <= 0 {
		t.Fatalf("expected a positive latency report, got %v", latency)
	}
}

func TestClockSyncCount1EchoesTS1(t *testing.T) {
	server := New("server", false)
	var replies []clockSync
	server.SendEvent.Connect(func(e SendEvent) {
		ck, err := decodeClockSync(iobytes.NewReader(e.Packet[4:]))
		if err != nil {
			t.Fatal(err)
		}
		replies = append(replies, ck)
	})

	req := encodeClockSync(clockSync{SSRC: 0x1, Count: 0, TS1: 1000})
	if err := server.DataReady(req, MIDIPort); err != nil {
		t.Fatal(err)
	}
	if len(replies) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(replies))
	}
	if replies[0].Count != 1 {
		t.Fatalf("count = %d, want 1", replies[0].Count)
	}
	if replies[0].TS1 != 1000 {
		t.Fatalf("ts1 = %d, want 1000 (echoed)", replies[0].TS1)
	}
}

func TestCKReceivedEventFiresForResponderRole(t *testing.T) {
	// A server-side peer only ever plays the CK responder role (count 0,
	// then 2): it never emits CKEvent, since that only carries a measured
	// latency on the initiator's count=1 reply. CKReceivedEvent must still
	// fire so a keepalive silence timer can be rearmed on this traffic.
	server := New("server", false)
	var receivedCount int
	server.CKReceivedEvent.Connect(func(struct{}) { receivedCount++ })
	var measuredCount int
	server.CKEvent.Connect(func(float64) { measuredCount++ })

	req := encodeClockSync(clockSync{SSRC: 0x1, Count: 0, TS1: 1000})
	if err := server.DataReady(req, MIDIPort); err != nil {
		t.Fatal(err)
	}

	if receivedCount != 1 {
		t.Fatalf("CKReceivedEvent fired %d times, want 1", receivedCount)
	}
	if measuredCount != 0 {
		t.Fatalf("CKEvent fired %d times for a responder-role CK, want 0", measuredCount)
	}
}

func TestDisconnectSendsGoodbyeOnBothPorts(t *testing.T) {
	client := New("client", true)
	server := New("server", false)
	connectBoth(t, client, server)

	client.Disconnect()
	if !client.Status.IsDisconnected() {
		t.Fatalf("expected disconnected status, got %v", client.Status)
	}
	if !server.Status.IsDisconnected() {
		t.Fatalf("peer receiving BY should be disconnected, got %v", server.Status)
	}
	if server.Status&disconnectedByPeer == 0 {
		t.Fatalf("server status = %v, want DisconnectedByPeer bit set", server.Status)
	}
}

func TestStatusChangeEventFiresOnTransition(t *testing.T) {
	client := New("client", true)
	client.SendEvent.Connect(func(SendEvent) {})
	var changes []Status
	client.StatusChangeEvent.Connect(func(s Status) { changes = append(changes, s) })

	client.ConnectTo(ControlPort)
	ok := invitePacket(cmdOK, client.InitiatorID, 0x1, "server")
	if err := client.DataReady(ok, ControlPort); err != nil {
		t.Fatal(err)
	}
	if len(changes) != 1 || changes[0] != ControlConnected {
		t.Fatalf("changes = %+v, want [ControlConnected]", changes)
	}
}
