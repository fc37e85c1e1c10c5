package mdns

import "testing"

type fakeResponder struct {
	announced   map[string]int
	browseCalls int
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{announced: make(map[string]int)}
}

func (f *fakeResponder) Announce(serviceType, name string, port int) error {
	f.announced[name] = port
	return nil
}

func (f *fakeResponder) Unannounce(serviceType, name string, port int) error {
	delete(f.announced, name)
	return nil
}

func (f *fakeResponder) Browse(serviceType string) error {
	f.browseCalls++
	return nil
}

func TestAnnounceAndUnannounce(t *testing.T) {
	r := newFakeResponder()
	b := New(r)

	if err := b.AnnounceRTPMIDI("studio", 5004); err != nil {
		t.Fatal(err)
	}
	if r.announced["studio"] != 5004 {
		t.Fatalf("responder did not receive announcement")
	}

	if err := b.UnannounceRTPMIDI("studio", 5004); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.announced["studio"]; ok {
		t.Fatalf("responder still has the announcement")
	}
}

func TestAnnounceAllReplaysTrackedNames(t *testing.T) {
	r := newFakeResponder()
	b := New(r)

	b.AnnounceRTPMIDI("studio", 5004)
	delete(r.announced, "studio") // simulate the responder losing state

	if err := b.AnnounceAll(); err != nil {
		t.Fatal(err)
	}
	if r.announced["studio"] != 5004 {
		t.Fatalf("announce_all did not re-announce tracked name")
	}
}

func TestDiscoverAndRemoveEvents(t *testing.T) {
	b := New(nil)

	var got Discovery
	b.DiscoverEvent.Connect(func(d Discovery) { got = d })
	b.OnDiscover("peer", "192.0.2.1", 5004)
	if got.Name != "peer" || got.Port != 5004 {
		t.Fatalf("got %+v", got)
	}

	var removed string
	b.RemoveEvent.Connect(func(name string) { removed = name })
	b.OnRemove("peer")
	if removed != "peer" {
		t.Fatalf("remove event did not fire with name")
	}
}

func TestNilResponderIsNoop(t *testing.T) {
	b := New(nil)
	if err := b.AnnounceRTPMIDI("studio", 5004); err != nil {
		t.Fatal(err)
	}
	if err := b.Browse(); err != nil {
		t.Fatal(err)
	}
}
