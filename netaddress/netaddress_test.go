package netaddress

import (
	"net"
	"testing"
)

func TestWithPortDerivesMidiAddress(t *testing.T) {
	a, err := Resolve("127.0.0.1", "5004")
	if err != nil {
		t.Fatal(err)
	}
	midi := a.WithPort(a.Port() + 1)
	if midi.Port() != 5005 {
		t.Fatalf("got port %d", midi.Port())
	}
	if a.Port() != 5004 {
		t.Fatalf("original address was mutated: %d", a.Port())
	}
}

func TestBorrowedAddressRejectsSetPort(t *testing.T) {
	udp := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5004}
	a := FromUDPAddr(udp)
	if err := a.SetPort(6000); err == nil {
		t.Fatal("expected error mutating a borrowed address")
	}
}

func TestOwnedAddressAllowsSetPort(t *testing.T) {
	a, err := Resolve("127.0.0.1", "5004")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SetPort(6000); err != nil {
		t.Fatal(err)
	}
	if a.Port() != 6000 {
		t.Fatalf("got %d", a.Port())
	}
}

func TestStringFormat(t *testing.T) {
	a, err := Resolve("127.0.0.1", "5004")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := a.String(), "127.0.0.1:5004"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
