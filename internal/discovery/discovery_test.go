package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestFromEntryPrefersAddresses(t *testing.T) {
	entry := zeroconf.NewServiceEntry("studio", ServiceName, Domain)
	entry.HostName = "studio.local."
	entry.Port = 8090
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Text = []string{"path=/api/sessions", "node=abc"}

	r := fromEntry(entry)
	if r.Instance != "studio" || r.Node != "abc" {
		t.Fatalf("unexpected relay %+v", r)
	}
	if got := r.URL(); got != "http://192.168.1.20:8090" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestRelayURLFallsBackToHostName(t *testing.T) {
	r := Relay{Host: "studio.local.", Port: 9000}
	if got := r.URL(); got != "http://studio.local:9000" {
		t.Fatalf("unexpected url %s", got)
	}
	v6 := Relay{Addrs: []string{"fe80::1"}, Port: 9000}
	if got := v6.URL(); got != "http://[fe80::1]:9000" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestAdvertiseRejectsBadPort(t *testing.T) {
	if _, err := Advertise("x", 0, ""); err == nil {
		t.Fatalf("expected error for port 0")
	}
}
