// Package discovery advertises relays on the local network over mDNS and
// finds them again from clients.
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceName = "_nodecollab._tcp"
	Domain      = "local."

	DefaultBrowseTimeout = 5 * time.Second
)

// Relay is a relay found on the network.
type Relay struct {
	Instance string   `json:"instance"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Addrs    []string `json:"addrs"`
	Node     string   `json:"node,omitempty"`
}

// URL is the base address a WebSocket transport can dial.
func (r Relay) URL() string {
	host := r.Host
	if len(r.Addrs) > 0 {
		host = r.Addrs[0]
	}
	host = strings.TrimSuffix(host, ".")
	return "http://" + net.JoinHostPort(host, strconv.Itoa(r.Port))
}

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise announces a relay listening on port. An empty instance name
// falls back to the host name.
func Advertise(instance string, port int, nodeID string) (*Advertisement, error) {
	if port <= 0 {
		return nil, fmt.Errorf("advertise relay: invalid port %d", port)
	}
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "relay"
		}
		instance = "nodecollab-" + host
	}
	txt := []string{"path=/api/sessions"}
	if nodeID != "" {
		txt = append(txt, "node="+nodeID)
	}
	server, err := zeroconf.Register(instance, ServiceName, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("advertise relay: %w", err)
	}
	log.Printf("mDNS relay %q registered as %s on port %d", instance, ServiceName, port)
	return &Advertisement{server: server}, nil
}

func (a *Advertisement) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Browse collects relays that answer within timeout.
func Browse(ctx context.Context, timeout time.Duration) ([]Relay, error) {
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	found := make(map[string]Relay)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			r := fromEntry(entry)
			mu.Lock()
			found[r.Instance] = r
			mu.Unlock()
		}
	}(entries)

	if err := resolver.Browse(ctx, ServiceName, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS services: %w", err)
	}
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	out := make([]Relay, 0, len(found))
	for _, r := range found {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func fromEntry(entry *zeroconf.ServiceEntry) Relay {
	r := Relay{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     entry.Port,
	}
	for _, ip := range entry.AddrIPv4 {
		r.Addrs = append(r.Addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		r.Addrs = append(r.Addrs, ip.String())
	}
	for _, kv := range entry.Text {
		if v, ok := strings.CutPrefix(kv, "node="); ok {
			r.Node = v
		}
	}
	return r
}
