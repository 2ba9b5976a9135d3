package relay

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"nodecollab/internal/config"
	"nodecollab/internal/models"
	"nodecollab/internal/redis"
	"nodecollab/internal/wire"
)

func TestBackplaneDeliversFramesFromOtherNodes(t *testing.T) {
	client := newTestRedis(t)
	local := NewBackplane(client)
	other := NewBackplane(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan wire.Envelope, 16)
	go local.Run(ctx, func(env wire.Envelope) { got <- env })

	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case env := <-got:
			if env.Node != other.NodeID() || env.SessionID != "bp" || env.From != "remote" {
				t.Fatalf("unexpected frame %+v", env)
			}
			return
		case <-tick.C:
			// own frames are filtered, only the other node's should arrive
			_ = local.Publish(ctx, wire.Envelope{Type: wire.TypeData, SessionID: "bp", From: "self"})
			_ = other.Publish(ctx, wire.Envelope{Type: wire.TypeData, SessionID: "bp", From: "remote"})
		case <-deadline:
			t.Fatalf("no frame from the other node")
		}
	}
}

func TestBackplaneRosterOrderedByJoinTime(t *testing.T) {
	client := newTestRedis(t)
	bp := NewBackplane(client)
	ctx := context.Background()

	start := time.Now().UTC()
	if err := bp.Join(ctx, "roster", models.PeerInfo{ID: "late"}, start.Add(time.Second)); err != nil {
		t.Fatalf("join late: %v", err)
	}
	if err := bp.Join(ctx, "roster", models.PeerInfo{ID: "early"}, start); err != nil {
		t.Fatalf("join early: %v", err)
	}
	members, err := bp.Members(ctx, "roster")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 || members[0].Peer.ID != "early" || members[1].Peer.ID != "late" {
		t.Fatalf("unexpected roster %+v", members)
	}
	if members[0].Node != bp.NodeID() {
		t.Fatalf("roster entry should carry the node id")
	}

	if err := bp.Leave(ctx, "roster", "early"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	members, err = bp.Members(ctx, "roster")
	if err != nil || len(members) != 1 || members[0].Peer.ID != "late" {
		t.Fatalf("unexpected roster after leave %+v, %v", members, err)
	}
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed relay tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	client, err := redis.NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port}})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Raw().FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush db: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}
