package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"nodecollab/internal/models"
	"nodecollab/internal/redis"
	"nodecollab/internal/wire"
)

const (
	sessionChannelPrefix = "collab:session:"
	membersKeyPrefix     = "collab:members:"
	membersTTL           = 24 * time.Hour
)

// Backplane shares rooms between relay nodes over redis pub/sub. Each
// session has its own channel; the member hash keeps a cross-node roster.
type Backplane struct {
	client *redis.Client
	node   string
}

// RemoteMember is an entry of the shared roster.
type RemoteMember struct {
	Peer     models.PeerInfo `json:"peer"`
	Node     string          `json:"node"`
	JoinedAt time.Time       `json:"joined_at"`
}

func NewBackplane(client *redis.Client) *Backplane {
	return &Backplane{client: client, node: uuid.NewString()}
}

func (b *Backplane) NodeID() string {
	return b.node
}

func sessionChannel(sessionID string) string {
	return sessionChannelPrefix + sessionID
}

func membersKey(sessionID string) string {
	return membersKeyPrefix + sessionID
}

// Publish sends env to the other nodes.
func (b *Backplane) Publish(ctx context.Context, env wire.Envelope) error {
	env.Node = b.node
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode backplane frame: %w", err)
	}
	return b.client.Publish(ctx, sessionChannel(env.SessionID), payload)
}

// Run subscribes to every session channel and hands frames from other nodes
// to deliver until ctx is done.
func (b *Backplane) Run(ctx context.Context, deliver func(wire.Envelope)) error {
	messages, err := b.client.PSubscribe(ctx, sessionChannelPrefix+"*")
	if err != nil {
		return err
	}
	log.Printf("relay backplane %s listening on %s*", b.node, sessionChannelPrefix)
	for msg := range messages {
		var env wire.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			log.Printf("relay backplane decode failed: %v", err)
			continue
		}
		if env.Node == b.node {
			continue
		}
		if env.SessionID == "" {
			env.SessionID = strings.TrimPrefix(msg.Channel, sessionChannelPrefix)
		}
		debugLog("[backplane] %s frame for %s from node %s", env.Type, env.SessionID, env.Node)
		deliver(env)
	}
	return ctx.Err()
}

// Join records peer as connected through this node.
func (b *Backplane) Join(ctx context.Context, sessionID string, peer models.PeerInfo, joinedAt time.Time) error {
	data, err := json.Marshal(RemoteMember{Peer: peer, Node: b.node, JoinedAt: joinedAt})
	if err != nil {
		return err
	}
	if err := b.client.HSet(ctx, membersKey(sessionID), peer.ID, data); err != nil {
		return err
	}
	return b.client.Expire(ctx, membersKey(sessionID), membersTTL)
}

func (b *Backplane) Leave(ctx context.Context, sessionID, peerID string) error {
	return b.client.HDel(ctx, membersKey(sessionID), peerID)
}

// Members returns the shared roster ordered by join time.
func (b *Backplane) Members(ctx context.Context, sessionID string) ([]RemoteMember, error) {
	raw, err := b.client.HGetAll(ctx, membersKey(sessionID))
	if err != nil {
		return nil, err
	}
	out := make([]RemoteMember, 0, len(raw))
	for id, value := range raw {
		var m RemoteMember
		if err := json.Unmarshal([]byte(value), &m); err != nil {
			log.Printf("relay backplane: bad roster entry %s/%s: %v", sessionID, id, err)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].Peer.ID < out[j].Peer.ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}
