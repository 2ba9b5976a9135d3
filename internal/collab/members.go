package collab

import (
	"time"

	"nodecollab/internal/models"
)

// memberSet tracks session members in join order. Not safe for concurrent
// use; the coordinator guards it.
type memberSet struct {
	byID   map[string]*models.User
	order  []string
	colors map[string]string // color -> user id
}

func newMemberSet() *memberSet {
	return &memberSet{
		byID:   make(map[string]*models.User),
		colors: make(map[string]string),
	}
}

func (m *memberSet) add(peer models.PeerInfo, now time.Time) (models.User, bool) {
	if existing, ok := m.byID[peer.ID]; ok {
		return *existing, false
	}
	u := &models.User{
		ID:         peer.ID,
		Name:       peer.Name,
		Color:      m.nextColor(),
		JoinedAt:   now,
		LastActive: now,
	}
	m.byID[peer.ID] = u
	m.order = append(m.order, peer.ID)
	m.colors[u.Color] = u.ID
	return *u, true
}

func (m *memberSet) nextColor() string {
	for _, c := range models.Palette {
		if _, taken := m.colors[c]; !taken {
			return c
		}
	}
	return models.Palette[len(m.order)%len(models.Palette)]
}

func (m *memberSet) remove(id string) (models.User, bool) {
	u, ok := m.byID[id]
	if !ok {
		return models.User{}, false
	}
	delete(m.byID, id)
	if m.colors[u.Color] == id {
		delete(m.colors, u.Color)
	}
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return *u, true
}

func (m *memberSet) has(id string) bool {
	_, ok := m.byID[id]
	return ok
}

func (m *memberSet) touch(id string, now time.Time) {
	if u, ok := m.byID[id]; ok {
		u.LastActive = now
	}
}

func (m *memberSet) setCursor(id string, pos models.CursorPosition, now time.Time) {
	if u, ok := m.byID[id]; ok {
		p := pos
		u.Cursor = &p
		u.LastActive = now
	}
}

func (m *memberSet) get(id string, now time.Time, idle time.Duration) (models.User, bool) {
	u, ok := m.byID[id]
	if !ok {
		return models.User{}, false
	}
	return snapshot(u, now, idle), true
}

func (m *memberSet) list(now time.Time, idle time.Duration) []models.User {
	out := make([]models.User, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, snapshot(m.byID[id], now, idle))
	}
	return out
}

func snapshot(u *models.User, now time.Time, idle time.Duration) models.User {
	c := *u
	if u.Cursor != nil {
		pos := *u.Cursor
		c.Cursor = &pos
	}
	c.IsActive = u.Active(now, idle)
	return c
}
