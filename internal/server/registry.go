package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/chatcore/internal/types"
)

var (
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrUnknownConnection   = errors.New("connection not registered")
	ErrAlreadyBound        = errors.New("connection already bound to another user")
)

// userConns is the set of open connections of one user. Once the last
// connection leaves the entry is marked dead and dropped from the registry;
// writers that raced with the removal retry with a fresh entry. announced
// holds the rooms told the user came online during this online period.
type userConns struct {
	mu          sync.Mutex
	conns       map[string]*Client
	announced   map[string]struct{}
	onlineSince time.Time
	dead        bool
}

// ConnectionRegistry indexes live connections by id and by user. Locking is
// per user; there is no registry-wide lock.
type ConnectionRegistry struct {
	conns    sync.Map // connectionId -> *Client
	users    sync.Map // userId -> *userConns
	presence *PresenceTracker
}

func NewConnectionRegistry(presence *PresenceTracker) *ConnectionRegistry {
	r := &ConnectionRegistry{presence: presence}
	if presence != nil {
		presence.registry = r
	}
	return r
}

func (r *ConnectionRegistry) AddConnection(c *Client) error {
	if _, loaded := r.conns.LoadOrStore(c.id, c); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, c.id)
	}
	return nil
}

func (r *ConnectionRegistry) Connection(id string) (*Client, bool) {
	v, ok := r.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Client), true
}

// BindUser associates the connection with userId and reports whether it is
// the user's first open connection.
func (r *ConnectionRegistry) BindUser(c *Client, userId string) (bool, error) {
	if _, ok := r.conns.Load(c.id); !ok {
		return false, ErrUnknownConnection
	}

	switch current := c.UserId(); current {
	case userId:
		return false, nil
	case "":
	default:
		return false, ErrAlreadyBound
	}

	for {
		v, _ := r.users.LoadOrStore(userId, &userConns{
			conns:     make(map[string]*Client),
			announced: make(map[string]struct{}),
		})
		entry := v.(*userConns)

		entry.mu.Lock()
		if entry.dead {
			entry.mu.Unlock()
			continue
		}

		first := len(entry.conns) == 0
		if first {
			entry.onlineSince = types.Now()
		}
		entry.conns[c.id] = c
		c.bindUser(userId)
		entry.mu.Unlock()

		// lost a race with RemoveConnection
		if _, ok := r.conns.Load(c.id); !ok {
			r.unbind(c)
			return false, ErrUnknownConnection
		}
		return first, nil
	}
}

// unbind removes the connection from its user's set. When it was the user's
// last connection it also returns the rooms the user was announced in.
func (r *ConnectionRegistry) unbind(c *Client) (string, []string, bool) {
	userId := c.UserId()
	if userId == "" {
		return "", nil, false
	}

	v, ok := r.users.Load(userId)
	if !ok {
		return userId, nil, false
	}
	entry := v.(*userConns)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if _, ok := entry.conns[c.id]; !ok {
		return userId, nil, false
	}
	delete(entry.conns, c.id)
	if len(entry.conns) > 0 {
		return userId, nil, false
	}

	entry.dead = true
	r.users.CompareAndDelete(userId, entry)

	rooms := make([]string, 0, len(entry.announced))
	for roomId := range entry.announced {
		rooms = append(rooms, roomId)
	}
	return userId, rooms, true
}

// markAnnounced records whether userId's online state was announced in the
// room. It is a no-op once the user has gone offline.
func (r *ConnectionRegistry) markAnnounced(userId, roomId string, announced bool) {
	v, ok := r.users.Load(userId)
	if !ok {
		return
	}
	entry := v.(*userConns)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.dead {
		return
	}
	if announced {
		entry.announced[roomId] = struct{}{}
	} else {
		delete(entry.announced, roomId)
	}
}

// RemoveConnection drops the connection from every index. It unsubscribes
// the connection from its rooms and, when it was the user's last one, marks
// the user offline in those rooms and in every room any of the user's
// connections announced it in. Removing twice is a no-op.
func (r *ConnectionRegistry) RemoveConnection(c *Client) bool {
	if _, loaded := r.conns.LoadAndDelete(c.id); !loaded {
		return false
	}

	var rooms []string
	if r.presence != nil {
		rooms = r.presence.UnsubscribeAll(c)
	}

	userId, announced, last := r.unbind(c)
	if last && r.presence != nil {
		r.presence.userOffline(userId, union(rooms, announced))
	}
	return true
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, ids := range [][]string{a, b} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// UserConnections returns a snapshot of the user's open connections.
func (r *ConnectionRegistry) UserConnections(userId string) []*Client {
	v, ok := r.users.Load(userId)
	if !ok {
		return nil
	}
	entry := v.(*userConns)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	conns := make([]*Client, 0, len(entry.conns))
	for _, c := range entry.conns {
		conns = append(conns, c)
	}
	return conns
}

// Presence reports the derived online state of userId.
func (r *ConnectionRegistry) Presence(userId string) types.Presence {
	p := types.Presence{UserId: userId}

	v, ok := r.users.Load(userId)
	if !ok {
		return p
	}
	entry := v.(*userConns)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.dead || len(entry.conns) == 0 {
		return p
	}
	p.Online = true
	p.Connections = len(entry.conns)
	p.OnlineSince = entry.onlineSince
	return p
}

func (r *ConnectionRegistry) Len() int {
	n := 0
	r.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Teardown closes every connection and clears all indexes. It returns the
// connections it removed.
func (r *ConnectionRegistry) Teardown() []*Client {
	var removed []*Client
	r.conns.Range(func(_, value any) bool {
		c := value.(*Client)
		c.stopClient()
		if r.RemoveConnection(c) {
			removed = append(removed, c)
		}
		return true
	})
	r.users.Range(func(key, _ any) bool {
		r.users.Delete(key)
		return true
	})
	if r.presence != nil {
		r.presence.clear()
	}
	return removed
}
