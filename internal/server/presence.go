package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/chatcore/internal/stats"
	"go.uber.org/zap"
)

const mirrorTimeout = 2 * time.Second

// PresenceMirror publishes online state outside this process.
type PresenceMirror interface {
	SetOnline(ctx context.Context, userId string, since time.Time) error
	SetOffline(ctx context.Context, userId string) error
}

// roomSubs is the live subscriber set of one room. Frames for the room are
// enqueued while mu is held, which keeps per-room delivery order.
type roomSubs struct {
	mu    sync.Mutex
	conns map[string]*Client
	dead  bool
}

// PresenceTracker tracks which connections are subscribed to which rooms and
// announces presence changes to them.
type PresenceTracker struct {
	rooms    sync.Map // roomId -> *roomSubs
	registry *ConnectionRegistry
	mirror   PresenceMirror
	stats    stats.StatsProvider
	log      *zap.Logger
}

func NewPresenceTracker(logger *zap.Logger, mirror PresenceMirror, su stats.StatsProvider) *PresenceTracker {
	return &PresenceTracker{
		mirror: mirror,
		stats:  su,
		log:    logger,
	}
}

// Subscribe adds c to the room. It reports whether c was added and whether it
// is the first connection of its user in the room, in which case the other
// subscribers are told the user came online.
func (p *PresenceTracker) Subscribe(c *Client, roomId string) (bool, bool) {
	userId := c.UserId()

	for {
		v, _ := p.rooms.LoadOrStore(roomId, &roomSubs{conns: make(map[string]*Client)})
		rs := v.(*roomSubs)

		rs.mu.Lock()
		if rs.dead {
			rs.mu.Unlock()
			continue
		}

		if _, ok := rs.conns[c.id]; ok {
			rs.mu.Unlock()
			return false, false
		}

		first := true
		for _, other := range rs.conns {
			if other.UserId() == userId {
				first = false
				break
			}
		}

		activated := len(rs.conns) == 0
		rs.conns[c.id] = c
		c.addRoom(roomId)

		if first {
			p.broadcastLocked(rs, PresenceFrame(userId, roomId, true), userId)
		}
		rs.mu.Unlock()

		if first && p.registry != nil {
			p.registry.markAnnounced(userId, roomId, true)
		}
		if activated {
			p.stats.Incr(metricActiveRooms)
		}
		p.log.Debug("subscribed",
			zap.String("room_id", roomId),
			zap.String("user_id", userId),
			zap.String("connection_id", c.id),
		)
		return true, first
	}
}

// Unsubscribe removes c from the room without touching membership.
func (p *PresenceTracker) Unsubscribe(c *Client, roomId string) bool {
	v, ok := p.rooms.Load(roomId)
	if !ok {
		c.delRoom(roomId)
		return false
	}
	rs := v.(*roomSubs)

	rs.mu.Lock()
	if _, ok := rs.conns[c.id]; !ok {
		rs.mu.Unlock()
		c.delRoom(roomId)
		return false
	}
	delete(rs.conns, c.id)
	c.delRoom(roomId)
	emptied := p.retireLocked(roomId, rs)
	rs.mu.Unlock()

	if emptied {
		p.stats.Decr(metricActiveRooms)
	}
	return true
}

// retireLocked drops an empty subscriber set from the index.
func (p *PresenceTracker) retireLocked(roomId string, rs *roomSubs) bool {
	if len(rs.conns) > 0 || rs.dead {
		return false
	}
	rs.dead = true
	p.rooms.CompareAndDelete(roomId, rs)
	return true
}

// UnsubscribeAll removes c from every room and returns the rooms it left.
func (p *PresenceTracker) UnsubscribeAll(c *Client) []string {
	var left []string
	for _, roomId := range c.Rooms() {
		if p.Unsubscribe(c, roomId) {
			left = append(left, roomId)
		}
	}
	return left
}

// Broadcast enqueues frame on every connection subscribed to the room,
// skipping connections of skipUser when it is set. It returns the number of
// connections the frame was handed to.
func (p *PresenceTracker) Broadcast(roomId string, frame []byte, skipUser string) int {
	v, ok := p.rooms.Load(roomId)
	if !ok {
		return 0
	}
	rs := v.(*roomSubs)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	return p.broadcastLocked(rs, frame, skipUser)
}

func (p *PresenceTracker) broadcastLocked(rs *roomSubs, frame []byte, skipUser string) int {
	n := 0
	for _, c := range rs.conns {
		if skipUser != "" && c.UserId() == skipUser {
			continue
		}
		if c.queueMessage(frame) {
			n++
		}
	}
	return n
}

// CloseRoom delivers a final frame to the room's subscribers and then
// unsubscribes all of them.
func (p *PresenceTracker) CloseRoom(roomId string, frame []byte) {
	v, ok := p.rooms.Load(roomId)
	if !ok {
		return
	}
	rs := v.(*roomSubs)

	rs.mu.Lock()
	if rs.dead {
		rs.mu.Unlock()
		return
	}
	p.broadcastLocked(rs, frame, "")
	for id, c := range rs.conns {
		delete(rs.conns, id)
		c.delRoom(roomId)
	}
	emptied := p.retireLocked(roomId, rs)
	rs.mu.Unlock()

	if emptied {
		p.stats.Decr(metricActiveRooms)
	}
}

// EvictUser delivers frame to the room and then unsubscribes every
// connection of userId from it.
func (p *PresenceTracker) EvictUser(roomId, userId string, frame []byte) {
	if p.registry != nil {
		p.registry.markAnnounced(userId, roomId, false)
	}

	v, ok := p.rooms.Load(roomId)
	if !ok {
		return
	}
	rs := v.(*roomSubs)

	rs.mu.Lock()
	if rs.dead {
		rs.mu.Unlock()
		return
	}
	p.broadcastLocked(rs, frame, "")
	for id, c := range rs.conns {
		if c.UserId() == userId {
			delete(rs.conns, id)
			c.delRoom(roomId)
		}
	}
	emptied := p.retireLocked(roomId, rs)
	rs.mu.Unlock()

	if emptied {
		p.stats.Decr(metricActiveRooms)
	}
}

// Subscribers returns the ids of the connections subscribed to the room,
// sorted.
func (p *PresenceTracker) Subscribers(roomId string) []string {
	v, ok := p.rooms.Load(roomId)
	if !ok {
		return nil
	}
	rs := v.(*roomSubs)

	rs.mu.Lock()
	defer rs.mu.Unlock()

	ids := make([]string, 0, len(rs.conns))
	for id := range rs.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *PresenceTracker) userOnline(userId string) {
	p.stats.Incr(metricOnlineUsers)
	if p.mirror == nil {
		return
	}

	since := time.Now()
	if p.registry != nil {
		since = p.registry.Presence(userId).OnlineSince
	}

	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := p.mirror.SetOnline(ctx, userId, since); err != nil {
		p.log.Warn("presence mirror: set online", zap.String("user_id", userId), zap.Error(err))
	}
}

// userOffline announces that userId has no open connections left to the
// given rooms.
func (p *PresenceTracker) userOffline(userId string, rooms []string) {
	p.stats.Decr(metricOnlineUsers)
	for _, roomId := range rooms {
		p.Broadcast(roomId, PresenceFrame(userId, roomId, false), userId)
	}

	if p.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := p.mirror.SetOffline(ctx, userId); err != nil {
		p.log.Warn("presence mirror: set offline", zap.String("user_id", userId), zap.Error(err))
	}
}

func (p *PresenceTracker) clear() {
	p.rooms.Range(func(key, value any) bool {
		rs := value.(*roomSubs)
		rs.mu.Lock()
		rs.dead = true
		rs.conns = make(map[string]*Client)
		rs.mu.Unlock()
		p.rooms.Delete(key)
		return true
	})
}
