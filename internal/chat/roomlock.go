package chat

import "sync"

type roomMutex struct {
	sync.Mutex
	refs int
}

// roomLocks is a keyed mutex. Entries live only while someone holds or
// waits on them.
type roomLocks struct {
	mu    sync.Mutex
	rooms map[string]*roomMutex
}

func newRoomLocks() *roomLocks {
	return &roomLocks{rooms: make(map[string]*roomMutex)}
}

// lock blocks until the room's mutex is held and returns its release.
func (l *roomLocks) lock(roomId string) func() {
	l.mu.Lock()
	m, ok := l.rooms[roomId]
	if !ok {
		m = &roomMutex{}
		l.rooms[roomId] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()

		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.rooms, roomId)
		}
		l.mu.Unlock()
	}
}

func (l *roomLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rooms)
}
