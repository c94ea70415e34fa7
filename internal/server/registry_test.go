package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/npezzotti/chatcore/internal/stats"
	"github.com/npezzotti/chatcore/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient builds a socketless client whose outbound frames can be read
// from its send channel.
func newTestClient(t *testing.T, id string, buf int) *Client {
	return &Client{
		id:    id,
		log:   testutil.TestLogger(t),
		send:  make(chan []byte, buf),
		rooms: make(map[string]struct{}),
		stop:  make(chan struct{}),
	}
}

func newTestRegistry(t *testing.T) (*ConnectionRegistry, *PresenceTracker) {
	p := NewPresenceTracker(testutil.TestLogger(t), nil, stats.NewPermissiveMock())
	return NewConnectionRegistry(p), p
}

// drain returns the frame types queued on c.
func drain(t *testing.T, c *Client) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case b := <-c.send:
			out = append(out, decodeEnvelope(t, b))
		default:
			return out
		}
	}
}

func TestConnectionRegistry_AddConnection(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := newTestClient(t, "c1", 1)

	require.NoError(t, r.AddConnection(c), "expected first registration to succeed")
	assert.ErrorIs(t, r.AddConnection(c), ErrDuplicateConnection, "expected duplicate id to be rejected")

	got, ok := r.Connection("c1")
	assert.True(t, ok)
	assert.Equal(t, c, got)
	assert.Equal(t, 1, r.Len())
}

func TestConnectionRegistry_BindUser(t *testing.T) {
	r, _ := newTestRegistry(t)
	c1 := newTestClient(t, "c1", 1)
	c2 := newTestClient(t, "c2", 1)
	require.NoError(t, r.AddConnection(c1))
	require.NoError(t, r.AddConnection(c2))

	first, err := r.BindUser(c1, "alice")
	require.NoError(t, err)
	assert.True(t, first, "expected first connection of alice")

	first, err = r.BindUser(c2, "alice")
	require.NoError(t, err)
	assert.False(t, first, "expected second connection not to be first")

	first, err = r.BindUser(c1, "alice")
	require.NoError(t, err, "expected rebinding the same user to be a no-op")
	assert.False(t, first)

	_, err = r.BindUser(c1, "bob")
	assert.ErrorIs(t, err, ErrAlreadyBound, "expected switching users to fail")

	p := r.Presence("alice")
	assert.True(t, p.Online)
	assert.Equal(t, 2, p.Connections)
	assert.False(t, p.OnlineSince.IsZero(), "expected online_since to be set")
	assert.Len(t, r.UserConnections("alice"), 2)

	_, err = r.BindUser(newTestClient(t, "ghost", 1), "alice")
	assert.ErrorIs(t, err, ErrUnknownConnection, "expected unregistered connection to be rejected")
}

func TestConnectionRegistry_RemoveConnection(t *testing.T) {
	r, p := newTestRegistry(t)
	alice1 := newTestClient(t, "a1", 8)
	alice2 := newTestClient(t, "a2", 8)
	bob := newTestClient(t, "b1", 8)
	for _, c := range []*Client{alice1, alice2, bob} {
		require.NoError(t, r.AddConnection(c))
	}
	_, _ = r.BindUser(alice1, "alice")
	_, _ = r.BindUser(alice2, "alice")
	_, _ = r.BindUser(bob, "bob")

	p.Subscribe(bob, "room")
	p.Subscribe(alice1, "room")
	drain(t, bob)

	assert.True(t, r.RemoveConnection(alice1))
	assert.False(t, r.RemoveConnection(alice1), "expected second removal to be a no-op")
	assert.Empty(t, alice1.Rooms(), "expected removed connection to leave its rooms")
	assert.Equal(t, []string{"b1"}, p.Subscribers("room"))
	assert.True(t, r.Presence("alice").Online, "expected alice to stay online with another connection")
	assert.Empty(t, drain(t, bob), "expected no offline announcement while alice has connections")

	p.Subscribe(alice2, "room")
	drain(t, bob)

	assert.True(t, r.RemoveConnection(alice2))
	assert.False(t, r.Presence("alice").Online, "expected alice to be offline")
	assert.Nil(t, r.UserConnections("alice"))

	frames := drain(t, bob)
	require.Len(t, frames, 1, "expected one presence frame")
	assert.Equal(t, TypePresenceChanged, frames[0].Type)
	assert.JSONEq(t, `{"userId":"alice","roomId":"room","online":false}`, frames[0].Data)
}

func TestConnectionRegistry_concurrentConnections(t *testing.T) {
	r, p := newTestRegistry(t)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newTestClient(t, fmt.Sprintf("c%d", i), 64)
			assert.NoError(t, r.AddConnection(c))
			_, err := r.BindUser(c, "alice")
			assert.NoError(t, err)
			p.Subscribe(c, "room")
			assert.True(t, r.RemoveConnection(c))
		}(i)
	}
	wg.Wait()

	assert.Zero(t, r.Len(), "expected no connections left")
	assert.False(t, r.Presence("alice").Online, "expected alice to be offline")
	assert.Empty(t, p.Subscribers("room"), "expected no subscribers left")
}

func TestConnectionRegistry_Teardown(t *testing.T) {
	r, p := newTestRegistry(t)
	c1 := newTestClient(t, "c1", 8)
	c2 := newTestClient(t, "c2", 8)
	require.NoError(t, r.AddConnection(c1))
	require.NoError(t, r.AddConnection(c2))
	_, _ = r.BindUser(c1, "alice")
	p.Subscribe(c1, "room")

	removed := r.Teardown()
	assert.Len(t, removed, 2)
	assert.Zero(t, r.Len())
	assert.False(t, r.Presence("alice").Online)
	assert.Empty(t, p.Subscribers("room"))

	for _, c := range []*Client{c1, c2} {
		select {
		case <-c.stop:
		default:
			t.Errorf("expected connection %s to be stopped", c.id)
		}
	}
}
