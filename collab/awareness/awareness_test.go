package awareness

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAwareness_LocalUserDefaults(t *testing.T) {
	a := New(1)
	a.SetLocalUser("", "")

	s := a.LocalState()
	require.NotNil(t, s)
	assert.Equal(t, int64(1), s.ClientID)
	assert.Equal(t, AnonymousName, s.User.Name)
	assert.Regexp(t, `^#[0-9a-f]{6}$`, s.User.Color)
	assert.Equal(t, 1, a.Count())
}

func TestAwareness_SetDisplayNameRebroadcasts(t *testing.T) {
	a := New(1)
	a.SetLocalUser("", "#112233")

	var sent []Update
	a.OnLocalUpdate(func(u Update) { sent = append(sent, u) })

	a.SetDisplayName("Ada")
	a.SetDisplayName("Ada")

	require.Len(t, sent, 1)
	assert.Equal(t, "Ada", sent[0].State.User.Name)
	assert.Equal(t, "#112233", sent[0].State.User.Color)
}

func TestAwareness_ApplyKeepsLatestClock(t *testing.T) {
	a := New(1)

	change := a.Apply(Update{ClientID: 2, Clock: 2, State: &State{ClientID: 2, User: User{Name: "new"}}})
	assert.Equal(t, []int64{2}, change.Added)

	// an older record arriving late is ignored
	change = a.Apply(Update{ClientID: 2, Clock: 1, State: &State{ClientID: 2, User: User{Name: "old"}}})
	assert.True(t, change.empty())

	peers := a.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "new", peers[0].User.Name)

	change = a.Apply(Update{ClientID: 2, Clock: 3, State: &State{ClientID: 2, User: User{Name: "new"}, Cursor: &Cursor{X: 1, Y: 2}}})
	assert.Equal(t, []int64{2}, change.Updated)

	change = a.Apply(Update{ClientID: 2, Clock: 4})
	assert.Equal(t, []int64{2}, change.Removed)
	assert.Empty(t, a.Peers())
}

func TestAwareness_IgnoresOwnRecordFromTheWire(t *testing.T) {
	a := New(1)
	a.SetLocalUser("me", "#000000")

	change := a.Apply(Update{ClientID: 1, Clock: 99})
	assert.True(t, change.empty())
	assert.NotNil(t, a.LocalState())
}

func TestAwareness_SweepExpiresSilentPeers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	a := New(1, WithTimeout(10*time.Second), WithClock(clock.Now))
	a.SetLocalUser("me", "#000000")

	a.Apply(Update{ClientID: 2, Clock: 1, State: &State{ClientID: 2}})
	clock.Advance(6 * time.Second)
	a.Apply(Update{ClientID: 3, Clock: 1, State: &State{ClientID: 3}})
	clock.Advance(6 * time.Second)

	var removed []int64
	a.OnChange(func(c Change) { removed = append(removed, c.Removed...) })

	assert.Equal(t, []int64{2}, a.Sweep())
	assert.Equal(t, []int64{2}, removed)
	assert.Equal(t, 2, a.Count(), "local record never expires")

	// a stale update cannot resurrect the expired record
	a.Apply(Update{ClientID: 2, Clock: 1, State: &State{ClientID: 2}})
	assert.Equal(t, 2, a.Count())
}

func TestAwareness_LeaveAndRenew(t *testing.T) {
	a := New(1)
	a.SetLocalUser("me", "#000000")
	a.SetCursor(3, 4)
	require.NotNil(t, a.LocalState().Cursor)
	a.ClearCursor()
	assert.Nil(t, a.LocalState().Cursor)

	var sent []Update
	a.OnLocalUpdate(func(u Update) { sent = append(sent, u) })

	a.Renew()
	require.Len(t, sent, 1)
	assert.NotNil(t, sent[0].State)

	a.Leave()
	require.Len(t, sent, 2)
	assert.Nil(t, sent[1].State)
	assert.Greater(t, sent[1].Clock, sent[0].Clock)
	assert.Zero(t, a.Count())

	a.Renew()
	assert.Len(t, sent, 2)
}

func TestAwareness_RemoveAll(t *testing.T) {
	a := New(1)
	a.SetLocalUser("me", "#000000")
	a.Apply(Update{ClientID: 2, Clock: 1, State: &State{ClientID: 2}})
	a.Apply(Update{ClientID: 3, Clock: 1, State: &State{ClientID: 3}})

	a.RemoveAll()
	assert.Equal(t, 1, a.Count())
	assert.Empty(t, a.Peers())
}

func TestUpdate_WireFormat(t *testing.T) {
	u := Update{ClientID: 7, Clock: 2, State: &State{ClientID: 7, User: User{Name: "n", Color: "#ffffff"}, Cursor: &Cursor{X: 1, Y: 2}}}
	data, err := u.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"clientId":7,"clock":2,"user":{"name":"n","color":"#ffffff"},"cursor":{"x":1,"y":2}}`, string(data))

	decoded, err := DecodeUpdate(data)
	require.NoError(t, err)
	assert.Equal(t, u, decoded)

	left, err := Update{ClientID: 7, Clock: 3}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"clientId":7,"clock":3}`, string(left))
	decoded, err = DecodeUpdate(left)
	require.NoError(t, err)
	assert.Nil(t, decoded.State)

	tests := []string{
		`{"clientId":0}`,
		`{"clientId":1,"cursor":{"x":1,"y":2}}`,
		`{"clientId":"x"}`,
	}
	for _, raw := range tests {
		_, err := DecodeUpdate([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestNewClientID_Unique(t *testing.T) {
	seen := make(map[int64]bool)
	for i := 0; i < 1000; i++ {
		id := NewClientID()
		assert.NotZero(t, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
