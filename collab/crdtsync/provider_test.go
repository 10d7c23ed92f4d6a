package crdtsync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagramsync/collab/awareness"
	"diagramsync/collab/common"
	"diagramsync/collab/crdt"
	"diagramsync/collab/crdtpubsub"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type peer struct {
	doc       *crdt.Document
	conn      *crdtpubsub.MemoryConnection
	provider  *Provider
	awareness *awareness.Awareness
}

func newPeer(t *testing.T, hub *crdtpubsub.MemoryPubSub, name string) *peer {
	t.Helper()
	doc := crdt.NewDocument(common.NewSessionID())
	conn := hub.Connect(name)
	aw := awareness.New(awareness.NewClientID())
	aw.SetLocalUser(name, "#123456")
	p := NewProvider("room-1", doc, conn, WithSyncTimeout(100*time.Millisecond), WithAwareness(aw))
	t.Cleanup(func() { p.Close() })
	return &peer{doc: doc, conn: conn, provider: p, awareness: aw}
}

func (p *peer) set(t *testing.T, key, value string) {
	t.Helper()
	_, err := p.doc.Transact(common.LocalOrigin(p.doc.SessionID()), func(tx *crdt.Txn) error {
		return tx.Set("shapes", key, value)
	})
	require.NoError(t, err)
}

func (p *peer) get(key string) string {
	v, ok := p.doc.Get("shapes", key)
	if !ok {
		return ""
	}
	return string(v)
}

func TestProvider_AloneInRoomSyncsAfterTimeout(t *testing.T) {
	hub := crdtpubsub.NewMemoryPubSub(nil)
	defer hub.Close()
	a := newPeer(t, hub, "a")

	var statuses []Status
	var mu sync.Mutex
	a.provider.OnStatus(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	var firstSyncs int32
	a.provider.OnFirstSync(func() { atomic.AddInt32(&firstSyncs, 1) })

	assert.Equal(t, StatusDisconnected, a.provider.Status())
	require.NoError(t, a.provider.Connect(context.Background()))
	assert.Error(t, a.provider.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, a.provider.WaitSynced(ctx))
	assert.True(t, a.provider.Synced())
	assert.Equal(t, int32(1), atomic.LoadInt32(&firstSyncs))

	// registering after the fact runs immediately
	a.provider.OnFirstSync(func() { atomic.AddInt32(&firstSyncs, 1) })
	assert.Equal(t, int32(2), atomic.LoadInt32(&firstSyncs))

	require.NoError(t, a.provider.Close())
	assert.Equal(t, StatusDisconnected, a.provider.Status())

	mu.Lock()
	assert.Equal(t, []Status{StatusConnecting, StatusSynced, StatusDisconnected}, statuses)
	mu.Unlock()
}

func TestProvider_LateJoinerReceivesHistory(t *testing.T) {
	hub := crdtpubsub.NewMemoryPubSub(nil)
	defer hub.Close()

	a := newPeer(t, hub, "a")
	require.NoError(t, a.provider.Connect(context.Background()))
	a.set(t, "n1", "one")
	a.set(t, "n2", "two")

	b := newPeer(t, hub, "b")
	b.set(t, "n3", "three")
	require.NoError(t, b.provider.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, b.provider.WaitSynced(ctx))

	assert.Eventually(t, func() bool {
		return b.get("n1") == `"one"` && b.get("n2") == `"two"` && a.get("n3") == `"three"`
	}, waitFor, tick)
}

func TestProvider_PropagatesIncrementalUpdates(t *testing.T) {
	hub := crdtpubsub.NewMemoryPubSub(nil)
	defer hub.Close()

	a := newPeer(t, hub, "a")
	b := newPeer(t, hub, "b")
	require.NoError(t, a.provider.Connect(context.Background()))
	require.NoError(t, b.provider.Connect(context.Background()))

	a.set(t, "n1", "from-a")
	b.set(t, "n2", "from-b")

	assert.Eventually(t, func() bool {
		return a.get("n2") == `"from-b"` && b.get("n1") == `"from-a"`
	}, waitFor, tick)

	// concurrent writes to one key converge
	a.set(t, "shared", "a")
	b.set(t, "shared", "b")
	assert.Eventually(t, func() bool {
		return a.get("shared") != "" && a.get("shared") == b.get("shared")
	}, waitFor, tick)
}

func TestProvider_ResyncsAfterReconnect(t *testing.T) {
	hub := crdtpubsub.NewMemoryPubSub(nil)
	defer hub.Close()

	a := newPeer(t, hub, "a")
	b := newPeer(t, hub, "b")
	require.NoError(t, a.provider.Connect(context.Background()))
	require.NoError(t, b.provider.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, b.provider.WaitSynced(ctx))

	b.conn.SetOnline(false)
	assert.Equal(t, StatusDisconnected, b.provider.Status())

	// both sides edit while partitioned
	b.set(t, "offline", "b")
	a.set(t, "online", "a")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, a.get("offline"))

	b.conn.SetOnline(true)
	assert.Eventually(t, func() bool {
		return b.provider.Synced() && a.get("offline") == `"b"` && b.get("online") == `"a"`
	}, waitFor, tick)
}

func TestProvider_CloseStopsPropagation(t *testing.T) {
	hub := crdtpubsub.NewMemoryPubSub(nil)
	defer hub.Close()

	a := newPeer(t, hub, "a")
	b := newPeer(t, hub, "b")
	require.NoError(t, a.provider.Connect(context.Background()))
	require.NoError(t, b.provider.Connect(context.Background()))
	a.set(t, "n1", "x")
	assert.Eventually(t, func() bool { return b.get("n1") != "" }, waitFor, tick)

	require.NoError(t, b.provider.Close())
	require.NoError(t, b.provider.Close())
	a.set(t, "n2", "y")
	b.set(t, "n3", "z")
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, b.get("n2"))
	assert.Empty(t, a.get("n3"))
}

func TestProvider_SharesPresence(t *testing.T) {
	hub := crdtpubsub.NewMemoryPubSub(nil)
	defer hub.Close()

	a := newPeer(t, hub, "alice")
	b := newPeer(t, hub, "bob")
	require.NoError(t, a.provider.Connect(context.Background()))
	require.NoError(t, b.provider.Connect(context.Background()))

	assert.Eventually(t, func() bool { return a.awareness.Count() == 2 && b.awareness.Count() == 2 }, waitFor, tick)

	b.awareness.SetCursor(10, 20)
	assert.Eventually(t, func() bool {
		peers := a.awareness.Peers()
		return len(peers) == 1 && peers[0].Cursor != nil && peers[0].Cursor.X == 10
	}, waitFor, tick)
	assert.Equal(t, "bob", a.awareness.Peers()[0].User.Name)

	require.NoError(t, b.provider.Close())
	assert.Eventually(t, func() bool { return a.awareness.Count() == 1 }, waitFor, tick)
}

func TestProvider_IgnoresMalformedAndMisaddressedMessages(t *testing.T) {
	hub := crdtpubsub.NewMemoryPubSub(nil)
	defer hub.Close()

	a := newPeer(t, hub, "a")
	require.NoError(t, a.provider.Connect(context.Background()))

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, crdtpubsub.DocTopic("room-1"), []byte("garbage")))
	require.NoError(t, hub.Publish(ctx, crdtpubsub.AwarenessTopic("room-1"), []byte("{")))

	// an update addressed to someone else is ignored
	other := crdt.NewDocument(common.NewSessionID())
	cs, err := other.Transact(common.LocalOrigin(other.SessionID()), func(tx *crdt.Txn) error {
		return tx.Set("shapes", "n1", 1)
	})
	require.NoError(t, err)
	stranger := common.NewSessionID()
	data, err := EncodeMessage(&SyncMessage{
		Type:    MessageTypeSyncStep2,
		From:    other.SessionID(),
		To:      &stranger,
		Updates: []*crdt.Update{cs.Update},
	})
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, crdtpubsub.DocTopic("room-1"), data))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, a.doc.IsEmpty())
}

func TestDecodeMessage_Validation(t *testing.T) {
	sid := common.NewSessionID()

	_, err := DecodeMessage([]byte(`{"type":"bogus","from":"` + sid.String() + `"}`))
	assert.Error(t, err)

	_, err = DecodeMessage([]byte(`{"type":"update"}`))
	assert.Error(t, err)

	m, err := DecodeMessage([]byte(`{"type":"sync_step1","from":"` + sid.String() + `","stateVector":{"` + sid.String() + `":3}}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.StateVector.Get(sid))
	assert.True(t, m.IsFor(common.NewSessionID()))
}

func TestProvider_CloseWaitsForUpdatesInFlight(t *testing.T) {
	hub := crdtpubsub.NewMemoryPubSub(nil)
	defer hub.Close()

	a := newPeer(t, hub, "a")
	b := newPeer(t, hub, "b")
	require.NoError(t, a.provider.Connect(context.Background()))
	require.NoError(t, b.provider.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, b.provider.WaitSynced(ctx))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	b.doc.Observe(func(cs *crdt.ChangeSet) {
		for _, c := range cs.Changes {
			if c.Key == "late" {
				once.Do(func() {
					close(entered)
					<-release
				})
			}
		}
	})

	a.set(t, "late", "x")
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("update never reached b")
	}

	closed := make(chan struct{})
	go func() {
		assert.NoError(t, b.provider.Close())
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned while an update was being applied")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("close did not return")
	}

	// nothing lands on the wiped replica
	b.doc.Reset()
	a.set(t, "after", "y")
	assert.Never(t, func() bool { return b.doc.Len("shapes") > 0 }, 100*time.Millisecond, tick)
}
