package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagramsync/collab/crdtpubsub"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (b *inbox) handle(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, string(data))
	return nil
}

func (b *inbox) get() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.msgs...)
}

func startHub(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()
	hub := NewHub(opts)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *crdtpubsub.WebSocketPubSub {
	t.Helper()
	ps, err := crdtpubsub.DialWebSocket(context.Background(), crdtpubsub.WebSocketOptions{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	return ps
}

// publishUntil publishes msg until cond holds, covering the window in which
// the relay has not processed a subscription yet.
func publishUntil(t *testing.T, ps *crdtpubsub.WebSocketPubSub, topic, msg string, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		_ = ps.Publish(context.Background(), topic, []byte(msg))
		return false
	}, waitFor, 50*time.Millisecond)
}

func TestHub_RelaysToOtherSubscribers(t *testing.T) {
	hub, url := startHub(t, Options{})
	ctx := context.Background()
	topic := crdtpubsub.DocTopic("r1")

	a := dial(t, url)
	b := dial(t, url)
	var inA, inB inbox
	require.NoError(t, a.Subscribe(ctx, topic, "a", inA.handle))
	require.NoError(t, b.Subscribe(ctx, topic, "b", inB.handle))

	publishUntil(t, a, topic, "hello", func() bool { return len(inB.get()) > 0 })
	assert.Equal(t, "hello", inB.get()[0])
	// the sender never gets its own frame back
	assert.Empty(t, inA.get())
	assert.Equal(t, 2, hub.ClientCount())
}

func TestHub_TopicsAreIsolated(t *testing.T) {
	_, url := startHub(t, Options{})
	ctx := context.Background()

	a := dial(t, url)
	b := dial(t, url)
	c := dial(t, url)
	var inB, inC inbox
	require.NoError(t, b.Subscribe(ctx, crdtpubsub.DocTopic("r1"), "b", inB.handle))
	require.NoError(t, c.Subscribe(ctx, crdtpubsub.DocTopic("r2"), "c", inC.handle))

	publishUntil(t, a, crdtpubsub.DocTopic("r1"), "for-r1", func() bool { return len(inB.get()) > 0 })
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, inC.get())
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	_, url := startHub(t, Options{})
	ctx := context.Background()
	topic := crdtpubsub.AwarenessTopic("r1")

	a := dial(t, url)
	b := dial(t, url)
	var inB inbox
	require.NoError(t, b.Subscribe(ctx, topic, "b", inB.handle))
	publishUntil(t, a, topic, "first", func() bool { return len(inB.get()) > 0 })

	require.NoError(t, b.Unsubscribe(ctx, topic, "b"))
	time.Sleep(50 * time.Millisecond)
	before := len(inB.get())
	require.NoError(t, a.Publish(ctx, topic, []byte("second")))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, inB.get(), before)
}

func TestHub_RateLimitDropsExcessFrames(t *testing.T) {
	hub, url := startHub(t, Options{MessagesPerSecond: 1, Burst: 2})
	topic := crdtpubsub.DocTopic("r1")

	// raw connections so nothing is resent
	sub, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.WriteJSON(crdtpubsub.Frame{Op: crdtpubsub.FrameSubscribe, Topic: topic}))
	require.Eventually(t, func() bool {
		hub.mutex.RLock()
		defer hub.mutex.RUnlock()
		return len(hub.topics[topic]) == 1
	}, waitFor, tick)

	pub, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer pub.Close()
	for i := 0; i < 10; i++ {
		require.NoError(t, pub.WriteJSON(crdtpubsub.Frame{Op: crdtpubsub.FramePublish, Topic: topic, Data: []byte("x")}))
	}

	received := 0
	_ = sub.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		var frame crdtpubsub.Frame
		if err := sub.ReadJSON(&frame); err != nil {
			break
		}
		assert.Equal(t, crdtpubsub.FrameMessage, frame.Op)
		received++
	}
	assert.Equal(t, 2, received)
}

func TestHub_BackboneBridgesRelays(t *testing.T) {
	backbone := crdtpubsub.NewMemoryPubSub(nil)
	defer backbone.Close()
	ctx := context.Background()
	topic := crdtpubsub.DocTopic("shared")

	_, url1 := startHub(t, Options{Backbone: backbone})
	_, url2 := startHub(t, Options{Backbone: backbone})

	a := dial(t, url1)
	b := dial(t, url2)
	var inA, inB inbox
	require.NoError(t, a.Subscribe(ctx, topic, "a", inA.handle))
	require.NoError(t, b.Subscribe(ctx, topic, "b", inB.handle))

	publishUntil(t, a, topic, "across", func() bool { return len(inB.get()) > 0 })
	assert.Equal(t, "across", inB.get()[0])
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, inA.get())
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub, url := startHub(t, Options{})
	a := dial(t, url)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, waitFor, tick)
	require.NoError(t, hub.Close())
	assert.Eventually(t, func() bool { return !a.Connected() }, waitFor, tick)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, waitFor, tick)
}
