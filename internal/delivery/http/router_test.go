package http

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagramsync/collab/crdtpubsub"
	"diagramsync/internal/delivery/sse"
	"diagramsync/internal/delivery/ws"
	"diagramsync/internal/domain"
	"diagramsync/internal/metrics"
	"diagramsync/internal/repository/snapshot"
	"diagramsync/internal/session"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type testServer struct {
	srv   *httptest.Server
	store *snapshot.DatastoreStore
	hub   *ws.Hub
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewRelay(reg)
	store := snapshot.NewDatastoreStore(nil, "/relay")
	events := sse.NewRouter(nil)
	hub := ws.NewHub(ws.Options{Metrics: m})

	router := NewRouter(NewRoomHandler(store, events, m, nil), hub, events, reg, m, nil)
	srv := httptest.NewServer(router.Setup())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		store.Close()
	})
	return &testServer{srv: srv, store: store, hub: hub}
}

func TestSnapshotAPI_ThroughHTTPStore(t *testing.T) {
	ts := newTestServer(t)
	client := snapshot.NewHTTPStore(ts.srv.URL, nil)
	ctx := context.Background()

	_, err := client.LoadRoom(ctx, "r1")
	assert.ErrorIs(t, err, snapshot.ErrRoomNotFound)

	nodes, edges, err := snapshot.Encode([]domain.Node{{ID: "n1"}}, []domain.Edge{{ID: "e1", From: "n1", To: "n1"}})
	require.NoError(t, err)
	v1, err := client.SaveRoom(ctx, "r1", nodes, edges, 0)
	require.NoError(t, err)
	assert.Equal(t, snapshot.Version(1), v1)

	_, err = client.SaveRoom(ctx, "r1", nodes, edges, 0)
	assert.ErrorIs(t, err, snapshot.ErrVersionConflict)

	room, err := client.LoadRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, v1, room.Version)
	decodedNodes, decodedEdges, err := room.Decode()
	require.NoError(t, err)
	assert.Equal(t, "n1", decodedNodes[0].ID)
	assert.Equal(t, "e1", decodedEdges[0].ID)

	// what the client saved is what the backing store holds
	stored, err := ts.store.LoadRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, v1, stored.Version)

	v2, err := client.SaveRoom(ctx, "r1", json.RawMessage(`[]`), json.RawMessage(`[]`), v1)
	require.NoError(t, err)
	assert.Equal(t, snapshot.Version(2), v2)
}

func TestSnapshotAPI_Images(t *testing.T) {
	ts := newTestServer(t)
	client := snapshot.NewHTTPStore(ts.srv.URL, nil)
	ctx := context.Background()

	images, err := client.ListImages(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, images)

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, client.PutImage(ctx, snapshot.Image{ID: "i2", RoomID: "r1", Src: "b.png", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, client.PutImage(ctx, snapshot.Image{ID: "i1", RoomID: "r1", Src: "a.png", CreatedAt: base}))

	images, err = client.ListImages(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "a.png", images[0].Src)
	assert.Equal(t, "r1", images[0].RoomID)
}

func TestSnapshotAPI_RejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		header map[string]string
		body   string
		status int
	}{
		{"bad if-match", http.MethodPut, "/rooms/r1/snapshot", map[string]string{"If-Match": "abc"}, `{"nodes":[],"edges":[]}`, http.StatusBadRequest},
		{"bad body", http.MethodPut, "/rooms/r1/snapshot", nil, `{`, http.StatusBadRequest},
		{"nodes not a list", http.MethodPut, "/rooms/r1/snapshot", nil, `{"nodes":{},"edges":[]}`, http.StatusBadRequest},
		{"image without src", http.MethodPost, "/rooms/r1/images", nil, `{"id":"x"}`, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/rooms/r1/snapshot", nil, ``, http.StatusMethodNotAllowed},
		{"health", http.MethodGet, "/healthz", nil, ``, http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", nil, ``, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.srv.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestRoomEvents_StreamSnapshotSaves(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.srv.URL+"/rooms/r1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := make(chan string, 4)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
				lines <- strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	client := snapshot.NewHTTPStore(ts.srv.URL, nil)
	_, err = client.SaveRoom(ctx, "r1", json.RawMessage(`[]`), json.RawMessage(`[]`), 0)
	require.NoError(t, err)

	select {
	case line := <-lines:
		var event sse.Event
		require.NoError(t, json.Unmarshal([]byte(line), &event))
		assert.Equal(t, EventSnapshotSaved, event.Type)
		assert.Equal(t, "r1", event.RoomID)
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}

func TestRelay_TwoSessionsCollaborate(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	store := snapshot.NewHTTPStore(ts.srv.URL, nil)

	cfg := session.DefaultConfig()
	cfg.SyncTimeout = 200 * time.Millisecond
	cfg.SaveInterval = 50 * time.Millisecond

	join := func(name string) *session.Session {
		channel, err := crdtpubsub.DialWebSocket(ctx, crdtpubsub.WebSocketOptions{URL: ts.wsURL()})
		require.NoError(t, err)
		s := session.New(cfg, session.Deps{
			Channel: channel,
			Store:   store,
			Users:   session.StaticUser{Name: name},
		})
		require.NoError(t, s.Join(ctx, "design"))
		t.Cleanup(func() {
			s.Leave(ctx)
			channel.Close()
		})
		waitCtx, cancel := context.WithTimeout(ctx, waitFor)
		defer cancel()
		require.NoError(t, s.WaitActive(waitCtx))
		return s
	}

	a := join("alice")
	b := join("bob")

	require.NoError(t, a.Canvas().AddNode(domain.Node{ID: "n1", Position: domain.Position{X: 1, Y: 2}, Shape: domain.Shape{Kind: domain.ShapeKindRectangle}}))
	assert.Eventually(t, func() bool {
		_, ok := b.Canvas().Node("n1")
		return ok
	}, waitFor, tick)

	assert.Eventually(t, func() bool {
		return len(a.Projection().Current().Presence) == 1 && len(b.Projection().Current().Presence) == 1
	}, waitFor, tick)

	// one of the two replicas checkpoints the node through the relay
	assert.Eventually(t, func() bool {
		room, err := ts.store.LoadRoom(ctx, "design")
		if err != nil {
			return false
		}
		nodes, _, err := room.Decode()
		return err == nil && len(nodes) == 1
	}, waitFor, tick)
}
