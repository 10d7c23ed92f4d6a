package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagramsync/collab/crdtpubsub"
	"diagramsync/internal/config"
	"diagramsync/internal/domain"
	"diagramsync/internal/session"
)

// syncBuffer is written by the prompt and the projection watcher.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

func newExecutor(t *testing.T, hub *crdtpubsub.MemoryPubSub, name string) (*executor, *syncBuffer) {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.SyncTimeout = 50 * time.Millisecond

	ctrl := session.NewController(cfg, session.Deps{
		Channel: hub.Connect(name),
		Users:   session.StaticUser{Name: name},
	})
	t.Cleanup(func() { ctrl.Exit(context.Background()) })

	out := &syncBuffer{}
	exec := &executor{ctrl: ctrl, out: out}
	require.NoError(t, exec.run(context.Background(), "room r1"))
	return exec, out
}

func TestExecutor_EditsTheDiagram(t *testing.T) {
	hub := crdtpubsub.NewMemoryPubSub(nil)
	defer hub.Close()
	exec, out := newExecutor(t, hub, "alice")
	ctx := context.Background()
	s := exec.ctrl.Current()

	require.NoError(t, exec.run(ctx, "add a rect 10 20 hello world"))
	require.NoError(t, exec.run(ctx, "add b circle 0 0"))
	require.NoError(t, exec.run(ctx, "edge a b e1"))
	require.NoError(t, exec.run(ctx, "edge b a e2"))
	assert.Contains(t, out.String(), "already connected")

	require.NoError(t, exec.run(ctx, "move a 5 6"))
	require.NoError(t, exec.run(ctx, "color a #ff0000"))
	require.NoError(t, exec.run(ctx, "text b label"))

	a, ok := s.Canvas().Node("a")
	require.True(t, ok)
	assert.Equal(t, domain.Position{X: 5, Y: 6}, a.Position)
	assert.Equal(t, "hello world", a.Shape.Text)
	assert.Equal(t, "#ff0000", a.Shape.Color)
	b, _ := s.Canvas().Node("b")
	assert.Equal(t, domain.ShapeKindCircle, b.Shape.Kind)
	assert.Equal(t, "label", b.Shape.Text)
	assert.Len(t, s.Canvas().Edges(), 1)

	require.NoError(t, exec.run(ctx, "rm b"))
	assert.Empty(t, s.Canvas().Edges())

	require.NoError(t, exec.run(ctx, "undo"))
	_, ok = s.Canvas().Node("b")
	assert.True(t, ok)
	assert.Len(t, s.Canvas().Edges(), 1)
	require.NoError(t, exec.run(ctx, "redo"))
	_, ok = s.Canvas().Node("b")
	assert.False(t, ok)

	out.Reset()
	require.NoError(t, exec.run(ctx, "ls"))
	assert.Contains(t, out.String(), "node a rectangle at (5, 6)")
	assert.NotContains(t, out.String(), "node b")
}

func TestExecutor_PresenceCommands(t *testing.T) {
	hub := crdtpubsub.NewMemoryPubSub(nil)
	defer hub.Close()
	exec, out := newExecutor(t, hub, "alice")
	ctx := context.Background()

	require.NoError(t, exec.run(ctx, "name Alice Liddell"))
	require.NoError(t, exec.run(ctx, "cursor 3 4"))
	out.Reset()
	require.NoError(t, exec.run(ctx, "who"))
	assert.Contains(t, out.String(), "* Alice Liddell")
	assert.Contains(t, out.String(), "at (3, 4)")
}

func TestExecutor_Errors(t *testing.T) {
	hub := crdtpubsub.NewMemoryPubSub(nil)
	defer hub.Close()
	exec, _ := newExecutor(t, hub, "alice")
	ctx := context.Background()

	tests := []string{
		"add a triangle 0 0",
		"add a rect x 0",
		"move a",
		"edge a",
		"bogus",
		"room",
	}
	for _, line := range tests {
		t.Run(line, func(t *testing.T) {
			assert.Error(t, exec.run(ctx, line))
		})
	}

	assert.ErrorIs(t, exec.run(ctx, "quit"), errQuit)
	assert.NoError(t, exec.run(ctx, "   "))
}

func TestExecutor_RequiresActiveRoom(t *testing.T) {
	ctrl := session.NewController(session.DefaultConfig(), session.Deps{})
	exec := &executor{ctrl: ctrl, out: &bytes.Buffer{}}
	assert.Error(t, exec.run(context.Background(), "ls"))
}

func TestRepl_StopsOnQuit(t *testing.T) {
	hub := crdtpubsub.NewMemoryPubSub(nil)
	defer hub.Close()
	exec, out := newExecutor(t, hub, "alice")

	in := strings.NewReader("add n1 rect 1 1\nnope\nquit\nadd n2 rect 2 2\n")
	require.NoError(t, repl(context.Background(), exec, in, out))

	_, ok := exec.ctrl.Current().Canvas().Node("n1")
	assert.True(t, ok)
	_, ok = exec.ctrl.Current().Canvas().Node("n2")
	assert.False(t, ok)
	assert.Contains(t, out.String(), "error: unknown command")
}

func TestSnapshotURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ClientConfig
		want string
	}{
		{"derived", config.ClientConfig{Transport: config.TransportWebSocket, RelayURL: "ws://localhost:8080/ws"}, "http://localhost:8080"},
		{"secure", config.ClientConfig{Transport: config.TransportWebSocket, RelayURL: "wss://relay.example.com/ws?room=x"}, "https://relay.example.com"},
		{"explicit", config.ClientConfig{SnapshotURL: "http://snap:9000", Transport: config.TransportLibp2p}, "http://snap:9000"},
		{"peer to peer", config.ClientConfig{Transport: config.TransportLibp2p}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, snapshotURL(tt.cfg))
		})
	}
}
