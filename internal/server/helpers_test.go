package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/softtalk/internal/stats"
	"github.com/npezzotti/softtalk/internal/store"
	"github.com/npezzotti/softtalk/internal/testutil"
	"github.com/stretchr/testify/require"
)

// fakeConn records every pushed message.
type fakeConn struct {
	id     string
	mu     sync.Mutex
	msgs   []*ServerMessage
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Push(msg *ServerMessage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false
	}
	f.msgs = append(f.msgs, msg)
	return true
}

func (f *fakeConn) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) all() []*ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ServerMessage(nil), f.msgs...)
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = nil
}

func (f *fakeConn) chatMessages() []*ServerMessage {
	return f.filter(func(m *ServerMessage) bool { return m.Message != nil })
}

func (f *fakeConn) statuses() []*ServerMessage {
	return f.filter(func(m *ServerMessage) bool { return m.MessageStatus != nil })
}

func (f *fakeConn) notices() []*ServerMessage {
	return f.filter(func(m *ServerMessage) bool { return m.Error != nil })
}

func (f *fakeConn) filter(keep func(*ServerMessage) bool) []*ServerMessage {
	var out []*ServerMessage
	for _, m := range f.all() {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

func newMockStats() *stats.MockStatsUpdater {
	return stats.NewPermissiveMock()
}

func newTestBadger(t *testing.T) store.Store {
	t.Helper()

	s, err := store.OpenBadgerStore(testutil.TestLogger(t), store.BadgerOptions{InMemory: true, HistoryCap: store.DefaultHistoryCap})
	require.NoError(t, err, "expected in-memory badger to open")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestChatServer(t *testing.T, st store.Store, su stats.StatsProvider) *ChatServer {
	t.Helper()

	cs, err := NewChatServer(testutil.TestLogger(t), st, su, Options{})
	require.NoError(t, err, "failed to create test ChatServer")
	return cs
}

// runTestChatServer starts the event loop and stops it when the test ends.
func runTestChatServer(t *testing.T, cs *ChatServer) {
	t.Helper()

	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = cs.Shutdown(ctx)
	})
}

func loginAs(t *testing.T, cs *ChatServer, c Conn, externalId, displayName, email string) {
	t.Helper()

	cs.dispatch(c, &ClientMessage{
		BaseMessage: BaseMessage{Id: 1},
		Login:       &Login{ExternalId: externalId, DisplayName: displayName, Email: email},
	})
	_, ok := cs.registry.Lookup(c.ID())
	require.True(t, ok, "expected %s to be logged in", externalId)
}

func send(cs *ChatServer, c Conn, id int, req *SendMessage) {
	cs.dispatch(c, &ClientMessage{BaseMessage: BaseMessage{Id: id}, SendMessage: req})
}
