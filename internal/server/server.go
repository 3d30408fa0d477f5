package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/softtalk/internal/identity"
	"github.com/npezzotti/softtalk/internal/stats"
	"github.com/npezzotti/softtalk/internal/store"
)

const (
	metricActiveClients    = "NumActiveClients"
	metricOnlineIdentities = "NumOnlineIdentities"

	storeTimeout = 5 * time.Second
)

type Options struct {
	// SigningKey enables identity token checks on login when set.
	SigningKey []byte
	RateEvents int
	RateWindow time.Duration
}

// ChatServer owns the presence registry and the router and runs the session
// lifecycle of every connection. Presence is process local, so a deployment
// must run a single instance.
type ChatServer struct {
	log            *slog.Logger
	store          store.Store
	stats          stats.StatsProvider
	registry       *Registry
	router         *Router
	normalizer     *identity.Normalizer
	signingKey     []byte
	rateEvents     int
	rateWindow     time.Duration
	clients        map[string]*Client
	clientsLock    sync.Mutex
	clientsWg      sync.WaitGroup
	closing        bool
	sessionMu      sync.Mutex
	registerChan   chan *Client
	deRegisterChan chan *Client
	presenceChan   chan struct{}
	stop           chan struct{}
	stopOnce       sync.Once
	done           chan struct{}
	now            func() time.Time
}

func NewChatServer(logger *slog.Logger, st store.Store, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}

	registry := NewRegistry()
	cs := &ChatServer{
		log:            logger,
		store:          st,
		stats:          su,
		registry:       registry,
		router:         NewRouter(logger, registry, st, su),
		normalizer:     identity.NewNormalizer(logger, st, registry),
		signingKey:     opts.SigningKey,
		rateEvents:     opts.RateEvents,
		rateWindow:     opts.RateWindow,
		clients:        make(map[string]*Client),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		presenceChan:   make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		now:            time.Now,
	}

	for _, name := range []string{metricActiveClients, metricOnlineIdentities, metricMessagesRouted, metricOfflineNotices} {
		su.RegisterMetric(name)
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case client := <-cs.registerChan:
			cs.log.Debug("server.client.add", "conn", client.ID())
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.log.Debug("server.client.remove", "conn", client.ID())
			cs.removeClient(client)
		case <-cs.presenceChan:
			cs.broadcastPresence()
		case <-cs.stop:
			cs.log.Info("server.stopping", "clients", len(cs.clients), "logged_in", cs.registry.Len())
			cs.clientsLock.Lock()
			cs.closing = true
			for _, c := range cs.clients {
				c.stopClient()
			}
			cs.clientsLock.Unlock()

			close(cs.done)
			return
		}
	}
}

// Attach starts serving a websocket connection. It returns false if the
// server is shutting down.
func (cs *ChatServer) Attach(conn *websocket.Conn) bool {
	client := NewClient(conn, cs, cs.log)

	cs.clientsLock.Lock()
	if cs.closing {
		cs.clientsLock.Unlock()
		conn.Close()
		return false
	}
	cs.clientsWg.Add(1)
	cs.clientsLock.Unlock()

	select {
	case cs.registerChan <- client:
	case <-cs.done:
		cs.clientsWg.Done()
		conn.Close()
		return false
	}

	go client.Write()
	go func() {
		defer cs.clientsWg.Done()
		client.Read()
	}()

	return true
}

func (cs *ChatServer) deRegister(c *Client) {
	select {
	case cs.deRegisterChan <- c:
	case <-cs.done:
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c.ID()] = c
	cs.stats.Incr(metricActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c.ID()]; ok {
		delete(cs.clients, c.ID())
		cs.stats.Decr(metricActiveClients)
	}
}

// requestPresence schedules a presence broadcast. Requests made while one is
// pending are merged into it.
func (cs *ChatServer) requestPresence() {
	select {
	case cs.presenceChan <- struct{}{}:
	default:
	}
}

// broadcastPresence sends every known identity, live or not, to every
// logged in connection.
func (cs *ChatServer) broadcastPresence() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	users := cs.knownUsers(ctx)
	for _, c := range cs.registry.Conns() {
		if !c.Push(NoErrActiveUsers(users)) {
			cs.log.Debug("server.presence.push.fail", "conn", c.ID())
		}
	}
}

func (cs *ChatServer) dispatch(c Conn, msg *ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var (
		err   error
		event string
	)
	switch {
	case msg.Login != nil:
		event, err = ContextLogin, cs.login(ctx, c, msg.Id, msg.Login)
	case msg.JoinRoom != nil:
		event, err = ContextJoinRoom, cs.joinRoom(ctx, c, msg.Id, msg.JoinRoom)
	case msg.LeaveRoom != nil:
		event, err = ContextLeaveRoom, cs.leaveRoom(c, msg.Id, msg.LeaveRoom)
	case msg.SendMessage != nil:
		event, err = ContextSendMessage, cs.router.Route(ctx, c, msg.Id, msg.SendMessage)
	case msg.InitChat != nil:
		event, err = ContextInitChat, cs.initChat(ctx, c, msg.Id, msg.InitChat)
	case msg.GetAllUsers != nil:
		event, err = ContextGetAllUsers, cs.getAllUsers(ctx, c, msg.Id)
	}

	if err != nil {
		cs.log.Debug("server.event.rejected", "conn", c.ID(), "event", event, "err", err)
		c.Push(ErrNotice(msg.Id, event, err))
	}
}

// Shutdown stops every client and waits for their disconnect paths to finish.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Info("server.shutdown")
	cs.stopOnce.Do(func() {
		close(cs.stop)
	})

	select {
	case <-cs.done:
	case <-ctx.Done():
		return fmt.Errorf("wait for event loop: %w", ctx.Err())
	}

	drained := make(chan struct{})
	go func() {
		cs.clientsWg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for clients: %w", ctx.Err())
	}
}
