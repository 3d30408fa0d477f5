package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/npezzotti/softtalk/internal/stats"
	"github.com/npezzotti/softtalk/internal/store"
	"github.com/npezzotti/softtalk/internal/types"
)

const (
	metricMessagesRouted = "MessagesRouted"
	metricOfflineNotices = "OfflineNotices"
)

// Router delivers chat messages. It persists every deliverable message before
// pushing it to the live connections of its audience.
type Router struct {
	log      *slog.Logger
	registry *Registry
	store    store.Store
	stats    stats.StatsProvider
	now      func() time.Time
}

func NewRouter(logger *slog.Logger, registry *Registry, st store.Store, su stats.StatsProvider) *Router {
	return &Router{
		log:      logger,
		registry: registry,
		store:    st,
		stats:    su,
		now:      time.Now,
	}
}

// Route sends req on behalf of the identity bound to from. It fails with
// ErrNotAuthenticated if from has not logged in and with ErrNotInRoom for a
// room the connection has not joined. An unknown or offline recipient is
// reported to the sender as a message status, not as an error.
func (r *Router) Route(ctx context.Context, from Conn, reqID int, req *SendMessage) error {
	sender, ok := r.registry.Lookup(from.ID())
	if !ok {
		return ErrNotAuthenticated
	}

	if req.Room != "" {
		return r.routeRoom(ctx, from, sender, reqID, req)
	}
	return r.routeDirect(ctx, from, sender, reqID, req)
}

func (r *Router) routeRoom(ctx context.Context, from Conn, sender types.Profile, reqID int, req *SendMessage) error {
	if !r.registry.InRoom(from.ID(), req.Room) {
		return ErrNotInRoom
	}

	msg := types.NewMessage(sender, req.Room, req.Text, r.now())
	msg.Room = true

	r.persist(ctx, store.RoomKey(req.Room), msg)
	if err := r.store.AddMembership(ctx, store.PeerMember(sender.ExternalId), store.RoomMember(req.Room)); err != nil {
		r.log.Warn("router.membership.fail", "room", req.Room, "err", err)
	}

	targets := r.registry.RoomMembers(req.Room)
	r.deliver(msg, from, reqID, targets...)

	return nil
}

func (r *Router) routeDirect(ctx context.Context, from Conn, sender types.Profile, reqID int, req *SendMessage) error {
	recipient, ok := r.resolveRecipient(ctx, req.To)
	if !ok {
		r.log.Debug("router.recipient.unknown", "sender", sender.Handle, "to", req.To)
		from.Push(ErrRecipientNotFound(reqID, req.Text, req.To))
		return nil
	}

	msg := types.NewMessage(sender, recipient.Handle, req.Text, r.now())
	msg.RecipientExternalId = recipient.ExternalId

	r.persist(ctx, store.DirectKey(sender.ExternalId, recipient.ExternalId), msg)
	if err := r.store.AddMembership(ctx, store.PeerMember(sender.ExternalId), store.PeerMember(recipient.ExternalId)); err != nil {
		r.log.Warn("router.membership.fail", "sender", sender.ExternalId, "recipient", recipient.ExternalId, "err", err)
	}

	// resolve again after the store round trips, the recipient may have
	// disconnected or reconnected meanwhile
	target, _, live := r.registry.FindExternal(recipient.ExternalId)
	delivered := false
	if live {
		delivered = target.ID() == from.ID() || target.Push(NoErrMessage(0, msg))
	}
	from.Push(NoErrMessage(reqID, msg))
	r.stats.Incr(metricMessagesRouted)

	if !delivered {
		if live {
			r.log.Warn("router.push.fail", "recipient", recipient.Handle, "conn", target.ID())
		}
		r.stats.Incr(metricOfflineNotices)
		from.Push(ErrRecipientOffline(reqID, req.Text, recipient))
	}

	return nil
}

// deliver pushes msg once to every target connection and echoes it to the
// sender. Only the echo carries the request id.
func (r *Router) deliver(msg types.Message, from Conn, reqID int, targets ...Conn) {
	seen := make(map[string]struct{}, len(targets)+1)
	for _, c := range append(targets, from) {
		if _, ok := seen[c.ID()]; ok {
			continue
		}
		seen[c.ID()] = struct{}{}

		id := 0
		if c.ID() == from.ID() {
			id = reqID
		}
		if !c.Push(NoErrMessage(id, msg)) {
			r.log.Debug("router.push.fail", "conn", c.ID(), "room", msg.Recipient)
		}
	}
	r.stats.Incr(metricMessagesRouted)
}

func (r *Router) persist(ctx context.Context, key string, msg types.Message) {
	if err := r.store.AppendMessage(ctx, key, msg); err != nil {
		r.log.Error("router.persist.fail", "key", key, "message_id", msg.Id, "err", err)
	}
}

// resolveRecipient finds the identity holding handle, live identities first.
func (r *Router) resolveRecipient(ctx context.Context, handle string) (types.Profile, bool) {
	if _, p, ok := r.registry.Find(handle); ok {
		return p, true
	}
	return profileByHandle(ctx, r.log, r.store, handle)
}

func profileByHandle(ctx context.Context, logger *slog.Logger, st store.Store, handle string) (types.Profile, bool) {
	profiles, err := st.ListProfiles(ctx)
	if err != nil {
		logger.Warn("store.profiles.list.fail", "err", err)
		return types.Profile{}, false
	}
	for _, p := range profiles {
		if p.Handle == handle {
			return p, true
		}
	}
	return types.Profile{}, false
}
