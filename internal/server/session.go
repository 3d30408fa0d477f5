package server

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/softtalk/internal/identity"
	"github.com/npezzotti/softtalk/internal/store"
	"github.com/npezzotti/softtalk/internal/types"
	"github.com/samber/lo"
)

const subjectClaim = "sub"

// login authenticates c as the identity in req. Handle assignment, registry
// update and profile write happen under sessionMu so concurrent logins cannot
// claim the same handle.
func (cs *ChatServer) login(ctx context.Context, c Conn, id int, req *Login) error {
	if _, ok := cs.registry.Lookup(c.ID()); ok {
		return ErrAlreadyAuthenticated
	}

	if len(cs.signingKey) > 0 {
		if err := cs.verifyIdentityToken(req.Token, req.ExternalId); err != nil {
			cs.log.Warn("session.login.unauthorized", "conn", c.ID(), "external_id", req.ExternalId, "err", err)
			return ErrUnauthorized
		}
	}

	cs.sessionMu.Lock()
	res := cs.normalizer.Normalize(ctx, identity.Login{
		DisplayName: req.DisplayName,
		Email:       req.Email,
		ExternalId:  req.ExternalId,
		AvatarURL:   req.AvatarURL,
	})

	profile := types.Profile{
		Handle:     res.Handle,
		ExternalId: req.ExternalId,
		Email:      req.Email,
		LastSeen:   cs.now().UTC(),
		Online:     true,
	}
	if res.Existing != nil && profile.Email == "" {
		profile.Email = res.Existing.Email
	}
	switch {
	case req.AvatarURL != "":
		profile.DisplayPhoto = req.AvatarURL
	case res.Existing != nil && res.Existing.DisplayPhoto != "":
		profile.DisplayPhoto = res.Existing.DisplayPhoto
	default:
		profile.DisplayPhoto = identity.DefaultAvatar(profile.Handle)
	}

	newlyOnline := cs.registry.Register(c, profile)
	if err := cs.store.PutProfile(ctx, profile.ExternalId, profile); err != nil {
		cs.log.Error("session.profile.save.fail", "external_id", profile.ExternalId, "err", err)
	}
	cs.sessionMu.Unlock()

	if newlyOnline {
		cs.stats.Incr(metricOnlineIdentities)
	}
	cs.log.Info("session.login", "conn", c.ID(), "handle", profile.Handle, "external_id", profile.ExternalId, "renamed", res.Renamed)

	if res.Renamed {
		c.Push(NoErrUsernameChanged(id, res.Requested, res.Handle))
	}

	welcome := types.NewMessage(
		types.Profile{Handle: systemHandle, ExternalId: systemExternalId},
		profile.Handle,
		fmt.Sprintf("Welcome to SoftTalks, %s!", profile.Handle),
		cs.now(),
	)
	c.Push(NoErrMessage(0, welcome))
	c.Push(NoErrConversationHistory(id, cs.conversations(ctx, profile.ExternalId)))

	cs.requestPresence()
	return nil
}

func (cs *ChatServer) verifyIdentityToken(tokenString, externalId string) error {
	if tokenString == "" {
		return errors.New("missing token")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return cs.signingKey, nil
	})
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return errors.New("invalid token claims")
	}

	sub, ok := claims[subjectClaim].(string)
	if !ok || sub != externalId {
		return errors.New("subject does not match external id")
	}

	return nil
}

// conversations lists the direct peers and rooms in an identity's membership
// index. Peers without a stored profile are skipped.
func (cs *ChatServer) conversations(ctx context.Context, externalId string) []types.Conversation {
	entries, err := cs.store.ListMembership(ctx, store.PeerMember(externalId))
	if err != nil {
		cs.log.Warn("session.membership.list.fail", "external_id", externalId, "err", err)
		return nil
	}

	convs := lo.FilterMap(entries, func(entry string, _ int) (types.Conversation, bool) {
		if room, ok := store.IsRoomMember(entry); ok {
			return types.Conversation{Kind: types.ConversationRoom, Room: room}, true
		}

		peerId, ok := store.IsPeerMember(entry)
		if !ok {
			return types.Conversation{}, false
		}
		peer, err := cs.store.GetProfile(ctx, peerId)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				cs.log.Warn("session.profile.get.fail", "external_id", peerId, "err", err)
			}
			return types.Conversation{}, false
		}
		peer.Online = cs.registry.IsOnline(peer.ExternalId)
		return types.Conversation{Kind: types.ConversationDirect, Peer: &peer}, true
	})

	slices.SortFunc(convs, func(a, b types.Conversation) int {
		return cmp.Compare(conversationName(a), conversationName(b))
	})
	return convs
}

func conversationName(c types.Conversation) string {
	if c.Peer != nil {
		return c.Peer.Handle
	}
	return c.Room
}

// disconnect runs when a connection closes. The profile is marked offline
// unless another connection of the same identity is still live.
func (cs *ChatServer) disconnect(c Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	cs.sessionMu.Lock()
	profile, rooms, ok := cs.registry.Unregister(c.ID())
	if !ok {
		cs.sessionMu.Unlock()
		return
	}

	stillOnline := cs.registry.IsOnline(profile.ExternalId)
	if !stillOnline {
		profile.Online = false
		profile.LastSeen = cs.now().UTC()
		if err := cs.store.PutProfile(ctx, profile.ExternalId, profile); err != nil {
			cs.log.Error("session.profile.save.fail", "external_id", profile.ExternalId, "err", err)
		}
	}
	cs.sessionMu.Unlock()

	if !stillOnline {
		cs.stats.Decr(metricOnlineIdentities)
	}
	cs.log.Info("session.logout", "conn", c.ID(), "handle", profile.Handle, "still_online", stillOnline)

	for _, room := range rooms {
		cs.broadcastRoster(room, 0, nil)
	}
	cs.requestPresence()
}

// joinRoom adds c to a room, sends it the room history and tells every member
// about the new roster.
func (cs *ChatServer) joinRoom(ctx context.Context, c Conn, id int, req *JoinRoom) error {
	p, ok := cs.registry.Lookup(c.ID())
	if !ok {
		return ErrNotAuthenticated
	}

	if !cs.registry.JoinRoom(c.ID(), req.Room) {
		return ErrNotAuthenticated
	}
	cs.log.Info("session.room.join", "conn", c.ID(), "handle", p.Handle, "room", req.Room)

	if err := cs.store.AddMembership(ctx, store.PeerMember(p.ExternalId), store.RoomMember(req.Room)); err != nil {
		cs.log.Warn("session.membership.fail", "room", req.Room, "err", err)
	}

	history, err := cs.store.ReadMessages(ctx, store.RoomKey(req.Room))
	if err != nil {
		cs.log.Warn("session.history.read.fail", "room", req.Room, "err", err)
	}
	c.Push(NoErrPreviousMessages(0, req.Room, true, history))

	cs.broadcastRoster(req.Room, id, c)
	return nil
}

func (cs *ChatServer) leaveRoom(c Conn, id int, req *LeaveRoom) error {
	p, ok := cs.registry.Lookup(c.ID())
	if !ok {
		return ErrNotAuthenticated
	}

	if !cs.registry.LeaveRoom(c.ID(), req.Room) {
		return ErrNotInRoom
	}
	cs.log.Info("session.room.leave", "conn", c.ID(), "handle", p.Handle, "room", req.Room)

	c.Push(NoErrRoomUsers(id, req.Room, cs.registry.RoomRoster(req.Room)))
	cs.broadcastRoster(req.Room, 0, nil)
	return nil
}

// broadcastRoster pushes the roster of room to its members. The requester, if
// given, gets the copy carrying the request id.
func (cs *ChatServer) broadcastRoster(room string, id int, requester Conn) {
	roster := cs.registry.RoomRoster(room)
	for _, m := range cs.registry.RoomMembers(room) {
		msgId := 0
		if requester != nil && m.ID() == requester.ID() {
			msgId = id
		}
		m.Push(NoErrRoomUsers(msgId, room, roster))
	}
}

// initChat opens a two-party conversation and returns its stored history.
// The target is matched by handle first and by external id second.
func (cs *ChatServer) initChat(ctx context.Context, c Conn, id int, req *InitChat) error {
	self, ok := cs.registry.Lookup(c.ID())
	if !ok {
		return ErrNotAuthenticated
	}

	peer, ok := cs.resolvePeer(ctx, req.TargetHandle)
	if !ok {
		c.Push(ErrRecipientNotFound(id, "", req.TargetHandle))
		return nil
	}

	if err := cs.store.AddMembership(ctx, store.PeerMember(self.ExternalId), store.PeerMember(peer.ExternalId)); err != nil {
		cs.log.Warn("session.membership.fail", "external_id", self.ExternalId, "peer", peer.ExternalId, "err", err)
	}

	history, err := cs.store.ReadMessages(ctx, store.DirectKey(self.ExternalId, peer.ExternalId))
	if err != nil {
		cs.log.Warn("session.history.read.fail", "peer", peer.ExternalId, "err", err)
	}
	c.Push(NoErrPreviousMessages(id, peer.Handle, false, history))

	return nil
}

func (cs *ChatServer) resolvePeer(ctx context.Context, target string) (types.Profile, bool) {
	if _, p, ok := cs.registry.Find(target); ok {
		return p, true
	}
	if p, ok := profileByHandle(ctx, cs.log, cs.store, target); ok {
		return p, true
	}
	if _, p, ok := cs.registry.FindExternal(target); ok {
		return p, true
	}

	p, err := cs.store.GetProfile(ctx, target)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			cs.log.Warn("session.profile.get.fail", "external_id", target, "err", err)
		}
		return types.Profile{}, false
	}
	return p, true
}

// getAllUsers returns every known identity with its live status. Live
// identities missing from the store are included.
func (cs *ChatServer) getAllUsers(ctx context.Context, c Conn, id int) error {
	if _, ok := cs.registry.Lookup(c.ID()); !ok {
		return ErrNotAuthenticated
	}

	c.Push(NoErrAllUsers(id, cs.knownUsers(ctx)))
	return nil
}

// knownUsers merges live identities with stored profiles. Live entries win
// and Online reflects the registry, so stored profiles keep their lastSeen.
func (cs *ChatServer) knownUsers(ctx context.Context) []types.Profile {
	stored, err := cs.store.ListProfiles(ctx)
	if err != nil {
		cs.log.Warn("session.profiles.list.fail", "err", err)
	}

	live := cs.registry.Snapshot()
	users := lo.UniqBy(append(live, stored...), func(p types.Profile) string { return p.ExternalId })
	for i := range users {
		users[i].Online = cs.registry.IsOnline(users[i].ExternalId)
	}
	sortByHandle(users)
	return users
}
