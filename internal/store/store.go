// Package store persists profiles, bounded per-conversation history and the
// conversation membership index. Backends share one key space so a deployment
// can move between them without changing what the chat server sees.
package store

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/npezzotti/softtalk/internal/types"
)

// DefaultHistoryCap bounds every history log unless configured otherwise.
const DefaultHistoryCap = 100

var ErrNotFound = errors.New("store: not found")

// Store is the persistence boundary of the chat server. Implementations must
// tolerate concurrent writers: appends to one conversation are serialized by
// the backend, profile writes are last-writer-wins.
type Store interface {
	PutProfile(ctx context.Context, externalId string, p types.Profile) error
	// GetProfile returns ErrNotFound when no profile exists for externalId.
	GetProfile(ctx context.Context, externalId string) (types.Profile, error)
	// ListProfiles returns every known profile ordered by handle.
	ListProfiles(ctx context.Context) ([]types.Profile, error)
	// AppendMessage appends m to the conversation's history and trims the
	// history to the most recent cap entries.
	AppendMessage(ctx context.Context, conversationKey string, m types.Message) error
	// ReadMessages returns the conversation's history, oldest first.
	ReadMessages(ctx context.Context, conversationKey string) ([]types.Message, error)
	// AddMembership records a and b in each other's membership set. Idempotent.
	// Entries are PeerMember or RoomMember values.
	AddMembership(ctx context.Context, a, b string) error
	// ListMembership returns the sorted membership set of id.
	ListMembership(ctx context.Context, id string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

const (
	profilePrefix    = "profile:"
	membershipPrefix = "membership:"
	historyPrefix    = "history:"
	directPrefix     = "direct:"
	roomPrefix       = "room:"
	peerPrefix       = "peer:"

	allProfilesKey = "allProfiles"
)

// DirectKey derives the conversation key of a two-party conversation. The pair
// is sorted so both participants resolve to the same bucket, and the first id
// is length-prefixed so ids containing ':' cannot shift the boundary.
func DirectKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directPrefix + strconv.Itoa(len(a)) + ":" + a + ":" + b
}

// RoomKey derives the conversation key of a room.
func RoomKey(room string) string {
	return roomPrefix + room
}

// PeerMember is the membership index entry standing for an identity.
func PeerMember(externalId string) string {
	return peerPrefix + externalId
}

// RoomMember is the membership index entry standing for a room.
func RoomMember(room string) string {
	return roomPrefix + room
}

// IsPeerMember reports whether a membership entry names an identity, returning its external id.
func IsPeerMember(entry string) (string, bool) {
	if id, ok := strings.CutPrefix(entry, peerPrefix); ok && id != "" {
		return id, true
	}
	return "", false
}

// IsRoomMember reports whether a membership entry names a room, returning the room name.
func IsRoomMember(entry string) (string, bool) {
	if room, ok := strings.CutPrefix(entry, roomPrefix); ok && room != "" {
		return room, true
	}
	return "", false
}

func profileKey(externalId string) string { return profilePrefix + externalId }

func membershipKey(id string) string { return membershipPrefix + id }

func historyKey(conversationKey string) string { return historyPrefix + conversationKey }

func normalizeCap(historyCap int) int {
	if historyCap <= 0 {
		return DefaultHistoryCap
	}
	return historyCap
}

func sortProfiles(profiles []types.Profile) {
	sort.Slice(profiles, func(i, j int) bool {
		if profiles[i].Handle == profiles[j].Handle {
			return profiles[i].ExternalId < profiles[j].ExternalId
		}
		return profiles[i].Handle < profiles[j].Handle
	})
}
