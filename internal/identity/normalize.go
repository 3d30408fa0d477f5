// Package identity turns raw login payloads into canonical, collision-free handles.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"

	"github.com/npezzotti/softtalk/internal/store"
	"github.com/npezzotti/softtalk/internal/types"
)

const maxRandomSuffix = 10000

// MaxHandleLen bounds every assigned handle, in runes, suffix included.
const MaxHandleLen = 64

// Login is the identity part of a login payload as issued by the identity provider.
type Login struct {
	DisplayName string
	Email       string
	ExternalId  string
	AvatarURL   string
}

// ProfileSource is the persisted side of the handle namespace.
type ProfileSource interface {
	GetProfile(ctx context.Context, externalId string) (types.Profile, error)
	ListProfiles(ctx context.Context) ([]types.Profile, error)
}

// LiveDirectory is the connected side of the handle namespace.
type LiveDirectory interface {
	// HandleOwner returns the external id of the live identity holding handle.
	HandleOwner(handle string) (string, bool)
}

// Result describes the handle assigned to a login.
type Result struct {
	Handle string
	// Requested is the handle the login asked for (or was pinned to) before
	// any suffix was applied.
	Requested string
	Renamed   bool
	// Existing is the stored profile of the external id, if there was one.
	Existing *types.Profile
}

type Normalizer struct {
	log      *slog.Logger
	profiles ProfileSource
	live     LiveDirectory
	intN     func(n int) int
}

func NewNormalizer(logger *slog.Logger, profiles ProfileSource, live LiveDirectory) *Normalizer {
	return &Normalizer{
		log:      logger,
		profiles: profiles,
		live:     live,
		intN:     rand.IntN,
	}
}

// Normalize assigns a handle to a login. A stored profile pins the handle of
// its external id; otherwise the handle is derived from the login and
// suffixed with 1, 2, ... until no other identity, live or persisted, holds it.
// A pinned handle that another external id holds is suffixed the same way.
// Store failures degrade to "no persisted identities".
func (n *Normalizer) Normalize(ctx context.Context, in Login) Result {
	var res Result

	requested := n.BaseHandle(in)
	if existing, ok := n.lookupProfile(ctx, in.ExternalId); ok {
		res.Existing = &existing
		if existing.Handle != "" {
			requested = clip(existing.Handle, MaxHandleLen)
		}
	}
	res.Requested = requested

	owners := n.persistedOwners(ctx)
	takenByOther := func(handle string) bool {
		if owner, ok := n.live.HandleOwner(handle); ok && owner != in.ExternalId {
			return true
		}
		for _, owner := range owners[handle] {
			if owner != in.ExternalId {
				return true
			}
		}
		return false
	}

	if !takenByOther(requested) {
		res.Handle = requested
		return res
	}

	for i := 1; ; i++ {
		suffix := strconv.Itoa(i)
		candidate := clip(requested, MaxHandleLen-len(suffix)) + suffix
		if !takenByOther(candidate) {
			res.Handle = candidate
			res.Renamed = true
			return res
		}
	}
}

// BaseHandle derives the requested handle: the display name if present, else
// the local part of the email, else a random user_<n>. The result is clipped
// to MaxHandleLen.
func (n *Normalizer) BaseHandle(in Login) string {
	if name := strings.TrimSpace(in.DisplayName); name != "" {
		return clip(name, MaxHandleLen)
	}

	if local, _, _ := strings.Cut(strings.TrimSpace(in.Email), "@"); strings.TrimSpace(local) != "" {
		return clip(strings.TrimSpace(local), MaxHandleLen)
	}

	return fmt.Sprintf("user_%d", n.intN(maxRandomSuffix))
}

// clip shortens s to at most limit runes.
func clip(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return strings.TrimSpace(string(r[:limit]))
}

func (n *Normalizer) lookupProfile(ctx context.Context, externalId string) (types.Profile, bool) {
	p, err := n.profiles.GetProfile(ctx, externalId)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			n.log.Warn("identity.profile.lookup.fail", "external_id", externalId, "err", err)
		}
		return types.Profile{}, false
	}
	return p, true
}

func (n *Normalizer) persistedOwners(ctx context.Context) map[string][]string {
	profiles, err := n.profiles.ListProfiles(ctx)
	if err != nil {
		n.log.Warn("identity.profiles.list.fail", "err", err)
		return nil
	}

	owners := make(map[string][]string, len(profiles))
	for _, p := range profiles {
		owners[p.Handle] = append(owners[p.Handle], p.ExternalId)
	}
	return owners
}

// DefaultAvatar returns the generated avatar used when a login carries no photo.
func DefaultAvatar(handle string) string {
	initial := "U"
	if r := []rune(handle); len(r) > 0 {
		initial = strings.ToUpper(string(r[0]))
	}
	return "https://ui-avatars.com/api/?name=" + url.QueryEscape(initial) + "&background=4f9cf6&color=fff&size=128"
}
