// Copyright (c) 2025 ToeiRei
// Keywarden - SSH access convergence engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package resolve computes, for one host, the set of (user, key, options)
// tuples currently authorized on it. Enablement is absolute: a disabled
// user contributes no keys no matter what grant rows exist. Output order is
// a pure function of (username, key fingerprint) so identical desired state
// always compiles to a byte-identical artifact.
package resolve // import "github.com/toeirei/keywarden/internal/resolve"

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/toeirei/keywarden/internal/logging"
	"github.com/toeirei/keywarden/internal/model"
	"github.com/toeirei/keywarden/internal/sshkey"
)

// Source is the read-only slice of the store the resolver needs.
type Source interface {
	GetHostByID(ctx context.Context, id int) (*model.Host, error)
	GetGrantsForHost(ctx context.Context, hostID int) ([]model.Grant, error)
	GetUserByID(ctx context.Context, id int) (*model.User, error)
	GetKeysForUser(ctx context.Context, userID int) ([]model.UserKey, error)
	GetAllUserKeys(ctx context.Context) ([]model.UserKey, error)
}

// ErrUnknownHost is returned when the host id has no row in the store.
var ErrUnknownHost = errors.New("unknown host")

// ConflictingGrantError reports two grants for the same (host, user) pair
// with different options payloads. The resolver refuses to guess which one
// wins; duplicates are only tolerated when their options are identical.
type ConflictingGrantError struct {
	Host string
	User string
}

func (e *ConflictingGrantError) Error() string {
	return fmt.Sprintf("conflicting grants for user %q on host %q", e.User, e.Host)
}

// UnsupportedGroupGrantError reports a grant that references a group. The
// schema has no membership relation, so a group grant cannot be expanded;
// failing loudly beats silently granting nothing.
type UnsupportedGroupGrantError struct {
	Host    string
	GroupID int
}

func (e *UnsupportedGroupGrantError) Error() string {
	return fmt.Sprintf("grant on host %q references group %d, but group grants have no membership source", e.Host, e.GroupID)
}

// Resolver computes resolved grant sets from a Source.
type Resolver struct {
	src Source
}

// New returns a Resolver reading from src.
func New(src Source) *Resolver {
	return &Resolver{src: src}
}

// Resolve computes the resolved grant set for one host. Malformed or
// duplicate key rows are skipped with a warning (recorded in the returned
// set); resolution errors (unknown host, group grants, conflicting grants)
// are fatal for this host only.
func (r *Resolver) Resolve(ctx context.Context, hostID int) (*model.ResolvedGrantSet, error) {
	host, err := r.src.GetHostByID(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("fetch host %d: %w", hostID, err)
	}
	if host == nil {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownHost, hostID)
	}

	grants, err := r.src.GetGrantsForHost(ctx, hostID)
	if err != nil {
		return nil, fmt.Errorf("fetch grants for host %s: %w", host.Name, err)
	}

	// Owner-by-fingerprint over the whole key table: a stale read could
	// hand the same material to two users, so we re-check here instead of
	// trusting the store's uniqueness constraint alone.
	owners, err := r.keyOwners(ctx)
	if err != nil {
		return nil, err
	}

	set := &model.ResolvedGrantSet{HostID: host.ID, HostName: host.Name}

	// Dangling and disabled users' grants are dropped before any duplicate
	// handling: a row that cannot contribute keys cannot conflict either.
	// Surviving duplicates collapse when their options are identical;
	// different options are a data inconsistency we refuse to resolve.
	users := make(map[int]*model.User)
	effective := make(map[int]string)
	for _, g := range grants {
		if g.GroupID != 0 {
			return nil, &UnsupportedGroupGrantError{Host: host.Name, GroupID: g.GroupID}
		}
		user, seen := users[g.UserID]
		if !seen {
			user, err = r.src.GetUserByID(ctx, g.UserID)
			if err != nil {
				return nil, fmt.Errorf("fetch user %d: %w", g.UserID, err)
			}
			users[g.UserID] = user
		}
		if user == nil {
			if !seen {
				logging.Warnf("grant on host %s references missing user %d", host.Name, g.UserID)
			}
			continue
		}
		if !user.Enabled {
			continue
		}
		if prev, ok := effective[g.UserID]; ok {
			if prev != g.Options {
				return nil, &ConflictingGrantError{Host: host.Name, User: user.Username}
			}
			continue
		}
		effective[g.UserID] = g.Options
	}

	for userID, options := range effective {
		user := users[userID]

		keys, err := r.src.GetKeysForUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("fetch keys for user %s: %w", user.Username, err)
		}
		// A user with zero keys contributes nothing; that is not an error.
		for _, key := range keys {
			canonical, err := sshkey.Validate(key.Algorithm, key.KeyData)
			if err != nil {
				logging.Warnf("skipping key %d of user %s: %v", key.ID, user.Username, err)
				set.Skipped = append(set.Skipped, model.SkippedKey{
					Username: user.Username,
					KeyID:    key.ID,
					Reason:   err.Error(),
				})
				continue
			}
			if owner, ok := owners[canonical.Fingerprint]; ok && owner != userID {
				logging.Warnf("skipping key %d of user %s: material also claimed by user %d", key.ID, user.Username, owner)
				set.Skipped = append(set.Skipped, model.SkippedKey{
					Username: user.Username,
					KeyID:    key.ID,
					Reason:   fmt.Sprintf("key material also claimed by user %d", owner),
				})
				continue
			}
			canonical.Comment = key.Comment
			set.Grants = append(set.Grants, model.ResolvedGrant{
				Username:    user.Username,
				Algorithm:   canonical.Algorithm,
				KeyData:     canonical.KeyData,
				Comment:     canonical.Comment,
				Fingerprint: canonical.Fingerprint,
				Options:     options,
			})
		}
	}

	sort.Slice(set.Grants, func(i, j int) bool {
		if set.Grants[i].Username != set.Grants[j].Username {
			return set.Grants[i].Username < set.Grants[j].Username
		}
		return set.Grants[i].Fingerprint < set.Grants[j].Fingerprint
	})

	return set, nil
}

// keyOwners maps each valid key fingerprint to the id of the first user
// claiming it (lowest key row id wins). Later claims of the same material
// are treated as duplicates and skipped during resolution.
func (r *Resolver) keyOwners(ctx context.Context) (map[string]int, error) {
	all, err := r.src.GetAllUserKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch key table: %w", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	owners := make(map[string]int, len(all))
	for _, key := range all {
		canonical, err := sshkey.Validate(key.Algorithm, key.KeyData)
		if err != nil {
			// Malformed rows are reported where they are used.
			continue
		}
		if _, ok := owners[canonical.Fingerprint]; !ok {
			owners[canonical.Fingerprint] = key.UserID
		}
	}
	return owners, nil
}
