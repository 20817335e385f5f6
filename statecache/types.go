// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

package statecache

import (
	"fmt"

	"github.com/mxcli-dev/mxcli/lib/ref"
)

// Membership is the local user's relationship to a room.
type Membership string

const (
	MembershipJoined  Membership = "joined"
	MembershipInvited Membership = "invited"
	MembershipLeft    Membership = "left"
)

// Identity names whose state a cache holds. Both fields participate in
// the directory key: the same user on two homeservers gets two caches.
type Identity struct {
	UserID        ref.UserID
	HomeserverURL string
}

func (i Identity) String() string {
	return fmt.Sprintf("%s@%s", i.UserID, i.HomeserverURL)
}

// MemberInfo is the cached profile of one room member.
type MemberInfo struct {
	DisplayName string
	AvatarURL   string
	PowerLevel  int64
}

// RoomState is a point-in-time copy of one room's cached state, as
// returned by Snapshot. Mutating it does not affect the cache.
type RoomState struct {
	RoomID     ref.RoomID
	Name       string
	Membership Membership
	Members    map[ref.UserID]MemberInfo
}

// CorruptError is returned by Open when a snapshot file exists but
// cannot be decoded. Corruption is never treated as an empty cache:
// syncing from scratch on top of a damaged snapshot would hide the
// damage. The user resolves it by removing the cache directory.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("statecache: corrupt snapshot %s (remove it to re-sync from scratch): %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}
