// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

package statecache

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/mxcli-dev/mxcli/lib/atomicfile"
	"github.com/mxcli-dev/mxcli/lib/ref"
	"github.com/mxcli-dev/mxcli/matrix"
)

// snapshotFileName is the single snapshot file inside an identity's
// cache directory.
const snapshotFileName = "state.cbor.zst"

// snapshotVersion guards the on-disk encoding. A reader that sees a
// different version reports corruption instead of guessing.
const snapshotVersion = 1

// Cache holds the synced room state for one identity and persists it
// as an atomic snapshot after every applied delta. Safe for concurrent
// use.
type Cache struct {
	path string

	mu     sync.Mutex
	cursor string
	rooms  map[ref.RoomID]*roomState
}

// roomState is the mutable in-memory form of one room. Power levels
// are kept separately from the member map because an
// m.room.power_levels event may arrive before the members it names;
// Snapshot joins the two.
type roomState struct {
	name        string
	membership  Membership
	members     map[ref.UserID]*memberState
	powerLevels map[ref.UserID]int64
}

type memberState struct {
	displayName string
	avatarURL   string
}

// On-disk shapes. Keys are plain strings so the CBOR layout stays
// independent of the in-memory ID types.
type snapshotFile struct {
	Version int                   `cbor:"version"`
	Cursor  string                `cbor:"cursor"`
	Rooms   map[string]roomRecord `cbor:"rooms"`
}

type roomRecord struct {
	Name        string                  `cbor:"name,omitempty"`
	Membership  string                  `cbor:"membership"`
	Members     map[string]memberRecord `cbor:"members,omitempty"`
	PowerLevels map[string]int64        `cbor:"power_levels,omitempty"`
}

type memberRecord struct {
	DisplayName string `cbor:"display_name,omitempty"`
	AvatarURL   string `cbor:"avatar_url,omitempty"`
}

// Open loads (or initializes) the cache for an identity under
// storeDir. Each identity gets its own subdirectory named by a hash of
// the user ID and homeserver URL, so concurrent use of different
// accounts never collides. A missing snapshot is an empty cache; an
// undecodable one is a *CorruptError.
func Open(storeDir string, identity Identity) (*Cache, error) {
	if identity.UserID.IsZero() {
		return nil, fmt.Errorf("statecache: identity has no user ID")
	}
	if identity.HomeserverURL == "" {
		return nil, fmt.Errorf("statecache: identity has no homeserver URL")
	}

	directory := filepath.Join(storeDir, identityKey(identity))
	if err := os.MkdirAll(directory, 0700); err != nil {
		return nil, fmt.Errorf("statecache: creating cache directory: %w", err)
	}

	cache := &Cache{
		path:  filepath.Join(directory, snapshotFileName),
		rooms: make(map[ref.RoomID]*roomState),
	}
	if err := cache.load(); err != nil {
		return nil, err
	}
	return cache, nil
}

// identityKey derives the cache directory name for an identity. A hash
// keeps the name filesystem-safe regardless of what characters the
// user ID or URL contain.
func identityKey(identity Identity) string {
	hasher := blake3.New()
	hasher.WriteString(identity.UserID.String())
	hasher.WriteString("\x00")
	hasher.WriteString(identity.HomeserverURL)
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// Path returns the snapshot file location.
func (c *Cache) Path() string {
	return c.path
}

// Cursor returns the sync token of the last fully applied delta, or ""
// when the cache is empty and the next sync must be an initial sync.
func (c *Cache) Cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Apply folds a sync response into the cache and persists the result.
// The cursor advances to the response's next_batch only as part of the
// same snapshot write, so the persisted cursor never runs ahead of the
// persisted state. Applying the same response twice converges to the
// same state: membership and profile events carry absolute values, not
// increments.
func (c *Cache) Apply(delta *matrix.SyncResponse) error {
	if delta == nil {
		return fmt.Errorf("statecache: nil sync response")
	}
	if delta.NextBatch == "" {
		return fmt.Errorf("statecache: sync response has no next_batch token")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for roomID, joined := range delta.Rooms.Join {
		room := c.room(roomID)
		room.membership = MembershipJoined
		for _, event := range joined.State.Events {
			room.applyStateEvent(event)
		}
		for _, event := range joined.Timeline.Events {
			room.applyStateEvent(event)
		}
	}
	for roomID, invited := range delta.Rooms.Invite {
		room := c.room(roomID)
		room.membership = MembershipInvited
		for _, event := range invited.InviteState.Events {
			room.applyStateEvent(event)
		}
	}
	for roomID, left := range delta.Rooms.Leave {
		room := c.room(roomID)
		room.membership = MembershipLeft
		for _, event := range left.State.Events {
			room.applyStateEvent(event)
		}
		for _, event := range left.Timeline.Events {
			room.applyStateEvent(event)
		}
	}

	previousCursor := c.cursor
	c.cursor = delta.NextBatch
	if err := c.save(); err != nil {
		// The snapshot on disk still holds the previous cursor; roll the
		// in-memory cursor back so a retry re-applies the same delta.
		c.cursor = previousCursor
		return err
	}
	return nil
}

func (c *Cache) room(roomID ref.RoomID) *roomState {
	room, ok := c.rooms[roomID]
	if !ok {
		room = &roomState{
			members:     make(map[ref.UserID]*memberState),
			powerLevels: make(map[ref.UserID]int64),
		}
		c.rooms[roomID] = room
	}
	return room
}

// applyStateEvent updates room state from a single event. State events
// in Matrix carry the full new value, so applying one is idempotent.
// Non-state events (plain messages) fall through untouched.
func (r *roomState) applyStateEvent(event matrix.Event) {
	switch event.Type {
	case "m.room.name":
		if name, ok := event.Content["name"].(string); ok {
			r.name = name
		}
	case "m.room.member":
		if event.StateKey == nil {
			return
		}
		userID, err := ref.ParseUserID(*event.StateKey)
		if err != nil {
			return
		}
		membership, _ := event.Content["membership"].(string)
		switch membership {
		case "join", "invite":
			member := r.members[userID]
			if member == nil {
				member = &memberState{}
				r.members[userID] = member
			}
			if displayName, ok := event.Content["displayname"].(string); ok {
				member.displayName = displayName
			}
			if avatarURL, ok := event.Content["avatar_url"].(string); ok {
				member.avatarURL = avatarURL
			}
		case "leave", "ban":
			delete(r.members, userID)
		}
	case "m.room.power_levels":
		users, ok := event.Content["users"].(map[string]any)
		if !ok {
			return
		}
		r.powerLevels = make(map[ref.UserID]int64, len(users))
		for rawUserID, rawLevel := range users {
			userID, err := ref.ParseUserID(rawUserID)
			if err != nil {
				continue
			}
			// JSON numbers decode as float64; power levels are small
			// integers in practice.
			if level, ok := rawLevel.(float64); ok {
				r.powerLevels[userID] = int64(level)
			}
		}
	}
}

// Snapshot returns a deep copy of all cached rooms, sorted by room ID.
func (c *Cache) Snapshot() []RoomState {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]RoomState, 0, len(c.rooms))
	for roomID, room := range c.rooms {
		state := RoomState{
			RoomID:     roomID,
			Name:       room.name,
			Membership: room.membership,
			Members:    make(map[ref.UserID]MemberInfo, len(room.members)),
		}
		for userID, member := range room.members {
			state.Members[userID] = MemberInfo{
				DisplayName: member.displayName,
				AvatarURL:   member.avatarURL,
				PowerLevel:  room.powerLevels[userID],
			}
		}
		rooms = append(rooms, state)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].RoomID.String() < rooms[j].RoomID.String()
	})
	return rooms
}

// Rooms returns the snapshot filtered to one membership.
func (c *Cache) Rooms(membership Membership) []RoomState {
	all := c.Snapshot()
	filtered := all[:0]
	for _, room := range all {
		if room.Membership == membership {
			filtered = append(filtered, room)
		}
	}
	return filtered
}

func (c *Cache) load() error {
	compressed, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("statecache: reading snapshot %s: %w", c.path, err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("statecache: initializing decompressor: %w", err)
	}
	defer decoder.Close()

	plain, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return &CorruptError{Path: c.path, Err: err}
	}

	var file snapshotFile
	if err := cbor.Unmarshal(plain, &file); err != nil {
		return &CorruptError{Path: c.path, Err: err}
	}
	if file.Version != snapshotVersion {
		return &CorruptError{Path: c.path, Err: fmt.Errorf("unsupported snapshot version %d", file.Version)}
	}

	c.cursor = file.Cursor
	c.rooms = make(map[ref.RoomID]*roomState, len(file.Rooms))
	for rawRoomID, record := range file.Rooms {
		roomID, err := ref.ParseRoomID(rawRoomID)
		if err != nil {
			return &CorruptError{Path: c.path, Err: fmt.Errorf("invalid room ID %q: %w", rawRoomID, err)}
		}
		room := &roomState{
			name:        record.Name,
			membership:  Membership(record.Membership),
			members:     make(map[ref.UserID]*memberState, len(record.Members)),
			powerLevels: make(map[ref.UserID]int64, len(record.PowerLevels)),
		}
		for rawUserID, member := range record.Members {
			userID, err := ref.ParseUserID(rawUserID)
			if err != nil {
				return &CorruptError{Path: c.path, Err: fmt.Errorf("invalid user ID %q: %w", rawUserID, err)}
			}
			room.members[userID] = &memberState{
				displayName: member.DisplayName,
				avatarURL:   member.AvatarURL,
			}
		}
		for rawUserID, level := range record.PowerLevels {
			userID, err := ref.ParseUserID(rawUserID)
			if err != nil {
				return &CorruptError{Path: c.path, Err: fmt.Errorf("invalid user ID %q: %w", rawUserID, err)}
			}
			room.powerLevels[userID] = level
		}
		c.rooms[roomID] = room
	}
	return nil
}

// save is called with c.mu held.
func (c *Cache) save() error {
	file := snapshotFile{
		Version: snapshotVersion,
		Cursor:  c.cursor,
		Rooms:   make(map[string]roomRecord, len(c.rooms)),
	}
	for roomID, room := range c.rooms {
		record := roomRecord{
			Name:       room.name,
			Membership: string(room.membership),
		}
		if len(room.members) > 0 {
			record.Members = make(map[string]memberRecord, len(room.members))
			for userID, member := range room.members {
				record.Members[userID.String()] = memberRecord{
					DisplayName: member.displayName,
					AvatarURL:   member.avatarURL,
				}
			}
		}
		if len(room.powerLevels) > 0 {
			record.PowerLevels = make(map[string]int64, len(room.powerLevels))
			for userID, level := range room.powerLevels {
				record.PowerLevels[userID.String()] = level
			}
		}
		file.Rooms[roomID.String()] = record
	}

	plain, err := cbor.Marshal(file)
	if err != nil {
		return fmt.Errorf("statecache: encoding snapshot: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("statecache: initializing compressor: %w", err)
	}
	compressed := encoder.EncodeAll(plain, nil)
	encoder.Close()

	if err := atomicfile.WriteFile(c.path, compressed, 0600); err != nil {
		return fmt.Errorf("statecache: writing snapshot: %w", err)
	}
	return nil
}
