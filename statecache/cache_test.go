// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

package statecache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mxcli-dev/mxcli/lib/ref"
	"github.com/mxcli-dev/mxcli/matrix"
)

func testIdentity() Identity {
	return Identity{
		UserID:        ref.MustParseUserID("@alice:test.local"),
		HomeserverURL: "https://matrix.test.local",
	}
}

func stateKey(value string) *string {
	return &value
}

// testDelta builds a sync response with one joined room containing a
// name, two members, and power levels.
func testDelta(nextBatch string) *matrix.SyncResponse {
	return &matrix.SyncResponse{
		NextBatch: nextBatch,
		Rooms: matrix.RoomsSection{
			Join: map[ref.RoomID]matrix.JoinedRoom{
				ref.MustParseRoomID("!room:test.local"): {
					State: matrix.StateSection{
						Events: []matrix.Event{
							{
								Type:    "m.room.name",
								Content: map[string]any{"name": "Lobby"},
							},
							{
								Type:     "m.room.member",
								StateKey: stateKey("@alice:test.local"),
								Content:  map[string]any{"membership": "join", "displayname": "Alice"},
							},
							{
								Type:     "m.room.member",
								StateKey: stateKey("@bob:test.local"),
								Content:  map[string]any{"membership": "join"},
							},
							{
								Type: "m.room.power_levels",
								Content: map[string]any{
									"users": map[string]any{"@alice:test.local": float64(100)},
								},
							},
						},
					},
				},
			},
		},
	}
}

func TestOpenEmpty(t *testing.T) {
	cache, err := Open(t.TempDir(), testIdentity())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if cache.Cursor() != "" {
		t.Errorf("Cursor = %q, want empty for new cache", cache.Cursor())
	}
	if rooms := cache.Snapshot(); len(rooms) != 0 {
		t.Errorf("Snapshot returned %d rooms for new cache", len(rooms))
	}
}

func TestApplyAndSnapshot(t *testing.T) {
	cache, err := Open(t.TempDir(), testIdentity())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := cache.Apply(testDelta("s1")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if cache.Cursor() != "s1" {
		t.Errorf("Cursor = %q, want s1", cache.Cursor())
	}

	rooms := cache.Snapshot()
	if len(rooms) != 1 {
		t.Fatalf("expected 1 room, got %d", len(rooms))
	}
	room := rooms[0]
	if room.RoomID != ref.MustParseRoomID("!room:test.local") {
		t.Errorf("RoomID = %s", room.RoomID)
	}
	if room.Name != "Lobby" {
		t.Errorf("Name = %q, want Lobby", room.Name)
	}
	if room.Membership != MembershipJoined {
		t.Errorf("Membership = %q", room.Membership)
	}
	alice := room.Members[ref.MustParseUserID("@alice:test.local")]
	if alice.DisplayName != "Alice" {
		t.Errorf("alice DisplayName = %q", alice.DisplayName)
	}
	if alice.PowerLevel != 100 {
		t.Errorf("alice PowerLevel = %d, want 100", alice.PowerLevel)
	}
	bob := room.Members[ref.MustParseUserID("@bob:test.local")]
	if bob.PowerLevel != 0 {
		t.Errorf("bob PowerLevel = %d, want 0", bob.PowerLevel)
	}
}

func TestApplyIdempotent(t *testing.T) {
	cache, err := Open(t.TempDir(), testIdentity())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := cache.Apply(testDelta("s1")); err != nil {
		t.Fatalf("first Apply failed: %v", err)
	}
	first := cache.Snapshot()

	if err := cache.Apply(testDelta("s1")); err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}
	second := cache.Snapshot()

	if cache.Cursor() != "s1" {
		t.Errorf("Cursor = %q after duplicate delta", cache.Cursor())
	}
	if len(first) != len(second) {
		t.Fatalf("room count changed: %d -> %d", len(first), len(second))
	}
	if len(first[0].Members) != len(second[0].Members) {
		t.Errorf("member count changed: %d -> %d", len(first[0].Members), len(second[0].Members))
	}
}

func TestApplyRejectsMissingCursor(t *testing.T) {
	cache, err := Open(t.TempDir(), testIdentity())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := cache.Apply(&matrix.SyncResponse{}); err == nil {
		t.Fatal("expected error for sync response without next_batch")
	}
	if cache.Cursor() != "" {
		t.Errorf("cursor advanced despite rejected delta: %q", cache.Cursor())
	}
}

func TestMembershipTransitions(t *testing.T) {
	cache, err := Open(t.TempDir(), testIdentity())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	roomID := ref.MustParseRoomID("!room:test.local")

	if err := cache.Apply(testDelta("s1")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Bob leaves, then the local user leaves the room entirely.
	leave := &matrix.SyncResponse{
		NextBatch: "s2",
		Rooms: matrix.RoomsSection{
			Leave: map[ref.RoomID]matrix.LeftRoom{
				roomID: {
					Timeline: matrix.TimelineSection{
						Events: []matrix.Event{{
							Type:     "m.room.member",
							StateKey: stateKey("@bob:test.local"),
							Content:  map[string]any{"membership": "leave"},
						}},
					},
				},
			},
		},
	}
	if err := cache.Apply(leave); err != nil {
		t.Fatalf("Apply leave failed: %v", err)
	}

	rooms := cache.Rooms(MembershipLeft)
	if len(rooms) != 1 {
		t.Fatalf("expected 1 left room, got %d", len(rooms))
	}
	if _, present := rooms[0].Members[ref.MustParseUserID("@bob:test.local")]; present {
		t.Error("bob should be removed from members after leaving")
	}
	if len(cache.Rooms(MembershipJoined)) != 0 {
		t.Error("room still listed as joined")
	}
}

func TestInvitedRooms(t *testing.T) {
	cache, err := Open(t.TempDir(), testIdentity())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	invite := &matrix.SyncResponse{
		NextBatch: "s1",
		Rooms: matrix.RoomsSection{
			Invite: map[ref.RoomID]matrix.InvitedRoom{
				ref.MustParseRoomID("!pending:test.local"): {
					InviteState: matrix.StateSection{
						Events: []matrix.Event{{
							Type:    "m.room.name",
							Content: map[string]any{"name": "Secret Club"},
						}},
					},
				},
			},
		},
	}
	if err := cache.Apply(invite); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	rooms := cache.Rooms(MembershipInvited)
	if len(rooms) != 1 {
		t.Fatalf("expected 1 invited room, got %d", len(rooms))
	}
	if rooms[0].Name != "Secret Club" {
		t.Errorf("Name = %q", rooms[0].Name)
	}
}

func TestReopenRestoresState(t *testing.T) {
	storeDir := t.TempDir()

	cache, err := Open(storeDir, testIdentity())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := cache.Apply(testDelta("s1")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	reopened, err := Open(storeDir, testIdentity())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Cursor() != "s1" {
		t.Errorf("Cursor = %q after reopen, want s1", reopened.Cursor())
	}
	rooms := reopened.Snapshot()
	if len(rooms) != 1 {
		t.Fatalf("expected 1 room after reopen, got %d", len(rooms))
	}
	if rooms[0].Name != "Lobby" {
		t.Errorf("Name = %q after reopen", rooms[0].Name)
	}
	alice := rooms[0].Members[ref.MustParseUserID("@alice:test.local")]
	if alice.PowerLevel != 100 {
		t.Errorf("alice PowerLevel = %d after reopen", alice.PowerLevel)
	}
}

func TestApplyFailedSaveKeepsCursor(t *testing.T) {
	storeDir := t.TempDir()

	cache, err := Open(storeDir, testIdentity())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := cache.Apply(testDelta("s1")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Block the snapshot's temporary file with a directory so the next
	// save cannot complete.
	blocker := cache.Path() + ".tmp"
	if err := os.Mkdir(blocker, 0700); err != nil {
		t.Fatalf("creating blocker directory: %v", err)
	}

	if err := cache.Apply(testDelta("s2")); err == nil {
		t.Fatal("Apply succeeded despite blocked snapshot write")
	}
	if cache.Cursor() != "s1" {
		t.Errorf("Cursor = %q after failed save, want s1", cache.Cursor())
	}

	// The on-disk snapshot must be the old one: cursor and state commit
	// together or not at all.
	reopened, err := Open(storeDir, testIdentity())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Cursor() != "s1" {
		t.Errorf("Cursor = %q after reopen, want s1", reopened.Cursor())
	}
	rooms := reopened.Snapshot()
	if len(rooms) != 1 || rooms[0].Name != "Lobby" {
		t.Errorf("snapshot changed despite failed save: %+v", rooms)
	}

	// Once the write path is clear again, the same delta applies.
	if err := os.Remove(blocker); err != nil {
		t.Fatalf("removing blocker directory: %v", err)
	}
	if err := cache.Apply(testDelta("s2")); err != nil {
		t.Fatalf("Apply after clearing blocker failed: %v", err)
	}
	if cache.Cursor() != "s2" {
		t.Errorf("Cursor = %q after retry, want s2", cache.Cursor())
	}
}

func TestIdentitiesAreIsolated(t *testing.T) {
	storeDir := t.TempDir()

	aliceCache, err := Open(storeDir, testIdentity())
	if err != nil {
		t.Fatalf("Open alice failed: %v", err)
	}
	if err := aliceCache.Apply(testDelta("s1")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	bobCache, err := Open(storeDir, Identity{
		UserID:        ref.MustParseUserID("@bob:test.local"),
		HomeserverURL: "https://matrix.test.local",
	})
	if err != nil {
		t.Fatalf("Open bob failed: %v", err)
	}
	if bobCache.Cursor() != "" {
		t.Errorf("bob's cache inherited alice's cursor: %q", bobCache.Cursor())
	}

	// Same user, different homeserver is also a different cache.
	otherServer, err := Open(storeDir, Identity{
		UserID:        ref.MustParseUserID("@alice:test.local"),
		HomeserverURL: "https://other.example.org",
	})
	if err != nil {
		t.Fatalf("Open other server failed: %v", err)
	}
	if otherServer.Cursor() != "" {
		t.Errorf("other-server cache inherited cursor: %q", otherServer.Cursor())
	}
}

func TestCorruptSnapshot(t *testing.T) {
	storeDir := t.TempDir()

	cache, err := Open(storeDir, testIdentity())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := cache.Apply(testDelta("s1")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Overwrite the snapshot with garbage and reopen.
	if err := os.WriteFile(cache.Path(), []byte("not a zstd frame"), 0600); err != nil {
		t.Fatalf("corrupting snapshot: %v", err)
	}

	_, err = Open(storeDir, testIdentity())
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected *CorruptError, got: %v", err)
	}
	if corrupt.Path != cache.Path() {
		t.Errorf("CorruptError.Path = %q", corrupt.Path)
	}
}

func TestOpenValidatesIdentity(t *testing.T) {
	if _, err := Open(t.TempDir(), Identity{HomeserverURL: "https://x"}); err == nil {
		t.Error("expected error for missing user ID")
	}
	if _, err := Open(t.TempDir(), Identity{UserID: ref.MustParseUserID("@a:b")}); err == nil {
		t.Error("expected error for missing homeserver URL")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	cache, err := Open(t.TempDir(), testIdentity())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := cache.Apply(testDelta("s1")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	first := cache.Snapshot()
	delete(first[0].Members, ref.MustParseUserID("@alice:test.local"))

	second := cache.Snapshot()
	if _, present := second[0].Members[ref.MustParseUserID("@alice:test.local")]; !present {
		t.Error("mutating a snapshot leaked into the cache")
	}
}

func TestSnapshotFileName(t *testing.T) {
	storeDir := t.TempDir()
	cache, err := Open(storeDir, testIdentity())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if filepath.Base(cache.Path()) != "state.cbor.zst" {
		t.Errorf("snapshot file = %q", filepath.Base(cache.Path()))
	}
	if filepath.Dir(filepath.Dir(cache.Path())) != storeDir {
		t.Errorf("snapshot not under store dir: %q", cache.Path())
	}
}
