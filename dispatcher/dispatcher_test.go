// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mxcli-dev/mxcli/lib/ref"
	"github.com/mxcli-dev/mxcli/matrix"
	"github.com/mxcli-dev/mxcli/statecache"
	"github.com/mxcli-dev/mxcli/syncer"
)

// fakeHomeserver serves the endpoints dispatcher tests exercise. Sync
// always reports an empty delta so catch-ups terminate immediately,
// unless syncResponse is set for the first sync call.
type fakeHomeserver struct {
	mux       *http.ServeMux
	syncCalls int
	// syncResponse is served by the first sync call when set.
	syncResponse *matrix.SyncResponse
	// lateResponse is served by sync call number lateOnCall, emulating
	// an event that arrives after the initial catch-up finished.
	lateResponse *matrix.SyncResponse
	lateOnCall   int
}

func newFixture(t *testing.T) (*Dispatcher, *fakeHomeserver) {
	t.Helper()
	fake := &fakeHomeserver{mux: http.NewServeMux()}

	fake.mux.HandleFunc("GET /_matrix/client/v3/sync", func(writer http.ResponseWriter, request *http.Request) {
		fake.syncCalls++
		writer.Header().Set("Content-Type", "application/json")
		if fake.syncResponse != nil {
			response := fake.syncResponse
			fake.syncResponse = nil
			json.NewEncoder(writer).Encode(response)
			return
		}
		if fake.lateResponse != nil && fake.syncCalls == fake.lateOnCall {
			json.NewEncoder(writer).Encode(fake.lateResponse)
			return
		}
		since := request.URL.Query().Get("since")
		if since == "" {
			since = "s0"
		}
		json.NewEncoder(writer).Encode(matrix.SyncResponse{NextBatch: since})
	})

	server := httptest.NewServer(fake.mux)
	t.Cleanup(server.Close)

	client, err := matrix.NewClient(matrix.ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	session, err := client.SessionFromToken(ref.MustParseUserID("@alice:test.local"), "DEVICE1", "syt_token")
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	cache, err := statecache.Open(t.TempDir(), statecache.Identity{
		UserID:        ref.MustParseUserID("@alice:test.local"),
		HomeserverURL: server.URL,
	})
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}

	engine, err := syncer.New(syncer.Config{Source: session, Cache: cache})
	if err != nil {
		t.Fatalf("creating engine: %v", err)
	}

	dispatch, err := New(Config{Session: session, Engine: engine, Cache: cache})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return dispatch, fake
}

func TestResolveRoom(t *testing.T) {
	dispatch, fake := newFixture(t)

	t.Run("room ID passes through without network", func(t *testing.T) {
		roomID, err := dispatch.ResolveRoom(context.Background(), "!room:test.local")
		if err != nil {
			t.Fatalf("ResolveRoom failed: %v", err)
		}
		if roomID != ref.MustParseRoomID("!room:test.local") {
			t.Errorf("roomID = %s", roomID)
		}
	})

	t.Run("alias resolves through directory", func(t *testing.T) {
		fake.mux.HandleFunc("GET /_matrix/client/v3/directory/room/", func(writer http.ResponseWriter, _ *http.Request) {
			writer.Header().Set("Content-Type", "application/json")
			io.WriteString(writer, `{"room_id": "!resolved:test.local", "servers": []}`)
		})
		roomID, err := dispatch.ResolveRoom(context.Background(), "#lobby:test.local")
		if err != nil {
			t.Fatalf("ResolveRoom failed: %v", err)
		}
		if roomID != ref.MustParseRoomID("!resolved:test.local") {
			t.Errorf("roomID = %s", roomID)
		}
	})

	t.Run("bare name rejected", func(t *testing.T) {
		if _, err := dispatch.ResolveRoom(context.Background(), "lobby"); err == nil {
			t.Error("expected error for target without sigil")
		}
	})
}

func TestCreateRoom(t *testing.T) {
	dispatch, fake := newFixture(t)

	var gotRequest matrix.CreateRoomRequest
	fake.mux.HandleFunc("POST /_matrix/client/v3/createRoom", func(writer http.ResponseWriter, request *http.Request) {
		if err := json.NewDecoder(request.Body).Decode(&gotRequest); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		writer.Header().Set("Content-Type", "application/json")
		io.WriteString(writer, `{"room_id": "!new:test.local"}`)
	})

	roomID, err := dispatch.CreateRoom(context.Background(), CreateRoomOptions{
		Name:   "Lobby",
		Topic:  "general chatter",
		Alias:  "lobby",
		Public: true,
		Invite: []ref.UserID{ref.MustParseUserID("@bob:test.local")},
	})
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if roomID != ref.MustParseRoomID("!new:test.local") {
		t.Errorf("roomID = %s", roomID)
	}
	if gotRequest.Visibility != "public" || gotRequest.Preset != "public_chat" {
		t.Errorf("visibility/preset = %q/%q", gotRequest.Visibility, gotRequest.Preset)
	}
	if gotRequest.Alias != "lobby" {
		t.Errorf("alias = %q", gotRequest.Alias)
	}
	if len(gotRequest.Invite) != 1 || gotRequest.Invite[0] != "@bob:test.local" {
		t.Errorf("invite = %v", gotRequest.Invite)
	}
}

func TestCreateRoomDefaultsPrivate(t *testing.T) {
	dispatch, fake := newFixture(t)

	var gotRequest matrix.CreateRoomRequest
	fake.mux.HandleFunc("POST /_matrix/client/v3/createRoom", func(writer http.ResponseWriter, request *http.Request) {
		json.NewDecoder(request.Body).Decode(&gotRequest)
		writer.Header().Set("Content-Type", "application/json")
		io.WriteString(writer, `{"room_id": "!new:test.local"}`)
	})

	if _, err := dispatch.CreateRoom(context.Background(), CreateRoomOptions{Name: "Private"}); err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if gotRequest.Visibility != "private" || gotRequest.Preset != "private_chat" {
		t.Errorf("visibility/preset = %q/%q", gotRequest.Visibility, gotRequest.Preset)
	}
}

func TestJoinRoomByAlias(t *testing.T) {
	dispatch, fake := newFixture(t)

	fake.mux.HandleFunc("GET /_matrix/client/v3/directory/room/", func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		io.WriteString(writer, `{"room_id": "!resolved:test.local", "servers": []}`)
	})
	var joinedPath string
	fake.mux.HandleFunc("POST /_matrix/client/v3/join/", func(writer http.ResponseWriter, request *http.Request) {
		joinedPath = request.URL.EscapedPath()
		writer.Header().Set("Content-Type", "application/json")
		io.WriteString(writer, `{"room_id": "!resolved:test.local"}`)
	})

	roomID, err := dispatch.JoinRoom(context.Background(), "#lobby:test.local")
	if err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	if roomID != ref.MustParseRoomID("!resolved:test.local") {
		t.Errorf("roomID = %s", roomID)
	}
	if !strings.Contains(joinedPath, "%21resolved:test.local") {
		t.Errorf("join used wrong room: %s", joinedPath)
	}
}

func TestSendText(t *testing.T) {
	dispatch, fake := newFixture(t)

	fake.mux.HandleFunc("PUT /_matrix/client/v3/rooms/", func(writer http.ResponseWriter, request *http.Request) {
		var content matrix.MessageContent
		json.NewDecoder(request.Body).Decode(&content)
		if content.Body != "hello" || content.MsgType != "m.text" {
			t.Errorf("unexpected content: %+v", content)
		}
		writer.Header().Set("Content-Type", "application/json")
		io.WriteString(writer, `{"event_id": "$sent"}`)
	})

	eventID, err := dispatch.SendText(context.Background(), "!room:test.local", "hello")
	if err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if eventID != ref.MustParseEventID("$sent") {
		t.Errorf("eventID = %s", eventID)
	}
}

func TestRooms(t *testing.T) {
	dispatch, fake := newFixture(t)

	// First sync delivers one joined room, subsequent syncs are empty.
	fake.syncResponse = &matrix.SyncResponse{
		NextBatch: "s1",
		Rooms: matrix.RoomsSection{
			Join: map[ref.RoomID]matrix.JoinedRoom{
				ref.MustParseRoomID("!room:test.local"): {
					State: matrix.StateSection{
						Events: []matrix.Event{{
							Type:    "m.room.name",
							Content: map[string]any{"name": "Lobby"},
						}},
					},
				},
			},
		},
	}

	rooms, err := dispatch.Rooms(context.Background(), statecache.MembershipJoined)
	if err != nil {
		t.Fatalf("Rooms failed: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("expected 1 joined room, got %d", len(rooms))
	}
	if rooms[0].Name != "Lobby" {
		t.Errorf("Name = %q", rooms[0].Name)
	}

	invited, err := dispatch.Rooms(context.Background(), statecache.MembershipInvited)
	if err != nil {
		t.Fatalf("Rooms failed: %v", err)
	}
	if len(invited) != 0 {
		t.Errorf("expected no invited rooms, got %d", len(invited))
	}
}

func TestDisplayNameDefaultsToSelf(t *testing.T) {
	dispatch, fake := newFixture(t)

	var queriedPath string
	fake.mux.HandleFunc("GET /_matrix/client/v3/profile/", func(writer http.ResponseWriter, request *http.Request) {
		queriedPath = request.URL.EscapedPath()
		writer.Header().Set("Content-Type", "application/json")
		io.WriteString(writer, `{"displayname": "Alice"}`)
	})

	name, err := dispatch.DisplayName(context.Background(), ref.UserID{})
	if err != nil {
		t.Fatalf("DisplayName failed: %v", err)
	}
	if name != "Alice" {
		t.Errorf("name = %q", name)
	}
	if !strings.Contains(queriedPath, "@alice:test.local") {
		t.Errorf("queried wrong user: %s", queriedPath)
	}
}

func TestSetAvatar(t *testing.T) {
	dispatch, fake := newFixture(t)

	var uploadedContentType string
	var profileBody matrix.SetAvatarURLRequest
	fake.mux.HandleFunc("POST /_matrix/media/v3/upload", func(writer http.ResponseWriter, request *http.Request) {
		uploadedContentType = request.Header.Get("Content-Type")
		writer.Header().Set("Content-Type", "application/json")
		io.WriteString(writer, `{"content_uri": "mxc://test.local/avatar1"}`)
	})
	fake.mux.HandleFunc("PUT /_matrix/client/v3/profile/", func(writer http.ResponseWriter, request *http.Request) {
		json.NewDecoder(request.Body).Decode(&profileBody)
		writer.Header().Set("Content-Type", "application/json")
		io.WriteString(writer, `{}`)
	})

	path := filepath.Join(t.TempDir(), "avatar.png")
	if err := os.WriteFile(path, []byte("\x89PNG\r\n\x1a\nfake"), 0644); err != nil {
		t.Fatalf("writing avatar file: %v", err)
	}

	mxcURI, err := dispatch.SetAvatar(context.Background(), path)
	if err != nil {
		t.Fatalf("SetAvatar failed: %v", err)
	}
	if mxcURI != "mxc://test.local/avatar1" {
		t.Errorf("mxcURI = %q", mxcURI)
	}
	if uploadedContentType != "image/png" {
		t.Errorf("content type = %q, want image/png", uploadedContentType)
	}
	if profileBody.AvatarURL != "mxc://test.local/avatar1" {
		t.Errorf("profile avatar_url = %q", profileBody.AvatarURL)
	}
}

func TestSetAvatarRejectsNonImage(t *testing.T) {
	dispatch, _ := newFixture(t)

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("plain text"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	if _, err := dispatch.SetAvatar(context.Background(), path); err == nil {
		t.Error("expected error for non-image avatar")
	}
}

func TestListenDeliversMessages(t *testing.T) {
	dispatch, fake := newFixture(t)

	// The initial catch-up takes two sync calls (fetch cursor, confirm
	// empty); the message arrives on Listen's first long poll.
	fake.lateOnCall = 3
	fake.lateResponse = &matrix.SyncResponse{
		NextBatch: "s1",
		Rooms: matrix.RoomsSection{
			Join: map[ref.RoomID]matrix.JoinedRoom{
				ref.MustParseRoomID("!room:test.local"): {
					Timeline: matrix.TimelineSection{
						Events: []matrix.Event{{
							EventID: ref.MustParseEventID("$m1"),
							Type:    "m.room.message",
							Sender:  ref.MustParseUserID("@bob:test.local"),
							Content: map[string]any{"msgtype": "m.text", "body": "hi"},
						}},
					},
				},
			},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan syncer.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- dispatch.Listen(ctx, "!room:test.local", events)
	}()

	message := <-events
	if message.Body != "hi" {
		t.Errorf("message = %q", message.Body)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Listen returned error on cancel: %v", err)
	}
}
