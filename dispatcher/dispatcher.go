// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mxcli-dev/mxcli/lib/ref"
	"github.com/mxcli-dev/mxcli/matrix"
	"github.com/mxcli-dev/mxcli/statecache"
	"github.com/mxcli-dev/mxcli/syncer"
)

// Config wires a Dispatcher. Session, Engine, and Cache are required.
type Config struct {
	Session *matrix.Session
	Engine  *syncer.Engine
	Cache   *statecache.Cache
	Logger  *slog.Logger
}

// Dispatcher executes chat verbs against an authenticated session.
type Dispatcher struct {
	session *matrix.Session
	engine  *syncer.Engine
	cache   *statecache.Cache
	logger  *slog.Logger
}

// New creates a Dispatcher.
func New(config Config) (*Dispatcher, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("dispatcher: Session is required")
	}
	if config.Engine == nil {
		return nil, fmt.Errorf("dispatcher: Engine is required")
	}
	if config.Cache == nil {
		return nil, fmt.Errorf("dispatcher: Cache is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		session: config.Session,
		engine:  config.Engine,
		cache:   config.Cache,
		logger:  logger,
	}, nil
}

// UserID returns the authenticated user.
func (d *Dispatcher) UserID() ref.UserID {
	return d.session.UserID()
}

// ResolveRoom turns a room argument into a room ID. Room IDs pass
// through after validation; aliases are resolved via the server
// directory.
func (d *Dispatcher) ResolveRoom(ctx context.Context, target string) (ref.RoomID, error) {
	switch {
	case strings.HasPrefix(target, "!"):
		return ref.ParseRoomID(target)
	case strings.HasPrefix(target, "#"):
		alias, err := ref.ParseRoomAlias(target)
		if err != nil {
			return ref.RoomID{}, err
		}
		return d.session.ResolveAlias(ctx, alias)
	default:
		return ref.RoomID{}, fmt.Errorf("dispatcher: room %q must start with ! (room ID) or # (alias)", target)
	}
}

// CreateRoomOptions holds parameters for CreateRoom. Alias is the
// local part only ("lobby", not "#lobby:server").
type CreateRoomOptions struct {
	Name   string
	Topic  string
	Alias  string
	Public bool
	Invite []ref.UserID
}

// CreateRoom creates a room and returns its ID.
func (d *Dispatcher) CreateRoom(ctx context.Context, options CreateRoomOptions) (ref.RoomID, error) {
	request := matrix.CreateRoomRequest{
		Name:       options.Name,
		Topic:      options.Topic,
		Alias:      options.Alias,
		Visibility: "private",
		Preset:     "private_chat",
	}
	if options.Public {
		request.Visibility = "public"
		request.Preset = "public_chat"
	}
	for _, userID := range options.Invite {
		request.Invite = append(request.Invite, userID.String())
	}

	response, err := d.session.CreateRoom(ctx, request)
	if err != nil {
		return ref.RoomID{}, err
	}
	d.refresh(ctx)
	return response.RoomID, nil
}

// JoinRoom joins a room by ID or alias and returns the room ID
// confirmed by the server.
func (d *Dispatcher) JoinRoom(ctx context.Context, target string) (ref.RoomID, error) {
	roomID, err := d.ResolveRoom(ctx, target)
	if err != nil {
		return ref.RoomID{}, err
	}
	joined, err := d.session.JoinRoom(ctx, roomID)
	if err != nil {
		return ref.RoomID{}, err
	}
	d.refresh(ctx)
	return joined, nil
}

// LeaveRoom leaves a room by ID or alias.
func (d *Dispatcher) LeaveRoom(ctx context.Context, target string) error {
	roomID, err := d.ResolveRoom(ctx, target)
	if err != nil {
		return err
	}
	if err := d.session.LeaveRoom(ctx, roomID); err != nil {
		return err
	}
	d.refresh(ctx)
	return nil
}

// Invite invites a user to a room.
func (d *Dispatcher) Invite(ctx context.Context, target string, userID ref.UserID) error {
	roomID, err := d.ResolveRoom(ctx, target)
	if err != nil {
		return err
	}
	return d.session.InviteUser(ctx, roomID, userID)
}

// Kick removes a user from a room.
func (d *Dispatcher) Kick(ctx context.Context, target string, userID ref.UserID, reason string) error {
	roomID, err := d.ResolveRoom(ctx, target)
	if err != nil {
		return err
	}
	return d.session.KickUser(ctx, roomID, userID, reason)
}

// Ban bans a user from a room.
func (d *Dispatcher) Ban(ctx context.Context, target string, userID ref.UserID, reason string) error {
	roomID, err := d.ResolveRoom(ctx, target)
	if err != nil {
		return err
	}
	return d.session.BanUser(ctx, roomID, userID, reason)
}

// Unban lifts a ban.
func (d *Dispatcher) Unban(ctx context.Context, target string, userID ref.UserID) error {
	roomID, err := d.ResolveRoom(ctx, target)
	if err != nil {
		return err
	}
	return d.session.UnbanUser(ctx, roomID, userID)
}

// CreateAlias points a new directory alias at a room.
func (d *Dispatcher) CreateAlias(ctx context.Context, alias string, target string) error {
	parsed, err := ref.ParseRoomAlias(alias)
	if err != nil {
		return err
	}
	roomID, err := d.ResolveRoom(ctx, target)
	if err != nil {
		return err
	}
	return d.session.CreateAlias(ctx, parsed, roomID)
}

// SendText sends a plain text message and returns the event ID. A
// failed send is never retried here: the caller decides whether to
// resubmit, since a timed-out send may still have been applied.
func (d *Dispatcher) SendText(ctx context.Context, target string, body string) (ref.EventID, error) {
	roomID, err := d.ResolveRoom(ctx, target)
	if err != nil {
		return ref.EventID{}, err
	}
	return d.session.SendMessage(ctx, roomID, matrix.NewTextMessage(body))
}

// Listen catches up, then long-polls and delivers room messages to
// events until ctx is canceled. target may be empty to listen on all
// joined rooms.
func (d *Dispatcher) Listen(ctx context.Context, target string, events chan<- syncer.Message) error {
	var roomID ref.RoomID
	if target != "" {
		resolved, err := d.ResolveRoom(ctx, target)
		if err != nil {
			return err
		}
		roomID = resolved
	}
	if err := d.engine.CatchUp(ctx); err != nil {
		return err
	}
	return d.engine.Listen(ctx, roomID, events)
}

// Rooms catches up and returns cached rooms with the given membership.
func (d *Dispatcher) Rooms(ctx context.Context, membership statecache.Membership) ([]statecache.RoomState, error) {
	if err := d.engine.CatchUp(ctx); err != nil {
		return nil, err
	}
	return d.cache.Rooms(membership), nil
}

// Members returns the member list of a room, straight from the server.
func (d *Dispatcher) Members(ctx context.Context, target string) ([]matrix.RoomMember, error) {
	roomID, err := d.ResolveRoom(ctx, target)
	if err != nil {
		return nil, err
	}
	return d.session.GetRoomMembers(ctx, roomID)
}

// DisplayName fetches a user's display name. A zero userID queries the
// authenticated user.
func (d *Dispatcher) DisplayName(ctx context.Context, userID ref.UserID) (string, error) {
	if userID.IsZero() {
		userID = d.session.UserID()
	}
	return d.session.GetDisplayName(ctx, userID)
}

// SetDisplayName sets the authenticated user's display name.
func (d *Dispatcher) SetDisplayName(ctx context.Context, displayName string) error {
	return d.session.SetDisplayName(ctx, displayName)
}

// AvatarURL fetches a user's avatar MXC URI. A zero userID queries the
// authenticated user.
func (d *Dispatcher) AvatarURL(ctx context.Context, userID ref.UserID) (string, error) {
	if userID.IsZero() {
		userID = d.session.UserID()
	}
	return d.session.GetAvatarURL(ctx, userID)
}

// SetAvatar uploads an image file to the media repository and points
// the authenticated user's avatar at it. Returns the MXC URI.
func (d *Dispatcher) SetAvatar(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("dispatcher: opening avatar file: %w", err)
	}
	defer file.Close()

	contentType, err := detectContentType(file, path)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("dispatcher: avatar file %s is %s, not an image", path, contentType)
	}

	mxcURI, err := d.session.UploadMedia(ctx, contentType, file)
	if err != nil {
		return "", err
	}
	if err := d.session.SetAvatarURL(ctx, mxcURI); err != nil {
		return "", err
	}
	return mxcURI, nil
}

// refresh pulls the mutation's effects into the state cache. The
// mutation itself already succeeded, so a refresh failure is logged
// rather than turned into a command failure — the next read catches up
// again anyway.
func (d *Dispatcher) refresh(ctx context.Context) {
	if err := d.engine.CatchUp(ctx); err != nil {
		d.logger.Warn("state refresh after mutation failed", "error", err)
	}
}

// detectContentType determines a file's MIME type from its extension,
// falling back to content sniffing. The file's read position is
// restored afterwards.
func detectContentType(file *os.File, path string) (string, error) {
	if byExtension := mime.TypeByExtension(filepath.Ext(path)); byExtension != "" {
		// Strip any parameters ("; charset=...").
		if semicolon := strings.Index(byExtension, ";"); semicolon >= 0 {
			byExtension = byExtension[:semicolon]
		}
		return strings.TrimSpace(byExtension), nil
	}

	header := make([]byte, 512)
	n, err := file.Read(header)
	if err != nil && n == 0 {
		return "", fmt.Errorf("dispatcher: reading avatar file: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return "", fmt.Errorf("dispatcher: rewinding avatar file: %w", err)
	}
	return http.DetectContentType(header[:n]), nil
}
