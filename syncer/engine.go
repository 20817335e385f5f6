// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/mxcli-dev/mxcli/lib/ref"
	"github.com/mxcli-dev/mxcli/matrix"
	"github.com/mxcli-dev/mxcli/statecache"
)

// SyncSource is the part of an authenticated session the engine needs.
// *matrix.Session satisfies it.
type SyncSource interface {
	Sync(ctx context.Context, options matrix.SyncOptions) (*matrix.SyncResponse, error)
}

// idlePoolCloser is implemented by sources that pool connections.
// After a transient failure the engine drops idle connections so the
// retry does not reuse a poisoned one.
type idlePoolCloser interface {
	CloseIdleConnections()
}

// State describes what the engine is currently doing. Exposed for
// logging and tests; transitions are not synchronized with the work
// they describe beyond the atomic store.
type State int32

const (
	StateIdle State = iota
	StateSyncing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Message is a room message delivered by Listen.
type Message struct {
	RoomID    ref.RoomID
	EventID   ref.EventID
	Sender    ref.UserID
	Body      string
	Timestamp time.Time
}

// Config configures an Engine. Source and Cache are required.
type Config struct {
	Source SyncSource
	Cache  *statecache.Cache
	Logger *slog.Logger

	// LongPollTimeout is how long the homeserver holds a Listen sync
	// open waiting for events. Defaults to 30 seconds.
	LongPollTimeout time.Duration
	// InitialBackoff and MaxBackoff bound the retry delay for
	// transient failures. Default 1s doubling up to 30s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Engine synchronizes homeserver state into a statecache.Cache.
// Not safe for concurrent CatchUp/Listen calls; run one loop at a time.
type Engine struct {
	source          SyncSource
	cache           *statecache.Cache
	logger          *slog.Logger
	longPollTimeout time.Duration
	initialBackoff  time.Duration
	maxBackoff      time.Duration

	state atomic.Int32

	// sleep is replaced in tests to observe backoff without waiting.
	sleep func(ctx context.Context, duration time.Duration) error
}

// New creates an Engine.
func New(config Config) (*Engine, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("syncer: Source is required")
	}
	if config.Cache == nil {
		return nil, fmt.Errorf("syncer: Cache is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engine := &Engine{
		source:          config.Source,
		cache:           config.Cache,
		logger:          logger,
		longPollTimeout: config.LongPollTimeout,
		initialBackoff:  config.InitialBackoff,
		maxBackoff:      config.MaxBackoff,
		sleep:           sleepContext,
	}
	if engine.longPollTimeout <= 0 {
		engine.longPollTimeout = 30 * time.Second
	}
	if engine.initialBackoff <= 0 {
		engine.initialBackoff = time.Second
	}
	if engine.maxBackoff <= 0 {
		engine.maxBackoff = 30 * time.Second
	}
	return engine, nil
}

// State returns the engine's current activity.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// CatchUp applies all pending deltas and returns once the homeserver
// reports nothing new (the returned cursor equals the one sent).
// Transient failures are retried with backoff against the same cursor;
// an auth rejection or other terminal error is returned immediately.
func (e *Engine) CatchUp(ctx context.Context) error {
	defer e.state.Store(int32(StateIdle))
	backoff := e.initialBackoff

	for {
		since := e.cache.Cursor()
		e.state.Store(int32(StateSyncing))
		response, err := e.source.Sync(ctx, matrix.SyncOptions{
			Since:      since,
			Timeout:    0,
			SetTimeout: true,
		})
		if err != nil {
			if retryErr := e.handleSyncError(ctx, err, &backoff); retryErr != nil {
				return retryErr
			}
			continue
		}
		backoff = e.initialBackoff

		if err := e.cache.Apply(response); err != nil {
			return fmt.Errorf("syncer: applying delta: %w", err)
		}
		if response.NextBatch == since {
			// Nothing new: the server handed back the same cursor.
			return nil
		}
	}
}

// Listen long-polls for events and delivers room messages to events.
// If room is non-zero only that room's messages are delivered. The
// cursor advances only after the events of a delta have been handed to
// the channel, so a message is never silently skipped: a cancellation
// mid-delivery replays the delta on the next run.
//
// Returns nil when ctx is canceled, and a terminal error otherwise.
// The channel is not closed — the caller owns it.
func (e *Engine) Listen(ctx context.Context, room ref.RoomID, events chan<- Message) error {
	defer e.state.Store(int32(StateIdle))
	backoff := e.initialBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}
		since := e.cache.Cursor()
		e.state.Store(int32(StateSyncing))
		response, err := e.source.Sync(ctx, matrix.SyncOptions{
			Since:      since,
			Timeout:    int(e.longPollTimeout.Milliseconds()),
			SetTimeout: true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if retryErr := e.handleSyncError(ctx, err, &backoff); retryErr != nil {
				if ctx.Err() != nil {
					return nil
				}
				return retryErr
			}
			continue
		}
		backoff = e.initialBackoff

		for _, message := range extractMessages(response, room) {
			select {
			case events <- message:
			case <-ctx.Done():
				// Delta not applied: these messages are redelivered on
				// the next Listen from the same cursor.
				return nil
			}
		}

		if err := e.cache.Apply(response); err != nil {
			return fmt.Errorf("syncer: applying delta: %w", err)
		}
	}
}

// handleSyncError classifies a sync failure. Returns nil when the
// caller should retry (after the backoff sleep taken here), or the
// terminal error to propagate.
func (e *Engine) handleSyncError(ctx context.Context, err error, backoff *time.Duration) error {
	if matrix.IsAuthRejected(err) {
		return fmt.Errorf("syncer: access token rejected: %w", err)
	}
	if !matrix.IsRetryable(err) {
		return fmt.Errorf("syncer: sync failed: %w", err)
	}

	if closer, ok := e.source.(idlePoolCloser); ok {
		closer.CloseIdleConnections()
	}

	e.state.Store(int32(StateBackoff))
	e.logger.Warn("sync failed, backing off",
		"error", err,
		"backoff", *backoff,
	)
	if sleepErr := e.sleep(ctx, *backoff); sleepErr != nil {
		return sleepErr
	}
	*backoff = min(*backoff*2, e.maxBackoff)
	return nil
}

// extractMessages pulls m.room.message events from joined-room
// timelines. Rooms are visited in sorted order so delivery is
// deterministic; within a room, timeline order is preserved. A zero
// room matches every room.
func extractMessages(response *matrix.SyncResponse, room ref.RoomID) []Message {
	roomIDs := make([]ref.RoomID, 0, len(response.Rooms.Join))
	for roomID := range response.Rooms.Join {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Slice(roomIDs, func(i, j int) bool {
		return roomIDs[i].String() < roomIDs[j].String()
	})

	var messages []Message
	for _, roomID := range roomIDs {
		if !room.IsZero() && roomID != room {
			continue
		}
		joined := response.Rooms.Join[roomID]
		for _, event := range joined.Timeline.Events {
			if event.Type != "m.room.message" {
				continue
			}
			body, _ := event.Content["body"].(string)
			messages = append(messages, Message{
				RoomID:    roomID,
				EventID:   event.EventID,
				Sender:    event.Sender,
				Body:      body,
				Timestamp: time.UnixMilli(event.OriginServerTS),
			})
		}
	}
	return messages
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
