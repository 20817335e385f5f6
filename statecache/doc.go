// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

// Package statecache persists the room state a client has accumulated
// from incremental syncs, together with the sync cursor that produced
// it.
//
// The cursor and the state are one unit: a cursor saved without the
// state it summarizes would make the homeserver skip events the local
// view never absorbed. Apply therefore folds a sync response into the
// in-memory view and writes cursor plus state as a single atomic
// snapshot — after a crash the cache is always a consistent (cursor,
// state) pair, at worst an older one, and re-syncing from an older
// cursor only replays events whose application is idempotent.
//
// Each identity (user ID plus homeserver) gets its own snapshot
// directory, so switching accounts or servers never mixes state.
package statecache
