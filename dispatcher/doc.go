// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatcher maps user-facing verbs onto protocol operations.
//
// Every method takes validated inputs and performs exactly one logical
// operation against the homeserver. Mutations (create, join, invite,
// send) never touch the state cache directly — the cache is only
// refreshed afterwards by a sync catch-up, so the local view always
// comes from the homeserver's event stream rather than from optimistic
// local edits. Room arguments accept either a room ID ("!id:server")
// or an alias ("#name:server"); aliases are resolved through the
// server directory before the operation.
package dispatcher
