// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

// Package session decides how a run authenticates and persists the
// resulting credentials across runs.
//
// Resolve inspects the available inputs (persisted session file,
// username and password) and picks exactly one authentication path: a
// stored session is resumed when present and not overridden, otherwise
// a fresh password login is performed. Authenticate executes the
// chosen path against the homeserver; it never retries a rejected
// login and never silently falls back from one credential to another.
//
// Persist writes the session file atomically with owner-only
// permissions, so a crash mid-write leaves either the old session or
// the new one, never a truncated file. Load distinguishes a missing
// file (ErrNotFound, first run) from an unreadable one (*CorruptError,
// which is surfaced to the user rather than treated as absent).
package session
