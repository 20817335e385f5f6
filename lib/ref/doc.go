// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable value types for Matrix
// identifiers: user IDs, room IDs, room aliases, event IDs, server
// names, and event types.
//
// All constructors validate the structural format of the identifier
// (sigil prefix, localpart, server suffix) and return errors for
// malformed input. Once constructed, a ref is immutable. Identifiers
// arriving from the homeserver (sync responses, directory lookups,
// login responses) are parsed into these types at the boundary; the
// rest of the codebase never handles raw identifier strings.
//
// JSON marshaling uses the canonical string form via
// encoding.TextMarshaler, so ref types can appear directly in API
// request and response structs, including as map keys.
package ref
