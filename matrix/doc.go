// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

// Package matrix implements the Matrix client-server API surface that
// mxcli consumes: password login, incremental sync with long-polling,
// room and membership mutation, profile management, the room directory,
// and media upload.
//
// [Client] is an unauthenticated client holding the homeserver URL and
// HTTP transport. [Client.Login] authenticates with username and
// password and returns a [Session]; [Client.SessionFromToken] restores
// a Session from a persisted access token without a network round trip.
//
// Sessions keep the access token in mmap-backed [secret.Buffer] memory
// (locked against swap, excluded from core dumps); callers must call
// Session.Close to release it. Sessions are otherwise lightweight — a
// pointer to the parent Client plus the token.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_UNKNOWN_TOKEN, ...) and HTTP status
// code. [IsMatrixError] tests for a specific code; [IsAuthRejected] and
// [IsRetryable] classify errors for the session-invalidation and
// sync-retry policies. Request URLs are built by string concatenation
// rather than url.URL to avoid double-encoding of path segments that
// contain URL-encoded characters (such as room aliases).
package matrix
