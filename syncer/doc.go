// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncer drives incremental /sync against the homeserver and
// feeds the results into the state cache.
//
// The engine has two modes. CatchUp drains pending deltas in a tight
// loop with a zero timeout until the homeserver reports nothing new.
// Listen long-polls indefinitely, delivering room messages to a
// caller-provided channel; cancellation is honored between round
// trips, so a stop request never tears down a half-applied delta.
//
// Transient failures (network errors, 5xx, rate limits) are retried
// with exponential backoff against the same cursor — the cursor only
// advances after a delta has been fully applied and persisted, so a
// failed round trip is simply replayed. A rejected access token is
// terminal and is returned to the caller for session invalidation.
package syncer
