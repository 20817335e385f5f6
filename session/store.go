// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mxcli-dev/mxcli/lib/atomicfile"
	"github.com/mxcli-dev/mxcli/lib/ref"
	"github.com/mxcli-dev/mxcli/lib/secret"
	"github.com/mxcli-dev/mxcli/matrix"
)

// ErrNotFound is returned by Load when no session file exists at the
// given path. This is the normal first-run state, not a failure.
var ErrNotFound = errors.New("session: no session file")

// CorruptError is returned by Load when a session file exists but
// cannot be parsed or is missing required fields. Unlike ErrNotFound
// it is surfaced to the user: silently treating a damaged file as
// absent would trigger a fresh login and overwrite evidence of what
// went wrong.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("session: corrupt session file %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// Record is the persisted form of an authenticated session. It holds
// everything needed to resume without a password: the homeserver the
// token belongs to, the identity it authenticates, and the token
// itself.
type Record struct {
	HomeserverURL string     `json:"homeserver_url"`
	UserID        ref.UserID `json:"user_id"`
	DeviceID      string     `json:"device_id"`
	AccessToken   string     `json:"access_token"`
	RefreshToken  *string    `json:"refresh_token"`
	CreatedAt     time.Time  `json:"created_at"`
}

// NewRecord captures a live authenticated session into its persisted
// form. homeserverURL is recorded so a later run can detect that the
// stored token belongs to a different server than the one requested.
func NewRecord(homeserverURL string, live *matrix.Session) Record {
	record := Record{
		HomeserverURL: homeserverURL,
		UserID:        live.UserID(),
		DeviceID:      live.DeviceID(),
		AccessToken:   live.AccessToken(),
		CreatedAt:     time.Now().UTC(),
	}
	if refresh := live.RefreshToken(); refresh != "" {
		record.RefreshToken = &refresh
	}
	return record
}

// Load reads and validates a session file. Returns ErrNotFound when
// the file does not exist, and *CorruptError when it exists but cannot
// be used.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("session: reading session file %s: %w", path, err)
	}
	defer secret.Zero(data)

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, &CorruptError{Path: path, Err: err}
	}
	if record.HomeserverURL == "" {
		return nil, &CorruptError{Path: path, Err: errors.New("missing homeserver_url")}
	}
	if record.UserID.IsZero() {
		return nil, &CorruptError{Path: path, Err: errors.New("missing user_id")}
	}
	if record.AccessToken == "" {
		return nil, &CorruptError{Path: path, Err: errors.New("missing access_token")}
	}
	return &record, nil
}

// Persist writes the session file atomically with mode 0600, creating
// parent directories as needed. An empty path disables persistence
// entirely — the session then lives only for the current run.
func Persist(record Record, path string) error {
	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("session: creating session directory: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encoding session file: %w", err)
	}
	data = append(data, '\n')
	defer secret.Zero(data)

	if err := atomicfile.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("session: writing session file %s: %w", path, err)
	}
	return nil
}

// Invalidate removes the session file. Called when the homeserver
// rejects the stored token, so the next run falls back to a password
// login instead of failing on the same dead token. A missing file or
// empty path is not an error.
func Invalidate(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("session: removing session file %s: %w", path, err)
	}
	return nil
}
