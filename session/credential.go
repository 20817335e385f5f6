// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/mxcli-dev/mxcli/lib/secret"
	"github.com/mxcli-dev/mxcli/matrix"
)

// ErrIncompleteCredentials is returned by Resolve when no stored
// session applies and the username/password pair is not fully present.
var ErrIncompleteCredentials = errors.New("session: no stored session and no complete username/password pair")

// AuthMode identifies which authentication path Resolve selected.
type AuthMode int

const (
	// FreshLogin performs a password login and mints a new device.
	FreshLogin AuthMode = iota + 1
	// ResumeSession reuses the access token from the session file.
	ResumeSession
)

func (m AuthMode) String() string {
	switch m {
	case FreshLogin:
		return "fresh-login"
	case ResumeSession:
		return "resume-session"
	default:
		return fmt.Sprintf("AuthMode(%d)", int(m))
	}
}

// Credential is the resolved authentication input. It is a closed set:
// PasswordCredential or TokenCredential. Authenticate switches over
// the concrete type.
type Credential interface {
	credential()
}

// PasswordCredential authenticates with username and password. The
// Password buffer is borrowed, not owned — Authenticate reads it but
// the caller remains responsible for closing it.
type PasswordCredential struct {
	Username string
	Password *secret.Buffer
}

func (PasswordCredential) credential() {}

// TokenCredential resumes a previously persisted session.
type TokenCredential struct {
	Record *Record
}

func (TokenCredential) credential() {}

// ResolveInput carries everything credential resolution may consider,
// after flag/environment/config merging has already happened.
type ResolveInput struct {
	// HomeserverURL is the server the user asked to talk to. A stored
	// session for a different homeserver is skipped, not reused.
	HomeserverURL string
	// Username and Password enable the fresh-login path. Password may
	// be nil when no password was provided.
	Username string
	Password *secret.Buffer
	// SessionPath is the session file location; empty disables both
	// resuming and persisting.
	SessionPath string
	// FreshLogin forces a password login even when a valid session
	// file exists.
	FreshLogin bool
}

// Resolve picks exactly one authentication path. A stored session is
// preferred whenever it exists, matches the requested homeserver, and
// FreshLogin is not set; otherwise a complete username/password pair
// is required. A corrupt session file is a hard error — it is never
// silently replaced by a fresh login.
func Resolve(input ResolveInput) (AuthMode, Credential, error) {
	if !input.FreshLogin && input.SessionPath != "" {
		record, err := Load(input.SessionPath)
		switch {
		case err == nil:
			if input.HomeserverURL == "" || record.HomeserverURL == input.HomeserverURL {
				return ResumeSession, TokenCredential{Record: record}, nil
			}
			// Stored token belongs to another homeserver. Fall through
			// to a fresh login against the requested one.
		case errors.Is(err, ErrNotFound):
			// First run. Fall through.
		default:
			return 0, nil, err
		}
	}

	if input.Username == "" || input.Password == nil {
		return 0, nil, fmt.Errorf("%w (need both --username and a password)", ErrIncompleteCredentials)
	}
	return FreshLogin, PasswordCredential{
		Username: input.Username,
		Password: input.Password,
	}, nil
}

// Authenticate executes the resolved credential against the
// homeserver. A password rejection is terminal: it is returned as-is,
// never retried, and never downgraded to another credential.
func Authenticate(ctx context.Context, client *matrix.Client, credential Credential) (*matrix.Session, error) {
	switch c := credential.(type) {
	case PasswordCredential:
		return client.Login(ctx, c.Username, c.Password)
	case TokenCredential:
		return client.SessionFromToken(c.Record.UserID, c.Record.DeviceID, c.Record.AccessToken)
	default:
		return nil, fmt.Errorf("session: unknown credential type %T", credential)
	}
}
