// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/mxcli-dev/mxcli/dispatcher"
	"github.com/mxcli-dev/mxcli/lib/config"
	"github.com/mxcli-dev/mxcli/lib/secret"
	"github.com/mxcli-dev/mxcli/matrix"
	"github.com/mxcli-dev/mxcli/session"
	"github.com/mxcli-dev/mxcli/statecache"
	"github.com/mxcli-dev/mxcli/syncer"
)

// ConnectionFlags is embedded in every command that talks to a
// homeserver. Flag values are merged with MXCLI_* environment
// variables and the config file (flags win) before connecting.
type ConnectionFlags struct {
	HomeserverURL string
	Username      string
	PasswordFile  string
	SessionFile   string
	StorePath     string
	ConfigFile    string
	FreshLogin    bool
}

// AddFlags registers the shared connection flags on a command's flag set.
func (f *ConnectionFlags) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.HomeserverURL, "homeserver", "",
		"homeserver base URL (e.g. https://matrix.example.org); env MXCLI_HOMESERVER_URL")
	flagSet.StringVar(&f.Username, "username", "",
		"account localpart or full user ID; env MXCLI_USERNAME")
	flagSet.StringVar(&f.PasswordFile, "password-file", "",
		"file containing the account password, or - for stdin; env MXCLI_PASSWORD takes the password directly")
	flagSet.StringVar(&f.SessionFile, "session-file", "",
		"where the session token is persisted; env MXCLI_SESSION_FILE")
	flagSet.StringVar(&f.StorePath, "store-path", "",
		"directory for the synced room state cache; env MXCLI_STORE_PATH")
	flagSet.StringVar(&f.ConfigFile, "config", "",
		"config file (default ~/.config/mxcli/config.yaml)")
	flagSet.BoolVar(&f.FreshLogin, "fresh-login", false,
		"ignore any stored session and log in with the password again")
}

// Runtime bundles everything a connected command works with. Close
// releases the session's guarded token memory.
type Runtime struct {
	Settings config.Settings
	Session  *matrix.Session
	Cache    *statecache.Cache
	Engine   *syncer.Engine
	Dispatch *dispatcher.Dispatcher
	Logger   *slog.Logger

	sessionPath string
}

// Close releases the session token buffers.
func (r *Runtime) Close() error {
	return r.Session.Close()
}

// HandleAuthRejected inspects a command failure. When the homeserver
// rejected the access token, the stored session file is removed and
// the error is rewritten to tell the user to log in again; other
// errors pass through unchanged.
func (r *Runtime) HandleAuthRejected(err error) error {
	if err == nil || !matrix.IsAuthRejected(err) {
		return err
	}
	if removeErr := session.Invalidate(r.sessionPath); removeErr != nil {
		r.Logger.Warn("failed to remove rejected session file", "error", removeErr)
	}
	return fmt.Errorf("the stored session was rejected by the homeserver and has been removed; run the command again to log in: %w", err)
}

// Connect merges configuration, resolves credentials, authenticates,
// and opens the state cache. A resumed session is validated with a
// whoami call so a dead token fails here, once, instead of inside an
// arbitrary later operation.
func (f *ConnectionFlags) Connect(ctx context.Context, logger *slog.Logger) (*Runtime, error) {
	settings, err := f.mergedSettings()
	if err != nil {
		return nil, err
	}
	if settings.HomeserverURL == "" {
		return nil, fmt.Errorf("homeserver URL is required (--homeserver, %s, or the config file)", config.EnvHomeserverURL)
	}

	password, err := f.resolvePassword(settings)
	if err != nil {
		return nil, err
	}
	if password != nil {
		defer password.Close()
	}

	mode, credential, err := session.Resolve(session.ResolveInput{
		HomeserverURL: settings.HomeserverURL,
		Username:      settings.Username,
		Password:      password,
		SessionPath:   settings.SessionFile,
		FreshLogin:    f.FreshLogin,
	})
	if err != nil {
		return nil, err
	}

	client, err := matrix.NewClient(matrix.ClientConfig{
		HomeserverURL: settings.HomeserverURL,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	live, err := session.Authenticate(ctx, client, credential)
	if err != nil {
		return nil, err
	}

	switch mode {
	case session.ResumeSession:
		if _, err := live.WhoAmI(ctx); err != nil {
			live.Close()
			if matrix.IsAuthRejected(err) {
				if removeErr := session.Invalidate(settings.SessionFile); removeErr != nil {
					logger.Warn("failed to remove rejected session file", "error", removeErr)
				}
				return nil, fmt.Errorf("the stored session has expired and has been removed; run the command again to log in: %w", err)
			}
			return nil, err
		}
	case session.FreshLogin:
		if err := session.Persist(session.NewRecord(settings.HomeserverURL, live), settings.SessionFile); err != nil {
			live.Close()
			return nil, err
		}
	}

	cache, err := statecache.Open(settings.StorePath, statecache.Identity{
		UserID:        live.UserID(),
		HomeserverURL: settings.HomeserverURL,
	})
	if err != nil {
		live.Close()
		return nil, err
	}

	engine, err := syncer.New(syncer.Config{
		Source: live,
		Cache:  cache,
		Logger: logger,
	})
	if err != nil {
		live.Close()
		return nil, err
	}

	dispatch, err := dispatcher.New(dispatcher.Config{
		Session: live,
		Engine:  engine,
		Cache:   cache,
		Logger:  logger,
	})
	if err != nil {
		live.Close()
		return nil, err
	}

	return &Runtime{
		Settings:    settings,
		Session:     live,
		Cache:       cache,
		Engine:      engine,
		Dispatch:    dispatch,
		Logger:      logger,
		sessionPath: settings.SessionFile,
	}, nil
}

// RunConnected connects with the given flags, runs the operation, and
// routes an auth rejection through session invalidation so the user
// gets a "log in again" message instead of a raw token error.
func RunConnected(ctx context.Context, flags *ConnectionFlags, operation func(ctx context.Context, runtime *Runtime) error) error {
	logger := NewCommandLogger()
	runtime, err := flags.Connect(ctx, logger)
	if err != nil {
		return err
	}
	defer runtime.Close()

	return runtime.HandleAuthRejected(operation(ctx, runtime))
}

// mergedSettings applies the flag > environment > config file
// precedence and fills in default paths for the session file and state
// store when nothing was specified anywhere.
func (f *ConnectionFlags) mergedSettings() (config.Settings, error) {
	configPath := f.ConfigFile
	explicit := configPath != ""
	if !explicit {
		defaultPath, err := config.DefaultFilePath()
		if err == nil {
			configPath = defaultPath
		}
	}

	var file config.File
	if configPath != "" {
		loaded, err := config.LoadFile(configPath, explicit)
		if err != nil {
			return config.Settings{}, err
		}
		file = loaded
	}

	settings := config.Merge(config.Settings{
		HomeserverURL: f.HomeserverURL,
		Username:      f.Username,
		SessionFile:   f.SessionFile,
		StorePath:     f.StorePath,
	}, os.LookupEnv, file)

	if settings.SessionFile == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return config.Settings{}, fmt.Errorf("locating user config directory for the session file: %w", err)
		}
		settings.SessionFile = filepath.Join(base, "mxcli", "session.json")
	}
	if settings.StorePath == "" {
		storePath, err := config.DefaultStorePath()
		if err != nil {
			return config.Settings{}, fmt.Errorf("locating user cache directory for the state store: %w", err)
		}
		settings.StorePath = storePath
	}
	return settings, nil
}

// resolvePassword turns the password inputs into a guarded buffer:
// --password-file (or -) wins, then MXCLI_PASSWORD. Returns nil when
// no password was provided, which is fine when a session is resumed.
func (f *ConnectionFlags) resolvePassword(settings config.Settings) (*secret.Buffer, error) {
	if f.PasswordFile != "" {
		buffer, err := secret.ReadFromPath(f.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		return buffer, nil
	}
	if settings.Password != "" {
		buffer, err := secret.NewFromString(settings.Password)
		if err != nil {
			return nil, fmt.Errorf("protecting password: %w", err)
		}
		return buffer, nil
	}
	return nil, nil
}
