// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

// Package config merges process configuration from three sources, in
// precedence order: explicit flags, MXCLI_* environment variables, and
// a YAML config file. The merged result is passed explicitly through
// constructors; nothing here is global.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variable names. Each backs the flag of the same name.
const (
	EnvHomeserverURL = "MXCLI_HOMESERVER_URL"
	EnvUsername      = "MXCLI_USERNAME"
	EnvPassword      = "MXCLI_PASSWORD"
	EnvSessionFile   = "MXCLI_SESSION_FILE"
	EnvStorePath     = "MXCLI_STORE_PATH"
)

// File is the YAML config file shape. The password deliberately has no
// file field: a config file is long-lived and often synced between
// machines, which is exactly where a password should not live.
type File struct {
	HomeserverURL string `yaml:"homeserver_url"`
	Username      string `yaml:"username"`
	SessionFile   string `yaml:"session_file"`
	StorePath     string `yaml:"store_path"`
}

// Settings is the merged configuration a command runs with. Password
// is carried as a plain string only because it arrives through the
// environment; the command layer moves it into guarded memory
// immediately and never logs it.
type Settings struct {
	HomeserverURL string
	Username      string
	Password      string
	SessionFile   string
	StorePath     string
}

// DefaultFilePath returns the standard config file location
// (~/.config/mxcli/config.yaml on Linux).
func DefaultFilePath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: locating user config directory: %w", err)
	}
	return filepath.Join(base, "mxcli", "config.yaml"), nil
}

// DefaultStorePath returns the standard state cache location
// (~/.cache/mxcli on Linux).
func DefaultStorePath() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("config: locating user cache directory: %w", err)
	}
	return filepath.Join(base, "mxcli"), nil
}

// LoadFile reads and strictly decodes a YAML config file. Unknown keys
// are an error — a typo in a config file should fail loud, not be
// silently ignored. A missing file at the default path is normal and
// returns a zero File; a missing file at an explicitly requested path
// is an error.
func LoadFile(path string, explicit bool) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return File{}, nil
		}
		return File{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var file File
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return file, nil
}

// Merge fills empty Settings fields from the environment, then from
// the config file. Non-empty fields (set by flags) always win.
// lookupEnv is os.LookupEnv in production.
func Merge(flags Settings, lookupEnv func(string) (string, bool), file File) Settings {
	merged := flags

	fallback := func(target *string, envName, fileValue string) {
		if *target != "" {
			return
		}
		if value, ok := lookupEnv(envName); ok && value != "" {
			*target = value
			return
		}
		*target = fileValue
	}

	fallback(&merged.HomeserverURL, EnvHomeserverURL, file.HomeserverURL)
	fallback(&merged.Username, EnvUsername, file.Username)
	fallback(&merged.Password, EnvPassword, "")
	fallback(&merged.SessionFile, EnvSessionFile, file.SessionFile)
	fallback(&merged.StorePath, EnvStorePath, file.StorePath)
	return merged
}
