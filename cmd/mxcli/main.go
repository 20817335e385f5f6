// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

// mxcli is a command-driven Matrix client: rooms, users, membership,
// and messages from the command line, with a persisted session and a
// locally synced room state cache.
package main

import (
	"fmt"
	"os"

	"github.com/mxcli-dev/mxcli/cmd/mxcli/cli"
	"github.com/mxcli-dev/mxcli/cmd/mxcli/message"
	"github.com/mxcli-dev/mxcli/cmd/mxcli/room"
	"github.com/mxcli-dev/mxcli/cmd/mxcli/user"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output return an ExitError with
		// the desired exit code. Don't print a redundant "error:" line
		// for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return root().Execute(os.Args[1:])
}

func root() *cli.Command {
	return &cli.Command{
		Name:    "mxcli",
		Summary: "A command line Matrix client",
		Description: `mxcli is a command-driven Matrix client.

Authentication is resolved once per invocation: a previously persisted
session is resumed when present, otherwise a username/password login is
performed and the new session persisted. Connection settings come from
flags, MXCLI_* environment variables, or ~/.config/mxcli/config.yaml,
in that order of precedence.`,
		Examples: []cli.Example{
			{
				Description: "First run: log in and join a room",
				Command:     "MXCLI_PASSWORD=... mxcli room join '#lobby:example.org' --homeserver https://matrix.example.org --username alice",
			},
			{
				Description: "Later runs resume the stored session",
				Command:     "mxcli message send '#lobby:example.org' hello",
			},
		},
		Subcommands: []*cli.Command{
			room.Command(),
			message.Command(),
			user.Command(),
		},
	}
}
