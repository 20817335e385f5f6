// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

// Package room implements the "mxcli room" subcommand group: creating,
// joining, and leaving rooms, membership moderation, and the alias
// directory.
package room

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/mxcli-dev/mxcli/cmd/mxcli/cli"
	"github.com/mxcli-dev/mxcli/dispatcher"
	"github.com/mxcli-dev/mxcli/lib/ref"
)

// commandTimeout bounds a single room operation, including alias
// resolution and the post-mutation catch-up.
const commandTimeout = 60 * time.Second

// Command returns the "room" subcommand group.
func Command() *cli.Command {
	return &cli.Command{
		Name:    "room",
		Summary: "Create, join, and manage rooms",
		Description: `Create, join, leave, and moderate Matrix rooms.

Room arguments accept either a room ID ("!abc:example.org") or an
alias ("#lobby:example.org"); aliases are resolved through the server
directory.`,
		Subcommands: []*cli.Command{
			createCommand(),
			joinCommand(),
			leaveCommand(),
			inviteCommand(),
			kickCommand(),
			banCommand(),
			unbanCommand(),
			aliasCommand(),
			membersCommand(),
		},
	}
}

func createCommand() *cli.Command {
	var connection cli.ConnectionFlags
	var name, topic, alias string
	var public bool
	var invite []string

	return &cli.Command{
		Name:    "create",
		Summary: "Create a new room",
		Usage:   "mxcli room create [flags]",
		Examples: []cli.Example{
			{
				Description: "Create a private room and invite a friend",
				Command:     "mxcli room create --name 'Weekend Plans' --invite @bob:example.org",
			},
			{
				Description: "Create a public room with a directory alias",
				Command:     "mxcli room create --name Lobby --alias lobby --public",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("create", pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			flagSet.StringVar(&name, "name", "", "room display name")
			flagSet.StringVar(&topic, "topic", "", "room topic")
			flagSet.StringVar(&alias, "alias", "", "directory alias localpart (without # or :server)")
			flagSet.BoolVar(&public, "public", false, "make the room publicly joinable and listed")
			flagSet.StringArrayVar(&invite, "invite", nil, "user ID to invite (repeatable)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}

			options := dispatcher.CreateRoomOptions{
				Name:   name,
				Topic:  topic,
				Alias:  alias,
				Public: public,
			}
			for _, raw := range invite {
				userID, err := ref.ParseUserID(raw)
				if err != nil {
					return fmt.Errorf("--invite: %w", err)
				}
				options.Invite = append(options.Invite, userID)
			}

			return withRuntime(&connection, func(ctx context.Context, runtime *cli.Runtime) error {
				roomID, err := runtime.Dispatch.CreateRoom(ctx, options)
				if err != nil {
					return err
				}
				fmt.Println(roomID)
				return nil
			})
		},
	}
}

func joinCommand() *cli.Command {
	var connection cli.ConnectionFlags

	return &cli.Command{
		Name:    "join",
		Summary: "Join a room by ID or alias",
		Usage:   "mxcli room join <room> [flags]",
		Examples: []cli.Example{
			{Command: "mxcli room join '#lobby:example.org'"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("join", pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one room argument\n\nUsage: mxcli room join <room> [flags]")
			}
			return withRuntime(&connection, func(ctx context.Context, runtime *cli.Runtime) error {
				roomID, err := runtime.Dispatch.JoinRoom(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(roomID)
				return nil
			})
		},
	}
}

func leaveCommand() *cli.Command {
	var connection cli.ConnectionFlags

	return &cli.Command{
		Name:    "leave",
		Summary: "Leave a room",
		Usage:   "mxcli room leave <room> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("leave", pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one room argument\n\nUsage: mxcli room leave <room> [flags]")
			}
			return withRuntime(&connection, func(ctx context.Context, runtime *cli.Runtime) error {
				return runtime.Dispatch.LeaveRoom(ctx, args[0])
			})
		},
	}
}

func inviteCommand() *cli.Command {
	var connection cli.ConnectionFlags

	return &cli.Command{
		Name:    "invite",
		Summary: "Invite a user to a room",
		Usage:   "mxcli room invite <room> <user> [flags]",
		Examples: []cli.Example{
			{Command: "mxcli room invite '#lobby:example.org' @bob:example.org"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("invite", pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			room, userID, err := roomAndUser(args, "invite")
			if err != nil {
				return err
			}
			return withRuntime(&connection, func(ctx context.Context, runtime *cli.Runtime) error {
				return runtime.Dispatch.Invite(ctx, room, userID)
			})
		},
	}
}

func kickCommand() *cli.Command {
	var connection cli.ConnectionFlags
	var reason string

	return &cli.Command{
		Name:    "kick",
		Summary: "Remove a user from a room",
		Usage:   "mxcli room kick <room> <user> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("kick", pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			flagSet.StringVar(&reason, "reason", "", "reason shown to the removed user")
			return flagSet
		},
		Run: func(args []string) error {
			room, userID, err := roomAndUser(args, "kick")
			if err != nil {
				return err
			}
			return withRuntime(&connection, func(ctx context.Context, runtime *cli.Runtime) error {
				return runtime.Dispatch.Kick(ctx, room, userID, reason)
			})
		},
	}
}

func banCommand() *cli.Command {
	var connection cli.ConnectionFlags
	var reason string

	return &cli.Command{
		Name:    "ban",
		Summary: "Ban a user from a room",
		Usage:   "mxcli room ban <room> <user> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("ban", pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			flagSet.StringVar(&reason, "reason", "", "reason recorded with the ban")
			return flagSet
		},
		Run: func(args []string) error {
			room, userID, err := roomAndUser(args, "ban")
			if err != nil {
				return err
			}
			return withRuntime(&connection, func(ctx context.Context, runtime *cli.Runtime) error {
				return runtime.Dispatch.Ban(ctx, room, userID, reason)
			})
		},
	}
}

func unbanCommand() *cli.Command {
	var connection cli.ConnectionFlags

	return &cli.Command{
		Name:    "unban",
		Summary: "Lift a ban so the user may join again",
		Usage:   "mxcli room unban <room> <user> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("unban", pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			room, userID, err := roomAndUser(args, "unban")
			if err != nil {
				return err
			}
			return withRuntime(&connection, func(ctx context.Context, runtime *cli.Runtime) error {
				return runtime.Dispatch.Unban(ctx, room, userID)
			})
		},
	}
}

func aliasCommand() *cli.Command {
	var connection cli.ConnectionFlags

	return &cli.Command{
		Name:    "alias",
		Summary: "Point a directory alias at a room",
		Usage:   "mxcli room alias <alias> <room> [flags]",
		Examples: []cli.Example{
			{Command: "mxcli room alias '#lobby:example.org' '!abc:example.org'"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("alias", pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected <alias> and <room>\n\nUsage: mxcli room alias <alias> <room> [flags]")
			}
			return withRuntime(&connection, func(ctx context.Context, runtime *cli.Runtime) error {
				return runtime.Dispatch.CreateAlias(ctx, args[0], args[1])
			})
		},
	}
}

func membersCommand() *cli.Command {
	var connection cli.ConnectionFlags

	return &cli.Command{
		Name:    "members",
		Summary: "List the members of a room",
		Usage:   "mxcli room members <room> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("members", pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one room argument\n\nUsage: mxcli room members <room> [flags]")
			}
			return withRuntime(&connection, func(ctx context.Context, runtime *cli.Runtime) error {
				members, err := runtime.Dispatch.Members(ctx, args[0])
				if err != nil {
					return err
				}
				writer := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
				fmt.Fprintln(writer, "USER\tDISPLAY NAME\tMEMBERSHIP")
				for _, member := range members {
					fmt.Fprintf(writer, "%s\t%s\t%s\n", member.UserID, member.DisplayName, member.Membership)
				}
				return writer.Flush()
			})
		},
	}
}

// roomAndUser validates the shared <room> <user> argument shape.
func roomAndUser(args []string, verb string) (string, ref.UserID, error) {
	if len(args) != 2 {
		return "", ref.UserID{}, fmt.Errorf("expected <room> and <user>\n\nUsage: mxcli room %s <room> <user> [flags]", verb)
	}
	userID, err := ref.ParseUserID(args[1])
	if err != nil {
		return "", ref.UserID{}, err
	}
	return args[0], userID, nil
}

// withRuntime runs a room operation with a bounded context.
func withRuntime(connection *cli.ConnectionFlags, operation func(ctx context.Context, runtime *cli.Runtime) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return cli.RunConnected(ctx, connection, operation)
}
