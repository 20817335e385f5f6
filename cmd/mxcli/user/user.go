// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

// Package user implements the "mxcli user" subcommand group: profile
// queries and updates, and the per-membership room lists.
package user

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/mxcli-dev/mxcli/cmd/mxcli/cli"
	"github.com/mxcli-dev/mxcli/lib/ref"
	"github.com/mxcli-dev/mxcli/statecache"
)

const commandTimeout = 60 * time.Second

// Command returns the "user" subcommand group.
func Command() *cli.Command {
	return &cli.Command{
		Name:    "user",
		Summary: "Profile and account queries",
		Subcommands: []*cli.Command{
			whoamiCommand(),
			getDisplayNameCommand(),
			setDisplayNameCommand(),
			getAvatarURLCommand(),
			setAvatarCommand(),
			roomListCommand("joined-rooms", "List rooms you have joined", statecache.MembershipJoined),
			roomListCommand("invited-rooms", "List rooms you are invited to", statecache.MembershipInvited),
			roomListCommand("left-rooms", "List rooms you have left", statecache.MembershipLeft),
		},
	}
}

func whoamiCommand() *cli.Command {
	var connection cli.ConnectionFlags

	return &cli.Command{
		Name:    "whoami",
		Summary: "Show the authenticated user ID",
		Usage:   "mxcli user whoami [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("whoami", pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			return withRuntime(&connection, func(ctx context.Context, runtime *cli.Runtime) error {
				userID, err := runtime.Session.WhoAmI(ctx)
				if err != nil {
					return err
				}
				fmt.Println(userID)
				return nil
			})
		},
	}
}

func getDisplayNameCommand() *cli.Command {
	var connection cli.ConnectionFlags

	return &cli.Command{
		Name:    "get-display-name",
		Summary: "Show a user's display name (default: your own)",
		Usage:   "mxcli user get-display-name [user] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("get-display-name", pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			userID, err := optionalUser(args, "get-display-name")
			if err != nil {
				return err
			}
			return withRuntime(&connection, func(ctx context.Context, runtime *cli.Runtime) error {
				name, err := runtime.Dispatch.DisplayName(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Println(name)
				return nil
			})
		},
	}
}

func setDisplayNameCommand() *cli.Command {
	var connection cli.ConnectionFlags

	return &cli.Command{
		Name:    "set-display-name",
		Summary: "Set your display name",
		Usage:   "mxcli user set-display-name <name> [flags]",
		Examples: []cli.Example{
			{Command: "mxcli user set-display-name 'Alice Liddell'"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("set-display-name", pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one name argument\n\nUsage: mxcli user set-display-name <name> [flags]")
			}
			return withRuntime(&connection, func(ctx context.Context, runtime *cli.Runtime) error {
				return runtime.Dispatch.SetDisplayName(ctx, args[0])
			})
		},
	}
}

func getAvatarURLCommand() *cli.Command {
	var connection cli.ConnectionFlags

	return &cli.Command{
		Name:    "get-avatar-url",
		Summary: "Show a user's avatar MXC URI (default: your own)",
		Usage:   "mxcli user get-avatar-url [user] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("get-avatar-url", pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			userID, err := optionalUser(args, "get-avatar-url")
			if err != nil {
				return err
			}
			return withRuntime(&connection, func(ctx context.Context, runtime *cli.Runtime) error {
				avatarURL, err := runtime.Dispatch.AvatarURL(ctx, userID)
				if err != nil {
					return err
				}
				fmt.Println(avatarURL)
				return nil
			})
		},
	}
}

func setAvatarCommand() *cli.Command {
	var connection cli.ConnectionFlags

	return &cli.Command{
		Name:    "set-avatar",
		Summary: "Upload an image and set it as your avatar",
		Description: `Upload an image file to the homeserver's media repository and point
your profile avatar at it. The content type is taken from the file
extension, falling back to sniffing the file header.`,
		Usage: "mxcli user set-avatar <file> [flags]",
		Examples: []cli.Example{
			{Command: "mxcli user set-avatar ./me.png"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("set-avatar", pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one file argument\n\nUsage: mxcli user set-avatar <file> [flags]")
			}
			return withRuntime(&connection, func(ctx context.Context, runtime *cli.Runtime) error {
				mxcURI, err := runtime.Dispatch.SetAvatar(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(mxcURI)
				return nil
			})
		},
	}
}

func roomListCommand(name, summary string, membership statecache.Membership) *cli.Command {
	var connection cli.ConnectionFlags

	return &cli.Command{
		Name:    name,
		Summary: summary,
		Usage:   "mxcli user " + name + " [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			return withRuntime(&connection, func(ctx context.Context, runtime *cli.Runtime) error {
				rooms, err := runtime.Dispatch.Rooms(ctx, membership)
				if err != nil {
					return err
				}
				return printRooms(rooms)
			})
		},
	}
}

func printRooms(rooms []statecache.RoomState) error {
	writer := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
	fmt.Fprintln(writer, "ROOM\tNAME\tMEMBERS")
	for _, room := range rooms {
		fmt.Fprintf(writer, "%s\t%s\t%d\n", room.RoomID, room.Name, len(room.Members))
	}
	return writer.Flush()
}

// optionalUser parses the optional [user] positional argument.
func optionalUser(args []string, verb string) (ref.UserID, error) {
	switch len(args) {
	case 0:
		return ref.UserID{}, nil
	case 1:
		return ref.ParseUserID(args[0])
	default:
		return ref.UserID{}, fmt.Errorf("expected at most one user argument\n\nUsage: mxcli user %s [user] [flags]", verb)
	}
}

func withRuntime(connection *cli.ConnectionFlags, operation func(ctx context.Context, runtime *cli.Runtime) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	return cli.RunConnected(ctx, connection, operation)
}
