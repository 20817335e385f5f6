// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

// Package message implements the "mxcli message" subcommand group:
// sending messages and following a room's message stream.
package message

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mxcli-dev/mxcli/cmd/mxcli/cli"
	"github.com/mxcli-dev/mxcli/syncer"
)

// sendTimeout bounds a single send, including alias resolution.
const sendTimeout = 60 * time.Second

// listenBuffer is the capacity of the delivery channel between the
// sync engine and the printer. Long-poll deltas are small; the buffer
// only absorbs a burst while a previous line is being written.
const listenBuffer = 64

// Command returns the "message" subcommand group.
func Command() *cli.Command {
	return &cli.Command{
		Name:    "message",
		Summary: "Send and receive messages",
		Subcommands: []*cli.Command{
			sendCommand(),
			listenCommand(),
		},
	}
}

func sendCommand() *cli.Command {
	var connection cli.ConnectionFlags

	return &cli.Command{
		Name:    "send",
		Summary: "Send a text message to a room",
		Description: `Send a plain text message.

A send that fails with a timeout is NOT retried automatically: the
homeserver may have applied it anyway, and resending would duplicate
the message. Rerun the command explicitly if needed.`,
		Usage: "mxcli message send <room> <text>... [flags]",
		Examples: []cli.Example{
			{Command: "mxcli message send '#lobby:example.org' hello everyone"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("send", pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("expected <room> and the message text\n\nUsage: mxcli message send <room> <text>... [flags]")
			}
			room := args[0]
			body := strings.Join(args[1:], " ")

			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()

			return cli.RunConnected(ctx, &connection, func(ctx context.Context, runtime *cli.Runtime) error {
				eventID, err := runtime.Dispatch.SendText(ctx, room, body)
				if err != nil {
					return err
				}
				fmt.Println(eventID)
				return nil
			})
		},
	}
}

func listenCommand() *cli.Command {
	var connection cli.ConnectionFlags

	return &cli.Command{
		Name:    "listen",
		Summary: "Print messages as they arrive (Ctrl-C to stop)",
		Description: `Follow a room's message stream.

Catches up on anything missed since the last run, then long-polls the
homeserver and prints each message as "<time> <sender> <body>". With no
room argument, messages from all joined rooms are printed, prefixed
with the room ID.`,
		Usage: "mxcli message listen [room] [flags]",
		Examples: []cli.Example{
			{Command: "mxcli message listen '#lobby:example.org'"},
			{Description: "Follow every joined room", Command: "mxcli message listen"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("listen", pflag.ContinueOnError)
			connection.AddFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("expected at most one room argument\n\nUsage: mxcli message listen [room] [flags]")
			}
			room := ""
			if len(args) == 1 {
				room = args[0]
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return cli.RunConnected(ctx, &connection, func(ctx context.Context, runtime *cli.Runtime) error {
				events := make(chan syncer.Message, listenBuffer)
				done := make(chan error, 1)
				go func() {
					done <- runtime.Dispatch.Listen(ctx, room, events)
				}()

				showRoom := room == ""
				for {
					select {
					case message := <-events:
						printMessage(message, showRoom)
					case err := <-done:
						// Drain anything delivered before the loop exited.
						for {
							select {
							case message := <-events:
								printMessage(message, showRoom)
							default:
								return err
							}
						}
					}
				}
			})
		},
	}
}

func printMessage(message syncer.Message, showRoom bool) {
	timestamp := message.Timestamp.Local().Format("2006-01-02 15:04:05")
	if showRoom {
		fmt.Printf("%s %s %s: %s\n", timestamp, message.RoomID, message.Sender, message.Body)
		return
	}
	fmt.Printf("%s %s: %s\n", timestamp, message.Sender, message.Body)
}
