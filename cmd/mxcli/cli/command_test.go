// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestExecuteDispatch(t *testing.T) {
	t.Run("dispatches to subcommand", func(t *testing.T) {
		var ran bool
		root := &Command{
			Name: "mxcli",
			Subcommands: []*Command{{
				Name: "room",
				Subcommands: []*Command{{
					Name: "join",
					Run: func(args []string) error {
						ran = true
						return nil
					},
				}},
			}},
		}
		if err := root.Execute([]string{"room", "join"}); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if !ran {
			t.Error("subcommand did not run")
		}
	})

	t.Run("unknown command suggests closest", func(t *testing.T) {
		root := &Command{
			Name: "mxcli",
			Subcommands: []*Command{
				{Name: "room"},
				{Name: "message"},
				{Name: "user"},
			},
		}
		err := root.Execute([]string{"mesage"})
		if err == nil {
			t.Fatal("expected error for unknown command")
		}
		if !strings.Contains(err.Error(), `did you mean "message"`) {
			t.Errorf("missing suggestion in: %v", err)
		}
	})

	t.Run("no subcommand shows help and errors", func(t *testing.T) {
		root := &Command{
			Name:        "mxcli",
			Subcommands: []*Command{{Name: "room"}},
		}
		if err := root.Execute(nil); err == nil {
			t.Error("expected error when subcommand required")
		}
	})

	t.Run("flags parsed before run", func(t *testing.T) {
		var name string
		var positional []string
		command := &Command{
			Name: "create",
			Flags: func() *pflag.FlagSet {
				flagSet := pflag.NewFlagSet("create", pflag.ContinueOnError)
				flagSet.StringVar(&name, "name", "", "room name")
				return flagSet
			},
			Run: func(args []string) error {
				positional = args
				return nil
			},
		}
		if err := command.Execute([]string{"--name", "Lobby", "extra"}); err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if name != "Lobby" {
			t.Errorf("name = %q", name)
		}
		if len(positional) != 1 || positional[0] != "extra" {
			t.Errorf("positional = %v", positional)
		}
	})

	t.Run("unknown flag suggests closest", func(t *testing.T) {
		command := &Command{
			Name: "create",
			Flags: func() *pflag.FlagSet {
				flagSet := pflag.NewFlagSet("create", pflag.ContinueOnError)
				flagSet.String("topic", "", "room topic")
				return flagSet
			},
			Run: func(args []string) error { return nil },
		}
		err := command.Execute([]string{"--topci", "x"})
		if err == nil {
			t.Fatal("expected error for unknown flag")
		}
		if !strings.Contains(err.Error(), "--topic") {
			t.Errorf("missing flag suggestion in: %v", err)
		}
	})
}

func TestPrintHelp(t *testing.T) {
	root := &Command{
		Name:    "mxcli",
		Summary: "Matrix command line client",
		Subcommands: []*Command{
			{Name: "room", Summary: "Manage rooms"},
			{Name: "message", Summary: "Send and receive messages"},
		},
	}
	var output strings.Builder
	root.PrintHelp(&output)
	help := output.String()

	for _, want := range []string{"Matrix command line client", "room", "Manage rooms", "message", "--help"} {
		if !strings.Contains(help, want) {
			t.Errorf("help output missing %q:\n%s", want, help)
		}
	}
}

func TestLevenshtein(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"room", "room", 0},
		{"mesage", "message", 1},
		{"jion", "join", 2},
		{"kitten", "sitting", 3},
		{"", "abc", 3},
	}
	for _, testCase := range cases {
		if got := levenshtein(testCase.a, testCase.b); got != testCase.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", testCase.a, testCase.b, got, testCase.want)
		}
	}
}
