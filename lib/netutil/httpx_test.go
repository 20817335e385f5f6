// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bytes"
	"fmt"
	"testing"
)

// brokenReader always fails.
type brokenReader struct{}

func (*brokenReader) Read([]byte) (int, error) {
	return 0, fmt.Errorf("connection reset")
}

func TestReadResponse(t *testing.T) {
	t.Run("reads the full body", func(t *testing.T) {
		data, err := ReadResponse(bytes.NewReader([]byte(`{"user_id":"@alice:example.org"}`)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(data) != `{"user_id":"@alice:example.org"}` {
			t.Fatalf("got %q", data)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		data, err := ReadResponse(bytes.NewReader(nil))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(data) != 0 {
			t.Fatalf("expected empty body, got %d bytes", len(data))
		}
	})

	t.Run("read error propagates", func(t *testing.T) {
		if _, err := ReadResponse(&brokenReader{}); err == nil {
			t.Fatal("expected error from failing reader")
		}
	})
}

func TestDecodeResponse(t *testing.T) {
	t.Run("decodes valid JSON", func(t *testing.T) {
		var result struct {
			RoomID string `json:"room_id"`
		}
		body := bytes.NewReader([]byte(`{"room_id":"!abc:example.org"}`))
		if err := DecodeResponse(body, &result); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.RoomID != "!abc:example.org" {
			t.Fatalf("room_id: got %q", result.RoomID)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if err := DecodeResponse(bytes.NewReader([]byte(`<html>`)), &struct{}{}); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("read error propagates", func(t *testing.T) {
		if err := DecodeResponse(&brokenReader{}, &struct{}{}); err == nil {
			t.Fatal("expected error from failing reader")
		}
	})
}
