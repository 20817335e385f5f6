// Copyright 2026 The mxcli Authors
// SPDX-License-Identifier: Apache-2.0

package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFile(t *testing.T) {
	t.Run("creates new file with mode", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "target")
		if err := WriteFile(path, []byte("content"), 0600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("reading written file: %v", err)
		}
		if string(data) != "content" {
			t.Errorf("content = %q", data)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat failed: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("mode = %v, want 0600", info.Mode().Perm())
		}
	})

	t.Run("replaces existing file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "target")
		if err := os.WriteFile(path, []byte("old"), 0644); err != nil {
			t.Fatalf("seeding file: %v", err)
		}
		if err := WriteFile(path, []byte("new"), 0600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		data, _ := os.ReadFile(path)
		if string(data) != "new" {
			t.Errorf("content = %q, want new", data)
		}
	})

	t.Run("no temporary file left behind", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "target")
		if err := WriteFile(path, []byte("content"), 0600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
			t.Error("temporary file still present after rename")
		}
	})

	t.Run("failed write leaves existing content intact", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "target")
		if err := WriteFile(path, []byte("old"), 0600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}

		// Block the temporary path so the rewrite cannot start.
		if err := os.Mkdir(path+".tmp", 0700); err != nil {
			t.Fatalf("creating blocker directory: %v", err)
		}
		if err := WriteFile(path, []byte("new"), 0600); err == nil {
			t.Fatal("expected error with blocked temporary path")
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("reading target: %v", err)
		}
		if string(data) != "old" {
			t.Errorf("content = %q after failed write, want %q", data, "old")
		}
	})

	t.Run("missing parent directory fails without partial state", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "missing", "target")
		if err := WriteFile(path, []byte("content"), 0600); err == nil {
			t.Fatal("expected error for missing parent directory")
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("target file should not exist after failed write")
		}
	})
}
