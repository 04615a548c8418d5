// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package debug

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriter(t *testing.T) {
	var b bytes.Buffer
	d := NewWriter(&b, "15:04:05")
	if err := d.Register(IDApp, "[APP]"); err != nil {
		t.Fatal(err)
	}
	if err := d.Register(IDApp, "[APP]"); err != ErrDuplicateSubsystem {
		t.Fatalf("expected ErrDuplicateSubsystem, got %v", err)
	}

	d.Info(IDApp, "hello %v", 1)
	d.Dbg(IDApp, "hidden")
	d.EnableDebug()
	d.Dbg(IDApp, "shown")
	d.T(IDApp, "hidden trace")
	d.EnableTrace()
	d.T(99, "trace")

	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("unexpected output:\n%v", b.String())
	}
	for i, want := range []string{
		"[APP][INF] hello 1",
		"[APP][DBG] shown",
		"[UNK][TRC] trace",
	} {
		if !strings.HasSuffix(lines[i], want) {
			t.Fatalf("line %v: got %q, want suffix %q", i, lines[i], want)
		}
	}
}

func TestFile(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "zkrelay.log")
	d, err := New(filename, "2006-01-02 15:04:05")
	if err != nil {
		t.Fatal(err)
	}
	if err = d.RegisterAll(); err != nil {
		t.Fatal(err)
	}
	if err = d.RegisterAll(); err != ErrDuplicateSubsystem {
		t.Fatalf("expected ErrDuplicateSubsystem, got %v", err)
	}
	d.Warn(IDRPC, "first")
	d.Error(IDRouter, "second")

	blob, err := os.ReadFile(filename)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(blob), "[RPC][WAR] first") ||
		!strings.Contains(string(blob), "[RTR][ERR] second") {
		t.Fatalf("unexpected log:\n%s", blob)
	}
}
