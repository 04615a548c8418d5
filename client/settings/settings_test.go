// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/companyzero/zkrelay/e2e"
	"github.com/companyzero/zkrelay/rpc"
	"github.com/davecgh/go-spew/spew"
)

func writeConf(t *testing.T, conf string) string {
	filename := filepath.Join(t.TempDir(), "zkrelay.conf")
	if err := os.WriteFile(filename, []byte(conf), 0600); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestLoad(t *testing.T) {
	root := t.TempDir()
	filename := writeConf(t, `
root = `+root+`
server = relay.example.com:443
user = alice
device = 3
trust = strict
store = memory
maxpacketsize = 65536
onetimeprekeys = 10

[log]
debug = yes
trace = yes
`)

	s := New()
	if err := s.Load(filename); err != nil {
		t.Fatal(err)
	}
	if s.Root != root ||
		s.Server != "relay.example.com:443" ||
		s.Address() != (rpc.Address{User: "alice", Device: 3}) ||
		s.Trust != e2e.TrustStrict ||
		s.Store != StoreMemory ||
		s.MaxPacketSize != 65536 ||
		s.OneTimePreKeys != 10 ||
		!s.Debug || !s.Trace {
		t.Fatalf("unexpected settings %v", spew.Sdump(s))
	}
	if s.StoreRoot() != filepath.Join(root, "store") {
		t.Fatalf("unexpected store root %v", s.StoreRoot())
	}
}

func TestLoadInvalid(t *testing.T) {
	for _, conf := range []string{
		"device = 0\n",
		"device = x\n",
		"trust = sometimes\n",
		"store = cloud\n",
		"maxpacketsize = 0\n",
		"onetimeprekeys = -1\n",
		"[log]\ntrace = 1\n",
	} {
		if err := New().Load(writeConf(t, conf)); err == nil {
			t.Fatalf("expected error for %q", conf)
		}
	}
}

func TestExpand(t *testing.T) {
	s := New()
	if err := s.Expand(); err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(s.Root, "~") || strings.HasPrefix(s.LogFile, "~") {
		t.Fatalf("not expanded: %v %v", s.Root, s.LogFile)
	}
	if !strings.HasPrefix(s.LogFile, s.Root) {
		t.Fatalf("log %v outside root %v", s.LogFile, s.Root)
	}
}
