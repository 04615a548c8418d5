// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package settings

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/companyzero/zkrelay/e2e"
	"github.com/companyzero/zkrelay/rpc"
	"github.com/companyzero/zkrelay/transport"
	"github.com/companyzero/zkrelay/zkutil"
	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
)

const (
	StoreFile   = "file"
	StoreMemory = "memory"
)

// Settings is the collection of all zkrelay client settings.
type Settings struct {
	// default section
	Root           string          // root directory for zkrelay
	Server         string          // server address and port
	User           string          // local user name
	Device         uint32          // local device id
	Trust          e2e.TrustPolicy // identity change policy
	Store          string          // file or memory
	Passphrase     string          // seals the file store when set
	MaxPacketSize  uint32          // maximum frame size
	OneTimePreKeys int             // one-time pre-keys kept on hand

	// log section
	LogFile    string // log filename
	TimeFormat string // debug file time stamp format
	Debug      bool   // enable debug
	Trace      bool   // enable tracing
	Profiler   string // go profiler link
}

var (
	ErrIniNotFound = errors.New("not found")
)

// New returns a default settings structure.
func New() *Settings {
	return &Settings{
		// default
		Root:           filepath.Join("~", zkutil.DefaultClientDir),
		Server:         "127.0.0.1:12346",
		Device:         1,
		Trust:          e2e.TrustOnFirstUse,
		Store:          StoreFile,
		MaxPacketSize:  transport.DefaultMaxPacketSize,
		OneTimePreKeys: 100,

		// log
		LogFile: filepath.Join("~", zkutil.DefaultClientDir,
			zkutil.DefaultClientLog),
		TimeFormat: "15:04:05",
		Debug:      false,
		Trace:      false,
		Profiler:   "localhost:6061",
	}
}

// Address returns the address of this device.
func (s *Settings) Address() rpc.Address {
	return rpc.Address{User: s.User, Device: s.Device}
}

// StoreRoot is the directory of the file store.
func (s *Settings) StoreRoot() string {
	return filepath.Join(s.Root, "store")
}

// Load retrieves settings from an ini file.  Additionally it expands all ~ to
// the current user home directory.
func (s *Settings) Load(filename string) error {
	// parse file
	cfg, err := ini.LoadFile(filename)
	if err != nil {
		return err
	}

	// root directory
	root, ok := cfg.Get("", "root")
	if ok {
		s.Root = root
	}

	server, ok := cfg.Get("", "server")
	if ok {
		s.Server = server
	}

	user, ok := cfg.Get("", "user")
	if ok {
		s.User = user
	}

	device, ok := cfg.Get("", "device")
	if ok {
		d, err := strconv.ParseUint(device, 10, 32)
		if err != nil || d == 0 {
			return fmt.Errorf("device invalid: %v", device)
		}
		s.Device = uint32(d)
	}

	trust, ok := cfg.Get("", "trust")
	if ok {
		s.Trust, err = e2e.ParseTrustPolicy(trust)
		if err != nil {
			return err
		}
	}

	store, ok := cfg.Get("", "store")
	if ok {
		switch store {
		case StoreFile:
		case StoreMemory:
		default:
			return fmt.Errorf("invalid store value: %v", store)
		}
		s.Store = store
	}

	passphrase, ok := cfg.Get("", "passphrase")
	if ok {
		s.Passphrase = passphrase
	}

	mps, ok := cfg.Get("", "maxpacketsize")
	if ok {
		v, err := strconv.ParseUint(mps, 10, 32)
		if err != nil || v == 0 {
			return fmt.Errorf("maxpacketsize invalid: %v", mps)
		}
		s.MaxPacketSize = uint32(v)
	}

	otk, ok := cfg.Get("", "onetimeprekeys")
	if ok {
		v, err := strconv.Atoi(otk)
		if err != nil || v < 0 {
			return fmt.Errorf("onetimeprekeys invalid: %v", otk)
		}
		s.OneTimePreKeys = v
	}

	// logging and debug
	logFile, ok := cfg.Get("log", "logfile")
	if ok {
		s.LogFile = logFile
	}

	err = iniBool(cfg, &s.Debug, "log", "debug")
	if err != nil && !errors.Is(err, ErrIniNotFound) {
		return err
	}

	err = iniBool(cfg, &s.Trace, "log", "trace")
	if err != nil && !errors.Is(err, ErrIniNotFound) {
		return err
	}

	timeFormat, ok := cfg.Get("log", "timeformat")
	if ok {
		s.TimeFormat = timeFormat
	}

	profiler, ok := cfg.Get("log", "profiler")
	if ok {
		s.Profiler = profiler
	}

	return s.Expand()
}

// Expand replaces a leading ~ in all paths with the current user home
// directory.
func (s *Settings) Expand() error {
	var err error
	s.Root, err = homedir.Expand(s.Root)
	if err != nil {
		return err
	}
	s.LogFile, err = homedir.Expand(s.LogFile)
	return err
}

func iniBool(cfg ini.File, p *bool, section, key string) error {

	v, ok := cfg.Get(section, key)
	if ok {
		switch strings.ToLower(v) {
		case "yes":
			*p = true
			return nil
		case "no":
			*p = false
			return nil
		default:
			return fmt.Errorf("[%v]%v must be yes or no",
				section, key)
		}
	}
	return ErrIniNotFound
}
