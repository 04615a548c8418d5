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

	"github.com/companyzero/zkrelay/transport"
	"github.com/companyzero/zkrelay/zkutil"
	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
)

// Settings is the collection of all zkrelayd settings.  This is separated out
// in order to be able to reuse in various tests.
type Settings struct {
	// default section
	Root          string // root directory for zkrelayd
	Listen        string // listen address and port
	MaxPacketSize uint32 // maximum frame size

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
		Root:          filepath.Join("~", zkutil.DefaultServerDir),
		Listen:        "127.0.0.1:12346",
		MaxPacketSize: transport.DefaultMaxPacketSize,

		// log
		LogFile: filepath.Join("~", zkutil.DefaultServerDir,
			zkutil.DefaultServerLog),
		TimeFormat: "2006-01-02 15:04:05",
		Debug:      false,
		Trace:      false,
		Profiler:   "localhost:6060",
	}
}

// Load retrieves settings from an ini file.  Additionally it expands all ~ to
// the current user home directory.
func (s *Settings) Load(filename string) error {
	// parse file
	cfg, err := ini.LoadFile(filename)
	if err != nil {
		return err
	}
	return s.load(cfg)
}

func (s *Settings) load(cfg ini.File) error {
	var err error

	// root directory
	root, ok := cfg.Get("", "root")
	if ok {
		s.Root = root
	}
	s.Root, err = homedir.Expand(s.Root)
	if err != nil {
		return err
	}

	// listen address
	listen, ok := cfg.Get("", "listen")
	if ok {
		s.Listen = listen
	}

	// maxpacketsize
	mps, ok := cfg.Get("", "maxpacketsize")
	if ok {
		v, err := strconv.ParseUint(mps, 10, 32)
		if err != nil {
			return fmt.Errorf("maxpacketsize invalid: %v", err)
		}
		if v == 0 {
			return fmt.Errorf("maxpacketsize invalid: 0")
		}
		s.MaxPacketSize = uint32(v)
	}

	// logging and debug
	logFile, ok := cfg.Get("log", "logfile")
	if ok {
		s.LogFile = logFile
	}
	s.LogFile, err = homedir.Expand(s.LogFile)
	if err != nil {
		return err
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

	return nil
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
