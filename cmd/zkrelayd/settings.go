// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/companyzero/zkrelay/rpc"
	"github.com/companyzero/zkrelay/server/settings"
	"github.com/companyzero/zkrelay/zkutil"
)

func ObtainSettings() (*settings.Settings, error) {
	// defaults
	s := settings.New()

	// setup default paths
	root, err := zkutil.DefaultServerRootPath()
	if err != nil {
		return nil, err
	}

	// config file
	filename := flag.String("cfg", filepath.Join(root,
		zkutil.DefaultServerConf), "config file")
	version := flag.Bool("version", false, "show version")
	flag.Parse()

	if *version {
		fmt.Fprintf(os.Stderr, "zkrelayd %s (%s) protocol version %d\n",
			zkutil.Version(), runtime.Version(), rpc.ProtocolVersion)
		os.Exit(0)
	}

	// load file
	err = s.Load(*filename)
	if err != nil {
		return nil, err
	}

	return s, nil
}
