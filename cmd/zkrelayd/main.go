// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/companyzero/zkrelay/debug"
	"github.com/companyzero/zkrelay/rpc"
	"github.com/companyzero/zkrelay/server"
	"github.com/companyzero/zkrelay/zkutil"
	"github.com/davecgh/go-spew/spew"
)

const idApp = debug.IDApp

func _main() error {
	// flags and settings
	s, err := ObtainSettings()
	if err != nil {
		return err
	}

	// create paths
	err = os.MkdirAll(s.Root, 0700)
	if err != nil {
		return err
	}

	// handle logging
	d, err := debug.New(s.LogFile, s.TimeFormat)
	if err != nil {
		return err
	}
	err = d.RegisterAll()
	if err != nil {
		return err
	}

	d.Info(idApp, "Version: %v, RPC Protocol: %v", zkutil.Version(),
		rpc.ProtocolVersion)
	d.Info(idApp, "Start of day")
	d.Info(idApp, "Settings %v", spew.Sdump(s))
	defer d.Info(idApp, "End of times")

	// debugging
	if s.Debug {
		d.Info(idApp, "Debug enabled")
		d.EnableDebug()
		if s.Profiler != "" {
			d.Info(idApp, "Profiler enabled on http://%v/debug/pprof",
				s.Profiler)
			go http.ListenAndServe(s.Profiler, nil)
		}

		if s.Trace {
			d.Info(idApp, "Trace enabled")
			d.EnableTrace()
		}
	}

	// serve until a termination signal arrives
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return server.New(d, s.MaxPacketSize).ListenAndServe(ctx, s.Listen)
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
