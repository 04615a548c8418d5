// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// commands implements the zkrelay command line.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/companyzero/zkrelay/client"
	"github.com/companyzero/zkrelay/client/settings"
	"github.com/companyzero/zkrelay/debug"
	"github.com/companyzero/zkrelay/keystore"
	"github.com/companyzero/zkrelay/rpc"
	"github.com/companyzero/zkrelay/zkutil"
	"github.com/spf13/cobra"
)

const idApp = debug.IDApp

var (
	cfgFile    string
	passphrase string
	user       string
	device     uint32

	cfg   *settings.Settings
	log   *debug.Debug
	store keystore.Store
)

func Execute() error {
	root := &cobra.Command{
		Use:          "zkrelay",
		Short:        "End-to-end encrypted relay client",
		Version:      fmt.Sprintf("%v (%v) protocol version %v", zkutil.Version(), runtime.Version(), rpc.ProtocolVersion),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd)
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "cfg", "", "config file (default ~/"+zkutil.DefaultClientDir+"/"+zkutil.DefaultClientConf+")")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase that seals the key store")
	root.PersistentFlags().StringVarP(&user, "user", "u", "", "local user name")
	root.PersistentFlags().Uint32VarP(&device, "device", "d", 0, "local device id")

	root.AddCommand(initCmd(), fingerprintCmd(), sendCmd(), listenCmd())
	return root.Execute()
}

// setup loads settings, opens the log and the key store.  Flags override the
// config file.
func setup(cmd *cobra.Command) error {
	cfg = settings.New()
	if cfgFile == "" {
		root, err := zkutil.DefaultClientRootPath()
		if err != nil {
			return err
		}
		cfgFile = filepath.Join(root, zkutil.DefaultClientConf)
	}
	err := cfg.Load(cfgFile)
	if err != nil {
		// a missing config file means defaults
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err = cfg.Expand(); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("passphrase") {
		cfg.Passphrase = passphrase
	}
	if user != "" {
		cfg.User = user
	}
	if device != 0 {
		cfg.Device = device
	}
	if cfg.User == "" {
		return fmt.Errorf("user not set, use --user or the config file")
	}

	err = os.MkdirAll(cfg.Root, 0700)
	if err != nil {
		return err
	}

	log, err = debug.New(cfg.LogFile, cfg.TimeFormat)
	if err != nil {
		return err
	}
	err = log.RegisterAll()
	if err != nil {
		return err
	}
	if cfg.Debug {
		log.EnableDebug()
		if cfg.Trace {
			log.EnableTrace()
		}
	}
	log.Info(idApp, "Version: %v, RPC Protocol: %v", zkutil.Version(),
		rpc.ProtocolVersion)

	switch cfg.Store {
	case settings.StoreMemory:
		log.Warn(idApp, "Using an in-memory key store, keys are lost "+
			"on exit")
		store = keystore.NewMemoryStore()
	default:
		store, err = keystore.OpenFileStore(cfg.StoreRoot(),
			cfg.Passphrase)
		if err != nil {
			return err
		}
	}
	return nil
}

// connect provisions missing keys and registers with the server.
func connect(ctx context.Context, handler client.Handler) (*client.Client, error) {
	c, err := client.New(client.Config{
		Server:         cfg.Server,
		Address:        cfg.Address(),
		MaxPacketSize:  cfg.MaxPacketSize,
		Trust:          cfg.Trust,
		OneTimePreKeys: cfg.OneTimePreKeys,
		Handler:        handler,
	}, store, log)
	if err != nil {
		return nil, err
	}
	_, err = c.Engine().Provision(cfg.OneTimePreKeys)
	if err != nil {
		return nil, err
	}
	err = c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}
