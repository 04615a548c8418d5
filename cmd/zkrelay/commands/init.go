// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package commands

import (
	"fmt"

	"github.com/companyzero/zkrelay/e2e"
	"github.com/spf13/cobra"
)

// init: create the identity and pre-keys of this device.
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create identity and pre-keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			added, err := e2e.New(store).Provision(cfg.OneTimePreKeys)
			if err != nil {
				return err
			}
			fi, err := store.Identity()
			if err != nil {
				return err
			}
			if added {
				log.Info(idApp, "Provisioned %v", cfg.Address())
			}
			fmt.Printf("%v fingerprint %v\n", cfg.Address(),
				fi.Public.Fingerprint())
			return nil
		},
	}
}
