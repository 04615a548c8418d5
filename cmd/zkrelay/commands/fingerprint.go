// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package commands

import (
	"fmt"

	"github.com/companyzero/zkrelay/rpc"
	"github.com/spf13/cobra"
)

// fingerprint [peer]: print our own or a known peer's fingerprint.
func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint [user:device]",
		Short: "Print identity fingerprint",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				fi, err := store.Identity()
				if err != nil {
					return err
				}
				fmt.Printf("Fingerprint: %v\n", fi.Public.Fingerprint())
				return nil
			}

			peer, err := rpc.ParseAddress(args[0])
			if err != nil {
				return err
			}
			id, found := store.TrustedIdentity(peer)
			if !found {
				return fmt.Errorf("%v: unknown identity", peer)
			}
			fmt.Printf("%v: %v\n", peer, id.Fingerprint())
			return nil
		},
	}
}
