// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/companyzero/zkrelay/rpc"
	"github.com/spf13/cobra"
)

// send <peer> <message>: encrypt and send a message to <peer>.
func sendCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "send <user[:device]> <message>...",
		Short: "Encrypt and send a message to a peer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := rpc.ParseAddress(args[0])
			if err != nil {
				return err
			}
			msg := []byte(strings.Join(args[1:], " "))

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, err := connect(ctx, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			err = c.Send(ctx, peer, msg)
			if err != nil {
				return err
			}
			fmt.Println("sent")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second,
		"give up after this long")
	return cmd
}
