// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/companyzero/zkrelay/client"
	"github.com/companyzero/zkrelay/rpc"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// listen: print incoming messages.  Lines read from stdin of the form
// "user[:device] message" are sent.
func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Print incoming messages and send lines read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(),
				syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			c, err := connect(ctx, func(from rpc.Address, pt []byte) {
				fmt.Printf("[%v] %s\n", from, pt)
			})
			if err != nil {
				return err
			}
			fmt.Printf("listening as %v\n", c.Address())

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				select {
				case <-ctx.Done():
					c.Close()
					return nil
				case <-c.Done():
					return c.Err()
				}
			})
			eg.Go(func() error {
				return readLines(ctx, c)
			})
			return eg.Wait()
		},
	}
}

func readLines(ctx context.Context, c *client.Client) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				// stdin closed, keep listening
				<-ctx.Done()
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		to, msg, _ := strings.Cut(line, " ")
		peer, err := rpc.ParseAddress(to)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			continue
		}
		err = c.Send(ctx, peer, []byte(msg))
		if err != nil {
			fmt.Fprintf(os.Stderr, "send %v: %v\n", peer, err)
		}
	}
}
